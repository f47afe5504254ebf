package workflow

import (
	"context"
	"fmt"

	"appforge/internal/plan"
	"appforge/internal/workflow/core"

	"golang.org/x/sync/errgroup"
)

// nextWave returns the indexes of the steps that can run together starting
// at start: the first step plus following steps that do not build on their
// predecessor, up to limit.
func nextWave(steps []string, start, limit int) []int {
	wave := []int{start}
	for j := start + 1; j < len(steps) && len(wave) < limit; j++ {
		if plan.DependsOnPrevious(steps[j]) {
			break
		}
		wave = append(wave, j)
	}
	return wave
}

type waveResult struct {
	out     string
	err     error
	payload RetryPayload
}

// executeStepsParallel runs the plan in waves of independent steps. Every
// step in a wave sees the program as it was when the wave started; results
// are merged in plan order and the first failure in plan order ends the run.
func (o *Orchestrator) executeStepsParallel(ctx context.Context, start int) error {
	p := o.Plan()
	for i := start; i < p.Len(); {
		if err := o.checkpoint(); err != nil {
			return err
		}
		wave := nextWave(p.Steps, i, o.cfg.Parallelism)
		if len(wave) == 1 {
			if err := o.runStep(ctx, p, i); err != nil {
				return err
			}
			i++
			continue
		}
		if err := o.runWave(ctx, p, wave); err != nil {
			return err
		}
		i += len(wave)
	}
	o.emit(StatusEvent{Phase: core.PhaseExecutingSteps, Detail: fmt.Sprintf("All %d steps processed.", p.Len()), TotalSteps: p.Len()})
	return nil
}

func (o *Orchestrator) runWave(ctx context.Context, p plan.Plan, wave []int) error {
	first, last := wave[0], wave[len(wave)-1]
	o.emit(StatusEvent{
		Phase:      core.PhaseExecutingSteps,
		Detail:     fmt.Sprintf("Steps %d-%d/%d running in parallel...", first+1, last+1, p.Len()),
		IsLoading:  true,
		Step:       first + 1,
		TotalSteps: p.Len(),
	})
	o.setCurrentStep(first)

	s := o.sessionSnapshot()
	base := o.Program()
	opts := withCaching(stepOptions, o.cfg.CacheResponses)
	results := make([]waveResult, len(wave))

	var g errgroup.Group
	g.SetLimit(o.cfg.Parallelism)
	for k, idx := range wave {
		k, idx := k, idx
		g.Go(func() error {
			msgs := stepMessages(s.prompt, p.Text(), p.Steps[idx], idx, p.Len(), base)
			out, err := o.gateway.Call(ctx, s.models.User, msgs, stepPurpose(idx), opts)
			results[k] = waveResult{
				out: out,
				err: err,
				payload: RetryPayload{
					Model:           s.models.User,
					Messages:        msgs,
					Purpose:         stepPurpose(idx),
					Operation:       OpEnhancementStep,
					FailedStepIndex: idx,
					Options:         opts,
				},
			}
			return nil
		})
	}
	_ = g.Wait()

	if o.stopRequested() {
		o.disarm()
		return ErrStopped
	}
	for k, idx := range wave {
		r := results[k]
		o.setRetry(r.payload)
		o.setCurrentStep(idx)
		if r.err != nil {
			o.arm()
			o.recorder.RecordStep("failed")
			return &StepError{Index: idx, Step: p.Steps[idx], Err: r.err}
		}
		if err := o.applyStep(p, idx, r.out); err != nil {
			return err
		}
	}
	return nil
}
