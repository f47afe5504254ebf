package workflow

import (
	"context"
	"fmt"

	"appforge/internal/workflow/core"
)

// runRegenerate replays the stored request verbatim and, on success, resumes
// the workflow at the point the failed call belonged to.
func (o *Orchestrator) runRegenerate(ctx context.Context, rc *runContext, p RetryPayload) error {
	o.loading(core.PhaseRegenerating, "Retrying: "+p.Purpose+"...")

	out, err := o.call(ctx, p.Operation, p.FailedStepIndex, p.Model, p.Messages, p.Purpose, p.Options)
	if err != nil {
		return fmt.Errorf("retry of %s: %w", p.Purpose, err)
	}
	if o.stopRequested() {
		o.disarm()
		return ErrStopped
	}

	switch p.Operation {
	case OpInitialGeneration:
		if err := o.applyInitial(out); err != nil {
			return err
		}
		return o.planAndExecute(ctx, rc)

	case OpEnhancementPlanning:
		if err := o.applyPlan(out); err != nil {
			return err
		}
		return o.executeFrom(ctx, rc, 0)

	case OpEnhancementStep:
		pl := o.Plan()
		idx := p.FailedStepIndex
		if idx < 0 || idx >= pl.Len() {
			return fmt.Errorf("retry payload references step %d but the plan has %d steps", idx+1, pl.Len())
		}
		o.fsm.SetTotalSteps(pl.Len())
		o.fsm.SetStepIndex(idx)
		o.enterExecuting()
		o.setCurrentStep(idx)
		if err := o.applyStep(pl, idx, out); err != nil {
			return err
		}
		return o.executeFrom(ctx, rc, idx+1)

	case OpRefinement:
		return o.applyRefine(out)

	case OpFinalQualityPass, OpCheckAndFix:
		o.applyFix(core.PhaseRegenerating, out)
		return nil

	default:
		return fmt.Errorf("cannot resume after %s", p.Operation)
	}
}
