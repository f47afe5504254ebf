package workflow

import (
	"context"
	"fmt"
	"strings"

	"appforge/internal/ai"
	"appforge/internal/extract"
	"appforge/internal/plan"
	"appforge/internal/workflow/core"

	"go.uber.org/zap"
)

// runNew builds a project from scratch.
func (o *Orchestrator) runNew(ctx context.Context, rc *runContext, withResearch bool) error {
	research, err := o.research(ctx, rc, withResearch)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.session.research = research
	o.mu.Unlock()

	if err := o.checkpoint(); err != nil {
		return err
	}
	if o.cfg.DiscussionEnabled && o.cfg.DiscussionTurns > 0 {
		o.fire(core.EventDiscuss, "")
		transcript := o.discuss(ctx, rc, research)
		o.mu.Lock()
		o.session.discussion = transcript
		o.mu.Unlock()
	}

	if err := o.checkpoint(); err != nil {
		return err
	}
	o.fire(core.EventGenerate, "")
	if err := o.initialGeneration(ctx, rc); err != nil {
		return err
	}
	return o.planAndExecute(ctx, rc)
}

// runRefine applies a follow-up request to the existing program.
func (o *Orchestrator) runRefine(ctx context.Context, rc *runContext, withResearch bool) error {
	research, err := o.research(ctx, rc, withResearch)
	if err != nil {
		return err
	}
	if err := o.checkpoint(); err != nil {
		return err
	}
	o.fire(core.EventRefine, "")
	o.loading(core.PhaseRefining, "Refining the existing code...")

	m := o.sessionSnapshot().models
	msgs := refineMessages(rc.prompt, research, o.Program())
	out, err := o.call(ctx, OpRefinement, -1, m.Generation, msgs, "Refinement", withCaching(refineOptions, o.cfg.CacheResponses))
	if err != nil {
		return fmt.Errorf("refinement: %w", err)
	}
	if o.stopRequested() {
		o.disarm()
		return ErrStopped
	}
	return o.applyRefine(out)
}

func (o *Orchestrator) planAndExecute(ctx context.Context, rc *runContext) error {
	if err := o.checkpoint(); err != nil {
		return err
	}
	o.fire(core.EventPlan, "")
	if err := o.planEnhancements(ctx); err != nil {
		return err
	}
	return o.executeFrom(ctx, rc, 0)
}

func (o *Orchestrator) executeFrom(ctx context.Context, rc *runContext, start int) error {
	if err := o.checkpoint(); err != nil {
		return err
	}
	o.enterExecuting()

	var err error
	if o.cfg.Parallelism > 1 {
		err = o.executeStepsParallel(ctx, start)
	} else {
		err = o.executeSteps(ctx, start)
	}
	if err != nil {
		return err
	}
	return o.autoQualityPass(ctx)
}

// research gathers notes for the request. Failures are reported and
// swallowed; the run continues without notes.
func (o *Orchestrator) research(ctx context.Context, rc *runContext, enabled bool) (string, error) {
	if !enabled {
		o.emit(StatusEvent{Phase: core.PhaseResearching, Detail: "Research skipped."})
		return "", nil
	}
	if err := o.checkpoint(); err != nil {
		return "", err
	}
	o.loading(core.PhaseResearching, "Researching the request...")

	m := o.sessionSnapshot().models
	out, err := o.call(ctx, OpResearch, -1, m.User, researchMessages(rc.prompt), "Research", withCaching(researchOptions, o.cfg.CacheResponses))
	if err != nil {
		o.disarm()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		o.emit(StatusEvent{Phase: core.PhaseResearching, Detail: "Research failed, continuing without notes: " + err.Error(), IsError: true})
		return "", nil
	}
	o.emit(StatusEvent{Phase: core.PhaseResearching, Detail: "Research complete."})
	return strings.TrimSpace(out), nil
}

// discuss runs the multi-turn design discussion and returns its transcript.
// It never fails the run: an error or a stop ends the discussion early with
// a note in the transcript.
func (o *Orchestrator) discuss(ctx context.Context, rc *runContext, research string) string {
	turns := o.cfg.DiscussionTurns
	m := o.sessionSnapshot().models
	opts := withCaching(discussOptions, o.cfg.CacheResponses)

	var b strings.Builder
	fmt.Fprintf(&b, "Iterative Discussion Start (%d Turns):\nUser Request: %s", turns, rc.prompt)

	msgs := discussionMessages(rc.prompt, research, turns)
	for turn := 1; turn <= turns; turn++ {
		if o.stopRequested() {
			b.WriteString("\n\nDiscussion stopped by user.")
			return b.String()
		}
		o.loading(core.PhaseDiscussing, fmt.Sprintf("Team discussion, turn %d/%d...", turn, turns))

		out, err := o.call(ctx, OpDiscussion, -1, m.User, msgs, fmt.Sprintf("Discussion Turn %d", turn), opts)
		if err != nil {
			o.disarm()
			fmt.Fprintf(&b, "\n\nError during turn %d.", turn)
			o.emit(StatusEvent{Phase: core.PhaseDiscussing, Detail: fmt.Sprintf("Discussion turn %d failed: %v", turn, err), IsError: true})
			return b.String()
		}
		if o.stopRequested() {
			b.WriteString("\n\nDiscussion stopped by user.")
			return b.String()
		}

		reply := strings.TrimSpace(out)
		fmt.Fprintf(&b, "\nTurn %d: %s", turn, reply)
		msgs = append(msgs, ai.Assistant(reply))
		if turn < turns {
			msgs = append(msgs, nextTurnMessage(turn+1))
		}
	}
	fmt.Fprintf(&b, "\n\nCompleted %d turns of refinement.", turns)
	o.emit(StatusEvent{Phase: core.PhaseDiscussing, Detail: fmt.Sprintf("Discussion complete (%d turns).", turns)})
	return b.String()
}

func (o *Orchestrator) initialGeneration(ctx context.Context, rc *runContext) error {
	o.loading(core.PhaseInitialGenerating, "Generating the initial code...")

	s := o.sessionSnapshot()
	msgs := initialMessages(rc.prompt, s.research, s.discussion)
	out, err := o.call(ctx, OpInitialGeneration, -1, s.models.Generation, msgs, "Initial Generation", withCaching(initialOptions, o.cfg.CacheResponses))
	if err != nil {
		return fmt.Errorf("initial generation: %w", err)
	}
	return o.applyInitial(out)
}

func (o *Orchestrator) applyInitial(out string) error {
	res := extract.Extract(out)
	if res.Empty() {
		o.arm()
		return &ExtractionError{Operation: OpInitialGeneration, StepIndex: -1}
	}
	o.merge(res)
	o.emit(StatusEvent{Phase: core.PhaseInitialGenerating, Detail: fmt.Sprintf("Initial code generated (%d of 3 blocks).", res.Fields())})
	return nil
}

func (o *Orchestrator) planEnhancements(ctx context.Context) error {
	o.loading(core.PhasePlanning, "Planning enhancements...")

	s := o.sessionSnapshot()
	msgs := planningMessages(s.prompt, s.research, s.discussion, o.Program(), o.cfg.MaxPlanSteps)
	out, err := o.call(ctx, OpEnhancementPlanning, -1, s.models.Planning, msgs, "Enhancement Planning", withCaching(planningOptions, o.cfg.CacheResponses))
	if err != nil {
		return fmt.Errorf("enhancement planning: %w", err)
	}
	return o.applyPlan(out)
}

func (o *Orchestrator) applyPlan(out string) error {
	p, err := plan.Build(out, o.cfg.MaxPlanSteps)
	if err != nil {
		o.arm()
		return fmt.Errorf("enhancement planning: %w", err)
	}
	o.mu.Lock()
	o.plan = p
	o.mu.Unlock()
	o.fsm.SetTotalSteps(p.Len())

	if p.Truncated > 0 {
		o.logger.Info("plan truncated", zap.Int("kept", p.Len()), zap.Int("dropped", p.Truncated))
	}
	o.emit(StatusEvent{Phase: core.PhasePlanning, Detail: fmt.Sprintf("Plan ready: %d steps.", p.Len()), TotalSteps: p.Len()})
	return nil
}

// executeSteps runs the plan sequentially from start.
func (o *Orchestrator) executeSteps(ctx context.Context, start int) error {
	p := o.Plan()
	for i := start; i < p.Len(); i++ {
		if err := o.checkpoint(); err != nil {
			return err
		}
		if err := o.runStep(ctx, p, i); err != nil {
			return err
		}
	}
	o.emit(StatusEvent{Phase: core.PhaseExecutingSteps, Detail: fmt.Sprintf("All %d steps processed.", p.Len()), TotalSteps: p.Len()})
	return nil
}

func stepPurpose(i int) string {
	return fmt.Sprintf("Enhancement Step %d", i+1)
}

func (o *Orchestrator) runStep(ctx context.Context, p plan.Plan, i int) error {
	step := p.Steps[i]
	o.setCurrentStep(i)
	o.emit(StatusEvent{
		Phase:      core.PhaseExecutingSteps,
		Detail:     fmt.Sprintf("Step %d/%d: %s", i+1, p.Len(), step),
		IsLoading:  true,
		Step:       i + 1,
		TotalSteps: p.Len(),
		Category:   plan.Classify(step),
	})

	s := o.sessionSnapshot()
	msgs := stepMessages(s.prompt, p.Text(), step, i, p.Len(), o.Program())
	out, err := o.call(ctx, OpEnhancementStep, i, s.models.User, msgs, stepPurpose(i), withCaching(stepOptions, o.cfg.CacheResponses))
	if o.stopRequested() {
		o.disarm()
		return ErrStopped
	}
	if err != nil {
		o.recorder.RecordStep("failed")
		return &StepError{Index: i, Step: step, Err: err}
	}
	return o.applyStep(p, i, out)
}

// applyStep merges a step response and marks the step complete.
func (o *Orchestrator) applyStep(p plan.Plan, i int, out string) error {
	step := p.Steps[i]
	res := extract.Extract(out)
	if res.Empty() {
		o.arm()
		o.recorder.RecordStep("failed")
		return &StepError{Index: i, Step: step, Err: &ExtractionError{Operation: OpEnhancementStep, StepIndex: i}}
	}

	before, _ := o.merge(res)
	o.completeStep(i)
	o.fire(core.EventStepComplete, step)

	c := summarizeChange(before, res)
	if c.Unchanged() {
		o.recorder.RecordStep("unchanged")
		o.emit(StatusEvent{
			Phase:      core.PhaseExecutingSteps,
			Detail:     fmt.Sprintf("Warning: step %d returned code identical to the current version.", i+1),
			Step:       i + 1,
			TotalSteps: p.Len(),
		})
		return nil
	}
	o.recorder.RecordStep("applied")
	o.emit(StatusEvent{
		Phase:      core.PhaseExecutingSteps,
		Detail:     fmt.Sprintf("Step %d/%d applied (%s).", i+1, p.Len(), c),
		Step:       i + 1,
		TotalSteps: p.Len(),
	})
	return nil
}

// autoQualityPass runs the final review unless disabled or the plan already
// ends in a review of its own.
func (o *Orchestrator) autoQualityPass(ctx context.Context) error {
	if !o.cfg.QualityPassEnabled {
		return nil
	}
	if plan.HasReviewStep(o.Plan().Steps) {
		o.emit(StatusEvent{Phase: core.PhaseExecutingSteps, Detail: "Plan already included a review step; skipping the final quality pass."})
		return nil
	}
	if err := o.checkpoint(); err != nil {
		return err
	}
	o.fire(core.EventReview, "")
	return o.qualityPass(ctx, true)
}

// qualityPass sends the whole program to the fix model. Used both for the
// automatic final pass and for manual check-and-fix.
func (o *Orchestrator) qualityPass(ctx context.Context, final bool) error {
	op, purpose, detail := OpCheckAndFix, "Check and Fix", "Checking the code for problems..."
	if final {
		op, purpose, detail = OpFinalQualityPass, "Final Quality Pass", "Running the final quality pass..."
	}
	phase := o.fsm.Phase()
	o.loading(phase, detail)

	s := o.sessionSnapshot()
	msgs := fixMessages(s.prompt, o.Program(), final)
	out, err := o.call(ctx, op, -1, s.models.Fix, msgs, purpose, withCaching(fixOptions, o.cfg.CacheResponses))
	if err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(purpose), err)
	}
	if o.stopRequested() {
		o.disarm()
		return ErrStopped
	}
	o.applyFix(phase, out)
	return nil
}

// applyFix merges a review response. A response without code means the
// reviewer found nothing to change.
func (o *Orchestrator) applyFix(phase core.Phase, out string) {
	res := extract.Extract(out)
	if res.Empty() {
		o.emit(StatusEvent{Phase: phase, Detail: "Review found nothing to change."})
		return
	}
	before, _ := o.merge(res)
	o.emit(StatusEvent{Phase: phase, Detail: fmt.Sprintf("Review applied (%s).", summarizeChange(before, res))})
}

func (o *Orchestrator) applyRefine(out string) error {
	res := extract.Extract(out)
	if res.Empty() {
		o.arm()
		return &ExtractionError{Operation: OpRefinement, StepIndex: -1}
	}
	before, _ := o.merge(res)
	o.emit(StatusEvent{Phase: core.PhaseRefining, Detail: fmt.Sprintf("Refinement applied (%s).", summarizeChange(before, res))})
	return nil
}
