package workflow

import (
	"context"
	"time"

	"appforge/pkg/models"

	"go.uber.org/zap"
)

const saveTimeout = 5 * time.Second

// saveRun persists a summary of the finished run. Failures are logged only.
func (o *Orchestrator) saveRun(ctx context.Context, rc *runContext, res Result) {
	if o.store == nil {
		return
	}

	o.mu.Lock()
	rec := &models.RunRecord{
		RunID:           rc.id,
		Mode:            string(rc.mode),
		Outcome:         string(res.Outcome),
		Prompt:          rc.prompt,
		Model:           o.session.models.User,
		TotalSteps:      o.plan.Len(),
		CompletedSteps:  o.exec.LastCompletedStepIndex + 1,
		FailedStepIndex: -1,
		Retryable:       o.retry.Available,
		HTML:            o.program.HTML,
		CSS:             o.program.CSS,
		JS:              o.program.JS,
		StartedAt:       rc.started.UTC(),
		FinishedAt:      time.Now().UTC(),
		DurationMs:      res.Duration.Milliseconds(),
	}
	if o.retry.Available {
		rec.RetryOperation = string(o.retry.Operation)
		rec.FailedStepIndex = o.retry.FailedStepIndex
	}
	o.mu.Unlock()

	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := o.store.SaveRun(saveCtx, rec); err != nil {
		o.logger.Warn("failed to save run record", zap.String("run_id", rc.id), zap.Error(err))
	}
}
