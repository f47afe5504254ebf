// Package workflow drives a run end to end: research, team discussion,
// initial generation, planning, step execution and the quality pass. It owns
// the program under construction, the retry payload of the last failed call
// and the cooperative stop flag.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"appforge/internal/ai"
	"appforge/internal/catalog"
	"appforge/internal/extract"
	"appforge/internal/plan"
	"appforge/internal/workflow/core"
)

// Program is the three-buffer artifact being built.
type Program struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
	JS   string `json:"js"`
}

// IsEmpty reports whether all three buffers are empty.
func (p Program) IsEmpty() bool {
	return p.HTML == "" && p.CSS == "" && p.JS == ""
}

// Merge applies an extraction result: a nil field keeps the existing value.
func (p Program) Merge(r extract.Result) Program {
	if r.HTML != nil {
		p.HTML = *r.HTML
	}
	if r.CSS != nil {
		p.CSS = *r.CSS
	}
	if r.JS != nil {
		p.JS = *r.JS
	}
	return p
}

// OperationKind names the call a RetryPayload replays.
type OperationKind string

const (
	OpResearch            OperationKind = "research"
	OpDiscussion          OperationKind = "discussion"
	OpInitialGeneration   OperationKind = "initial_generation"
	OpEnhancementPlanning OperationKind = "enhancement_planning"
	OpEnhancementStep     OperationKind = "enhancement_step"
	OpRefinement          OperationKind = "refinement"
	OpFinalQualityPass    OperationKind = "final_quality_pass"
	OpCheckAndFix         OperationKind = "check_and_fix"
)

// RetryPayload is the exact request that last failed, replayable verbatim.
// FailedStepIndex is -1 unless Operation is OpEnhancementStep.
type RetryPayload struct {
	Available       bool          `json:"available"`
	Model           string        `json:"model"`
	Messages        []ai.Message  `json:"messages"`
	Purpose         string        `json:"purpose"`
	Operation       OperationKind `json:"operation"`
	FailedStepIndex int           `json:"failed_step_index"`
	Options         ai.Options    `json:"options"`
}

func (p RetryPayload) clone() RetryPayload {
	p.Messages = append([]ai.Message(nil), p.Messages...)
	return p
}

// ExecutionState tracks step progress. Indexes are 0-based; -1 means none.
type ExecutionState struct {
	StopRequested          bool `json:"stop_requested"`
	LastCompletedStepIndex int  `json:"last_completed_step_index"`
	CurrentStepIndex       int  `json:"current_step_index"`
}

func freshExecution() ExecutionState {
	return ExecutionState{LastCompletedStepIndex: -1, CurrentStepIndex: -1}
}

// Mode is the kind of top-level operation.
type Mode string

const (
	ModeNew        Mode = "new"
	ModeRefine     Mode = "refine"
	ModeRegenerate Mode = "regenerate"
	ModeCheck      Mode = "check"
)

// Outcome is how a top-level operation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
)

// Result is delivered once per top-level operation. Err is nil unless
// Outcome is OutcomeFailed.
type Result struct {
	RunID    string        `json:"run_id"`
	Mode     Mode          `json:"mode"`
	Outcome  Outcome       `json:"outcome"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// StatusEvent is an abstract progress report.
type StatusEvent struct {
	RunID      string        `json:"run_id,omitempty"`
	Phase      core.Phase    `json:"phase"`
	Detail     string        `json:"detail"`
	IsError    bool          `json:"is_error"`
	IsLoading  bool          `json:"is_loading"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
	Step       int           `json:"step,omitempty"`
	TotalSteps int           `json:"total_steps,omitempty"`
	Category   plan.Category `json:"category,omitempty"`
	Operation  OperationKind `json:"operation,omitempty"`
	Time       time.Time     `json:"time"`
}

// StatusSink receives status events.
type StatusSink interface {
	OnStatus(ev StatusEvent)
}

// ProgramSink receives a copy of the program after every change.
type ProgramSink interface {
	OnProgramChanged(html, css, js string)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(StatusEvent)

func (f StatusFunc) OnStatus(ev StatusEvent) { f(ev) }

// ProgramFunc adapts a function to ProgramSink.
type ProgramFunc func(html, css, js string)

func (f ProgramFunc) OnProgramChanged(html, css, js string) { f(html, css, js) }

var (
	// ErrBusy rejects a top-level operation while another is running.
	ErrBusy = errors.New("a run is already in progress")
	// ErrStopped is returned internally when the stop flag is observed.
	ErrStopped = errors.New("stopped by user")
	// ErrNoRetry means there is no failed call to regenerate.
	ErrNoRetry = errors.New("nothing to regenerate")
	// ErrNothingToCheck means check-and-fix was asked for an empty program.
	ErrNothingToCheck = errors.New("nothing to check: program is empty")
	// ErrNoModel means no usable model could be selected.
	ErrNoModel = &catalog.ConfigurationError{Reason: "no usable model available"}
	// ErrEmptyPrompt rejects a submission without a request.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// ExtractionError means a response that had to carry code carried none.
type ExtractionError struct {
	Operation OperationKind
	StepIndex int
}

func (e *ExtractionError) Error() string {
	if e.Operation == OpEnhancementStep {
		return fmt.Sprintf("step %d produced no code blocks", e.StepIndex+1)
	}
	return fmt.Sprintf("%s produced no code blocks", e.Operation)
}

// StepError wraps a failure of one enhancement step.
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
