package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"appforge/internal/ai"
	"appforge/internal/catalog"
	"appforge/internal/extract"
	"appforge/internal/plan"
	"appforge/internal/workflow/core"
	"appforge/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway issues one logical chat completion call.
type Gateway interface {
	Call(ctx context.Context, model string, messages []ai.Message, purpose string, opts ai.Options) (string, error)
}

// RunStore persists a summary of every finished top-level operation.
type RunStore interface {
	SaveRun(ctx context.Context, rec *models.RunRecord) error
}

// Recorder receives workflow metrics.
type Recorder interface {
	RecordRun(mode, outcome string, duration time.Duration)
	RecordPhase(phase string, duration time.Duration)
	RecordStep(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(string, string, time.Duration) {}
func (nopRecorder) RecordPhase(string, time.Duration)       {}
func (nopRecorder) RecordStep(string)                       {}

// Config tunes the workflow.
type Config struct {
	MaxPlanSteps       int  `yaml:"max_plan_steps"`
	DiscussionTurns    int  `yaml:"discussion_turns"`
	DiscussionEnabled  bool `yaml:"discussion_enabled"`
	QualityPassEnabled bool `yaml:"quality_pass_enabled"`
	// Parallelism above 1 lets independent consecutive steps run together.
	// Steps in a wave all see the program as of the wave start and merge in
	// plan order, so when two of them return the same source the later one
	// wins and the earlier edit to that source is lost.
	Parallelism    int  `yaml:"parallelism"`
	CacheResponses bool `yaml:"cache_responses"`
}

// DefaultConfig returns the sequential reference configuration.
func DefaultConfig() Config {
	return Config{
		MaxPlanSteps:       plan.DefaultMaxSteps,
		DiscussionTurns:    5,
		DiscussionEnabled:  true,
		QualityPassEnabled: true,
		Parallelism:        1,
	}
}

// session is the context carried between runs so that regenerate and
// check-and-fix can rebuild prompts.
type session struct {
	prompt     string
	research   string
	discussion string
	models     phaseModels
	resolved   bool
}

// runContext describes one top-level operation.
type runContext struct {
	id      string
	mode    Mode
	prompt  string
	started time.Time
}

// Orchestrator owns the program and sequences every phase. Only one
// top-level operation runs at a time.
type Orchestrator struct {
	gateway     Gateway
	models      ModelSource
	status      StatusSink
	programSink ProgramSink
	store       RunStore
	recorder    Recorder
	logger      *zap.Logger
	cfg         Config

	fsm         *core.Machine
	transitions chan core.Transition
	closeOnce   sync.Once

	mu      sync.Mutex
	running bool
	program Program
	plan    plan.Plan
	retry   RetryPayload
	exec    ExecutionState
	session session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithModels sets the model registry source.
func WithModels(src ModelSource) Option { return func(o *Orchestrator) { o.models = src } }

// WithStatusSink sets the status receiver.
func WithStatusSink(s StatusSink) Option { return func(o *Orchestrator) { o.status = s } }

// WithProgramSink sets the program change receiver.
func WithProgramSink(s ProgramSink) Option { return func(o *Orchestrator) { o.programSink = s } }

// WithStore enables run history.
func WithStore(s RunStore) Option { return func(o *Orchestrator) { o.store = s } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithConfig replaces the workflow configuration.
func WithConfig(cfg Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

// New creates an orchestrator with an empty program.
func New(gw Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:  gw,
		cfg:      DefaultConfig(),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		retry:    RetryPayload{FailedStepIndex: -1},
		exec:     freshExecution(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxPlanSteps <= 0 {
		o.cfg.MaxPlanSteps = plan.DefaultMaxSteps
	}
	if o.cfg.Parallelism < 1 {
		o.cfg.Parallelism = 1
	}
	if o.cfg.DiscussionTurns < 0 {
		o.cfg.DiscussionTurns = 0
	}

	o.fsm = core.NewMachine(o.logger)
	o.transitions = o.fsm.Subscribe(128)
	go o.observe(o.transitions)
	return o
}

// Close stops the internal transition observer.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { o.fsm.Unsubscribe(o.transitions) })
}

func (o *Orchestrator) observe(ch <-chan core.Transition) {
	for tr := range ch {
		if tr.From != core.PhaseIdle {
			o.recorder.RecordPhase(string(tr.From), time.Duration(tr.DurationMs)*time.Millisecond)
		}
	}
}

// --- Public operations ---

// StartSubmit begins a run for prompt. With an empty program the run builds
// a new project; otherwise it refines the existing one. model may be empty
// to use the registry default. The run continues in the background and
// delivers exactly one Result on the returned channel.
func (o *Orchestrator) StartSubmit(ctx context.Context, prompt, model string, research bool) (<-chan Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	return o.launch(ctx, core.EventStart, prompt, func() (Mode, error) {
		if err := o.configErr(); err != nil {
			return "", err
		}
		m, err := resolveModels(o.registry(), model)
		if err != nil {
			return "", err
		}
		mode := ModeNew
		if !o.program.IsEmpty() {
			mode = ModeRefine
		}
		if mode == ModeNew {
			o.plan = plan.Plan{}
			o.session = session{prompt: prompt}
		}
		o.session.models = m
		o.session.resolved = true
		o.retry = RetryPayload{FailedStepIndex: -1}
		o.exec = freshExecution()
		return mode, nil
	}, func(ctx context.Context, rc *runContext) error {
		if rc.mode == ModeRefine {
			return o.runRefine(ctx, rc, research)
		}
		return o.runNew(ctx, rc, research)
	})
}

// Submit is StartSubmit followed by waiting for the result.
func (o *Orchestrator) Submit(ctx context.Context, prompt, model string, research bool) (Result, error) {
	return wait(o.StartSubmit(ctx, prompt, model, research))
}

// StartRegenerate replays the stored failed call and resumes the workflow
// from the point it belongs to.
func (o *Orchestrator) StartRegenerate(ctx context.Context) (<-chan Result, error) {
	var payload RetryPayload
	return o.launch(ctx, core.EventReplay, "", func() (Mode, error) {
		if err := o.configErr(); err != nil {
			return "", err
		}
		if !o.retry.Available {
			return "", ErrNoRetry
		}
		payload = o.retry.clone()
		o.exec.StopRequested = false
		if payload.Operation == OpEnhancementStep {
			o.exec.LastCompletedStepIndex = payload.FailedStepIndex - 1
		}
		return ModeRegenerate, nil
	}, func(ctx context.Context, rc *runContext) error {
		return o.runRegenerate(ctx, rc, payload)
	})
}

// Regenerate is StartRegenerate followed by waiting for the result.
func (o *Orchestrator) Regenerate(ctx context.Context) (Result, error) {
	return wait(o.StartRegenerate(ctx))
}

// StartCheckAndFix asks the fix model to review the current program. final
// selects the holistic final-pass prompt.
func (o *Orchestrator) StartCheckAndFix(ctx context.Context, final bool) (<-chan Result, error) {
	return o.launch(ctx, core.EventCheck, "", func() (Mode, error) {
		if err := o.configErr(); err != nil {
			return "", err
		}
		if o.program.IsEmpty() {
			return "", ErrNothingToCheck
		}
		if !o.session.resolved {
			m, err := resolveModels(o.registry(), "")
			if err != nil {
				return "", err
			}
			o.session.models = m
			o.session.resolved = true
		}
		o.exec.StopRequested = false
		return ModeCheck, nil
	}, func(ctx context.Context, rc *runContext) error {
		return o.qualityPass(ctx, final)
	})
}

// CheckAndFix is StartCheckAndFix followed by waiting for the result.
func (o *Orchestrator) CheckAndFix(ctx context.Context, final bool) (Result, error) {
	return wait(o.StartCheckAndFix(ctx, final))
}

// Stop requests a cooperative stop of the active run. The in-flight call is
// allowed to finish and its result is discarded. It reports whether a run
// was active.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return false
	}
	already := o.exec.StopRequested
	o.exec.StopRequested = true
	o.mu.Unlock()

	if !already {
		o.logger.Info("stop requested", zap.String("run_id", o.fsm.RunID()))
		o.emit(StatusEvent{Phase: o.fsm.Phase(), Detail: "Stopping after the current operation...", IsLoading: true})
	}
	return true
}

// Clear resets the program, plan, retry payload and session. It is
// rejected while a run is active.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrBusy
	}
	o.program = Program{}
	o.plan = plan.Plan{}
	o.retry = RetryPayload{FailedStepIndex: -1}
	o.exec = freshExecution()
	o.session = session{}
	o.mu.Unlock()

	if o.programSink != nil {
		o.programSink.OnProgramChanged("", "", "")
	}
	o.emit(StatusEvent{Phase: core.PhaseIdle, Detail: "Cleared. Ready for a new project."})
	return nil
}

// --- Accessors ---

// Program returns a copy of the current program.
func (o *Orchestrator) Program() Program {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.program
}

// Plan returns a copy of the current plan.
func (o *Orchestrator) Plan() plan.Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.plan
	p.Steps = append([]string(nil), p.Steps...)
	return p
}

// RetryPayload returns a copy of the retry payload.
func (o *Orchestrator) RetryPayload() RetryPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retry.clone()
}

// Execution returns the step execution state.
func (o *Orchestrator) Execution() ExecutionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exec
}

// Phase returns the current workflow phase.
func (o *Orchestrator) Phase() core.Phase { return o.fsm.Phase() }

// Busy reports whether a top-level operation is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// State is a combined view for status endpoints.
type State struct {
	Busy            bool           `json:"busy"`
	Machine         core.Snapshot  `json:"machine"`
	Execution       ExecutionState `json:"execution"`
	Plan            plan.Plan      `json:"plan"`
	RetryAvailable  bool           `json:"retry_available"`
	RetryOperation  OperationKind  `json:"retry_operation,omitempty"`
	FailedStepIndex int            `json:"failed_step_index"`
}

// State returns a consistent snapshot of the orchestrator.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := State{
		Busy:            o.running,
		Machine:         o.fsm.Snapshot(),
		Execution:       o.exec,
		Plan:            o.plan,
		RetryAvailable:  o.retry.Available,
		FailedStepIndex: -1,
	}
	s.Plan.Steps = append([]string(nil), o.plan.Steps...)
	if o.retry.Available {
		s.RetryOperation = o.retry.Operation
		s.FailedStepIndex = o.retry.FailedStepIndex
	}
	return s
}

// --- Run lifecycle ---

// launch claims the single run slot, runs prepare under the lock and then
// executes body in a goroutine.
func (o *Orchestrator) launch(ctx context.Context, entry core.Event, prompt string, prepare func() (Mode, error), body func(context.Context, *runContext) error) (<-chan Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	mode, err := prepare()
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if prompt == "" {
		prompt = o.session.prompt
	}
	o.running = true
	o.mu.Unlock()

	rc := &runContext{id: uuid.New().String(), mode: mode, prompt: prompt, started: time.Now()}
	if err := o.fsm.Begin(rc.id, entry); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return nil, err
	}
	o.logger.Info("run started", zap.String("run_id", rc.id), zap.String("mode", string(mode)))

	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- o.finish(ctx, rc, body(ctx, rc))
	}()
	return ch, nil
}

func (o *Orchestrator) finish(ctx context.Context, rc *runContext, err error) Result {
	res := Result{RunID: rc.id, Mode: rc.mode, Duration: time.Since(rc.started)}

	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		o.fire(core.EventComplete, "")
		o.emit(StatusEvent{Phase: core.PhaseCompleted, Detail: completionDetail(rc.mode)})

	case errors.Is(err, ErrStopped):
		res.Outcome = OutcomeStopped
		o.disarm()
		o.fire(core.EventStop, "")
		done := o.Execution().LastCompletedStepIndex + 1
		o.emit(StatusEvent{
			Phase:     core.PhaseStopped,
			Detail:    fmt.Sprintf("Stopped by user. %d step(s) completed.", done),
			Cancelled: true,
		})

	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		o.fire(core.EventFail, err.Error())
		retry := o.RetryPayload()
		ev := StatusEvent{Phase: core.PhaseFailed, Detail: err.Error(), IsError: true, Retryable: retry.Available}
		if retry.Available {
			ev.Operation = retry.Operation
			if retry.Operation == OpEnhancementStep {
				ev.Step = retry.FailedStepIndex + 1
			}
		}
		o.emit(ev)
		o.logger.Error("run failed",
			zap.String("run_id", rc.id),
			zap.String("mode", string(rc.mode)),
			zap.Bool("retryable", retry.Available),
			zap.Error(err))
	}

	o.recorder.RecordRun(string(rc.mode), string(res.Outcome), res.Duration)
	o.saveRun(ctx, rc, res)

	o.mu.Lock()
	o.running = false
	o.exec.CurrentStepIndex = -1
	o.mu.Unlock()

	o.logger.Info("run finished",
		zap.String("run_id", rc.id),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration))
	return res
}

func wait(ch <-chan Result, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	res := <-ch
	return res, res.Err
}

func completionDetail(mode Mode) string {
	switch mode {
	case ModeRefine:
		return "Refinement complete."
	case ModeCheck:
		return "Check complete."
	case ModeRegenerate:
		return "Retry succeeded. Run complete."
	default:
		return "All done. Your app is ready."
	}
}

// --- Internal helpers ---

func (o *Orchestrator) registry() *catalog.Registry {
	if o.models == nil {
		return nil
	}
	return o.models.Registry()
}

func (o *Orchestrator) configErr() error {
	if o.models == nil {
		return nil
	}
	return o.models.Err()
}

func (o *Orchestrator) fire(ev core.Event, meta string) {
	if err := o.fsm.FireWithMeta(ev, meta); err != nil {
		o.logger.Warn("unexpected phase transition", zap.Error(err))
	}
}

// enterExecuting moves to the step execution phase unless already there.
func (o *Orchestrator) enterExecuting() {
	if o.fsm.Phase() != core.PhaseExecutingSteps {
		o.fire(core.EventExecute, "")
	}
}

func (o *Orchestrator) emit(ev StatusEvent) {
	if o.status == nil {
		return
	}
	if ev.RunID == "" {
		ev.RunID = o.fsm.RunID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	o.status.OnStatus(ev)
}

func (o *Orchestrator) loading(phase core.Phase, detail string) {
	o.emit(StatusEvent{Phase: phase, Detail: detail, IsLoading: true})
}

func (o *Orchestrator) stopRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exec.StopRequested
}

// checkpoint returns ErrStopped once a stop has been requested.
func (o *Orchestrator) checkpoint() error {
	if o.stopRequested() {
		return ErrStopped
	}
	return nil
}

func (o *Orchestrator) sessionSnapshot() session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// call records the request as the retry payload, sends it and arms the
// payload when the gateway gives up.
func (o *Orchestrator) call(ctx context.Context, op OperationKind, stepIndex int, model string, msgs []ai.Message, purpose string, opts ai.Options) (string, error) {
	payload := RetryPayload{
		Model:           model,
		Messages:        append([]ai.Message(nil), msgs...),
		Purpose:         purpose,
		Operation:       op,
		FailedStepIndex: stepIndex,
		Options:         opts,
	}
	o.mu.Lock()
	o.retry = payload
	o.mu.Unlock()

	out, err := o.gateway.Call(ctx, model, msgs, purpose, opts)
	if err != nil {
		o.arm()
		o.logger.Warn("gateway call failed",
			zap.String("purpose", purpose),
			zap.String("model", model),
			zap.String("operation", string(op)),
			zap.Error(err))
		return "", err
	}
	return out, nil
}

func (o *Orchestrator) setRetry(p RetryPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retry = p
}

func (o *Orchestrator) arm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retry.Available = true
}

func (o *Orchestrator) disarm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retry.Available = false
}

// merge applies r to the program as one update and publishes the result.
func (o *Orchestrator) merge(r extract.Result) (before, after Program) {
	o.mu.Lock()
	before = o.program
	o.program = o.program.Merge(r)
	after = o.program
	o.mu.Unlock()

	if o.programSink != nil {
		o.programSink.OnProgramChanged(after.HTML, after.CSS, after.JS)
	}
	return before, after
}

func (o *Orchestrator) setCurrentStep(i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exec.CurrentStepIndex = i
}

func (o *Orchestrator) completeStep(i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exec.LastCompletedStepIndex = i
}
