// Package core provides the phase state machine that governs a workflow run.
//
// A run moves through a fixed topology:
//
//	new project: idle → researching → [discussing] → initial_generating →
//	             planning → executing_steps → [quality_pass] → completed
//	refinement:  idle → researching → refining → completed
//	replay:      idle → regenerating → (planning | executing_steps | completed)
//	check:       idle → checking → completed
//
// Every active phase may end in stopped or failed. Terminal phases return to
// idle with EventReset before the next run starts.
package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- Phase & Event Enums ---

// Phase is a discrete state of the workflow.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseResearching       Phase = "researching"
	PhaseDiscussing        Phase = "discussing"
	PhaseInitialGenerating Phase = "initial_generating"
	PhasePlanning          Phase = "planning"
	PhaseExecutingSteps    Phase = "executing_steps"
	PhaseQualityPass       Phase = "quality_pass"
	PhaseRefining          Phase = "refining"
	PhaseRegenerating      Phase = "regenerating"
	PhaseChecking          Phase = "checking"
	PhaseCompleted         Phase = "completed"
	PhaseStopped           Phase = "stopped"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseStopped || p == PhaseFailed
}

// Active reports whether a run is in progress in phase p.
func (p Phase) Active() bool {
	return p != PhaseIdle && !p.Terminal()
}

// Event triggers a phase transition.
type Event string

const (
	EventStart        Event = "start"
	EventDiscuss      Event = "discuss"
	EventGenerate     Event = "generate"
	EventRefine       Event = "refine"
	EventPlan         Event = "plan"
	EventExecute      Event = "execute"
	EventStepComplete Event = "step_complete"
	EventReview       Event = "review"
	EventComplete     Event = "complete"
	EventReplay       Event = "replay"
	EventCheck        Event = "check"
	EventStop         Event = "stop"
	EventFail         Event = "fail"
	EventReset        Event = "reset"
)

// --- Transition Table ---

// transition defines a valid (from, event) → to mapping.
type transition struct {
	From  Phase
	Event Event
	To    Phase
}

var activePhases = []Phase{
	PhaseResearching, PhaseDiscussing, PhaseInitialGenerating, PhasePlanning,
	PhaseExecutingSteps, PhaseQualityPass, PhaseRefining, PhaseRegenerating, PhaseChecking,
}

// validTransitions is the canonical transition table.
var validTransitions = func() []transition {
	t := []transition{
		// Entry points
		{PhaseIdle, EventStart, PhaseResearching},
		{PhaseIdle, EventReplay, PhaseRegenerating},
		{PhaseIdle, EventCheck, PhaseChecking},

		// New project path
		{PhaseResearching, EventDiscuss, PhaseDiscussing},
		{PhaseResearching, EventGenerate, PhaseInitialGenerating},
		{PhaseDiscussing, EventGenerate, PhaseInitialGenerating},
		{PhaseInitialGenerating, EventPlan, PhasePlanning},
		{PhasePlanning, EventExecute, PhaseExecutingSteps},
		{PhaseExecutingSteps, EventStepComplete, PhaseExecutingSteps},
		{PhaseExecutingSteps, EventReview, PhaseQualityPass},
		{PhaseExecutingSteps, EventComplete, PhaseCompleted},
		{PhaseQualityPass, EventComplete, PhaseCompleted},

		// Refinement path
		{PhaseResearching, EventRefine, PhaseRefining},
		{PhaseRefining, EventComplete, PhaseCompleted},

		// Replay of a failed call
		{PhaseRegenerating, EventPlan, PhasePlanning},
		{PhaseRegenerating, EventExecute, PhaseExecutingSteps},
		{PhaseRegenerating, EventComplete, PhaseCompleted},

		// Manual check
		{PhaseChecking, EventComplete, PhaseCompleted},

		// Back to idle
		{PhaseCompleted, EventReset, PhaseIdle},
		{PhaseStopped, EventReset, PhaseIdle},
		{PhaseFailed, EventReset, PhaseIdle},
	}
	// Stop and fail are allowed from every active phase.
	for _, p := range activePhases {
		t = append(t,
			transition{p, EventStop, PhaseStopped},
			transition{p, EventFail, PhaseFailed},
		)
	}
	return t
}()

// --- Transition Record ---

// Transition is emitted on every phase change.
type Transition struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	From         Phase     `json:"from"`
	To           Phase     `json:"to"`
	Event        Event     `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
	StepIndex    int       `json:"step_index"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Metadata     string    `json:"metadata,omitempty"`
}

const maxHistory = 256

// --- Machine ---

// Machine is the workflow state machine. It is safe for concurrent use.
type Machine struct {
	mu sync.RWMutex

	runID       string
	phase       Phase
	stepIndex   int
	totalSteps  int
	startTime   time.Time
	lastTransAt time.Time
	errorMsg    string

	subscribers []chan Transition
	history     []Transition
	logger      *zap.Logger
}

// NewMachine returns a machine in the idle phase.
func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Machine{
		phase:       PhaseIdle,
		startTime:   now,
		lastTransAt: now,
		history:     make([]Transition, 0, 64),
		logger:      logger,
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// RunID returns the id of the current or most recent run.
func (m *Machine) RunID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runID
}

// StepIndex returns the number of completed steps in the current run.
func (m *Machine) StepIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepIndex
}

// Begin starts a new run with the given entry event (start, replay or
// check). A machine left in a terminal phase is reset to idle first.
func (m *Machine) Begin(runID string, entry Event) error {
	m.mu.Lock()
	if m.phase.Terminal() {
		if err := m.applyLocked(EventReset, ""); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	if m.phase != PhaseIdle {
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("cannot begin run %s: machine is %s", runID, phase)
	}
	m.runID = runID
	m.stepIndex = 0
	m.totalSteps = 0
	m.errorMsg = ""
	m.startTime = time.Now()
	err := m.applyLocked(entry, "")
	m.mu.Unlock()
	return err
}

// SetTotalSteps records the plan length for progress reporting.
func (m *Machine) SetTotalSteps(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSteps = n
}

// SetStepIndex records the number of completed steps, for resumed runs.
func (m *Machine) SetStepIndex(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepIndex = n
}

// Fire moves the machine via event. It returns an error if the transition
// is not in the table.
func (m *Machine) Fire(event Event) error {
	return m.FireWithMeta(event, "")
}

// FireWithMeta is like Fire but attaches metadata to the record. For
// EventFail the metadata is kept as the run's error message.
func (m *Machine) FireWithMeta(event Event, metadata string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(event, metadata)
}

func (m *Machine) applyLocked(event Event, metadata string) error {
	from := m.phase

	var target Phase
	found := false
	for _, t := range validTransitions {
		if t.From == from && t.Event == event {
			target = t.To
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid transition: phase=%s event=%s", from, event)
	}

	now := time.Now()
	duration := now.Sub(m.lastTransAt).Milliseconds()

	switch event {
	case EventStepComplete:
		m.stepIndex++
	case EventFail:
		m.errorMsg = metadata
	}

	record := Transition{
		ID:           uuid.New().String(),
		RunID:        m.runID,
		From:         from,
		To:           target,
		Event:        event,
		Timestamp:    now,
		StepIndex:    m.stepIndex,
		ErrorMessage: m.errorMsg,
		DurationMs:   duration,
		Metadata:     metadata,
	}

	m.phase = target
	m.lastTransAt = now
	m.history = append(m.history, record)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	// Notify subscribers without blocking; slow readers can use History.
	for _, ch := range m.subscribers {
		select {
		case ch <- record:
		default:
		}
	}

	m.logger.Debug("phase transition",
		zap.String("run_id", m.runID),
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(target)),
		zap.Int("step", m.stepIndex),
		zap.Int64("elapsed_ms", duration))
	return nil
}

// --- Subscription ---

// Subscribe returns a channel that receives transition records.
func (m *Machine) Subscribe(bufferSize int) chan Transition {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan Transition, bufferSize)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Machine) Unsubscribe(ch chan Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// --- History / Serialization ---

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot is a serializable view of the machine.
type Snapshot struct {
	RunID       string  `json:"run_id"`
	Phase       Phase   `json:"phase"`
	StepIndex   int     `json:"step_index"`
	TotalSteps  int     `json:"total_steps"`
	Progress    float64 `json:"progress"`
	ElapsedMs   int64   `json:"elapsed_ms"`
	Error       string  `json:"error,omitempty"`
	Transitions int     `json:"transitions"`
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		RunID:       m.runID,
		Phase:       m.phase,
		StepIndex:   m.stepIndex,
		TotalSteps:  m.totalSteps,
		Progress:    m.progressLocked(),
		ElapsedMs:   time.Since(m.startTime).Milliseconds(),
		Error:       m.errorMsg,
		Transitions: len(m.history),
	}
}

// MarshalJSON serializes the snapshot.
func (m *Machine) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Progress returns completion in [0, 1] based on completed steps.
func (m *Machine) Progress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progressLocked()
}

func (m *Machine) progressLocked() float64 {
	if m.phase == PhaseCompleted {
		return 1
	}
	if m.totalSteps <= 0 {
		return 0
	}
	p := float64(m.stepIndex) / float64(m.totalSteps)
	if p > 1 {
		p = 1
	}
	return p
}
