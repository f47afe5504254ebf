package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"appforge/internal/ai"
)

type reply struct {
	out string
	err error
}

type recordedCall struct {
	Model    string
	Purpose  string
	Messages []ai.Message
	Options  ai.Options
}

// scriptedGateway answers calls by purpose. Queued replies are consumed
// first; afterwards a deterministic default is returned.
type scriptedGateway struct {
	mu     sync.Mutex
	script map[string][]reply
	hooks  map[string]func()
	calls  []recordedCall
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{script: map[string][]reply{}, hooks: map[string]func(){}}
}

func (g *scriptedGateway) on(purpose string, replies ...reply) *scriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[purpose] = append(g.script[purpose], replies...)
	return g
}

func (g *scriptedGateway) hook(purpose string, fn func()) *scriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks[purpose] = fn
	return g
}

func (g *scriptedGateway) Call(ctx context.Context, model string, messages []ai.Message, purpose string, opts ai.Options) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, recordedCall{
		Model:    model,
		Purpose:  purpose,
		Messages: append([]ai.Message(nil), messages...),
		Options:  opts,
	})
	var r reply
	if q := g.script[purpose]; len(q) > 0 {
		r = q[0]
		g.script[purpose] = q[1:]
	} else {
		r = defaultReply(purpose)
	}
	hook := g.hooks[purpose]
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.out, r.err
}

func (g *scriptedGateway) purposes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = c.Purpose
	}
	return out
}

func (g *scriptedGateway) callsFor(purpose string) []recordedCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []recordedCall
	for _, c := range g.calls {
		if c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}

const defaultPlan = "1. Add a header\n2. Add a footer\n3. Add a counter badge"

func defaultReply(purpose string) reply {
	switch {
	case purpose == "Research":
		return reply{out: "- keep it simple"}
	case strings.HasPrefix(purpose, "Discussion Turn"):
		return reply{out: "PM: " + purpose}
	case purpose == "Initial Generation":
		return reply{out: fence("<h1>App</h1>", "body{}", "// init")}
	case purpose == "Enhancement Planning":
		return reply{out: defaultPlan}
	case strings.HasPrefix(purpose, "Enhancement Step"):
		return reply{out: "```javascript\n// " + purpose + "\n```"}
	case purpose == "Refinement":
		return reply{out: "```css\nbody{color:blue}\n```"}
	default:
		return reply{out: "Looks good, no changes needed."}
	}
}

func fence(html, css, js string) string {
	return fmt.Sprintf("```html\n%s\n```\n```css\n%s\n```\n```javascript\n%s\n```", html, css, js)
}

type eventLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *eventLog) OnStatus(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StatusEvent(nil), l.events...)
}

func (l *eventLog) last() StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return StatusEvent{}
	}
	return l.events[len(l.events)-1]
}

func newTestOrchestrator(t *testing.T, gw Gateway, mutate func(*Config), opts ...Option) (*Orchestrator, *eventLog) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DiscussionTurns = 2
	if mutate != nil {
		mutate(&cfg)
	}
	log := &eventLog{}
	o := New(gw, append([]Option{WithConfig(cfg), WithStatusSink(log)}, opts...)...)
	t.Cleanup(o.Close)
	return o, log
}

// minimal turns off the optional phases.
func minimal(c *Config) {
	c.DiscussionEnabled = false
	c.QualityPassEnabled = false
}

// stepRecorder counts step outcomes.
type stepRecorder struct {
	mu    sync.Mutex
	steps map[string]int
}

func (r *stepRecorder) RecordRun(string, string, time.Duration) {}
func (r *stepRecorder) RecordPhase(string, time.Duration)       {}

func (r *stepRecorder) RecordStep(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps == nil {
		r.steps = map[string]int{}
	}
	r.steps[outcome]++
}

func (r *stepRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps[outcome]
}
