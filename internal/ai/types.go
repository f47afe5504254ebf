// Package ai implements the chat-completion gateway: one logical call with
// per-attempt timeouts, exponential backoff, response caching and seed reuse.
package ai

import "time"

const (
	DefaultTimeout    = 120 * time.Second
	DefaultMaxRetries = 3
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// System, User and Assistant build messages.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Options tune a single gateway call. Zero values mean "provider default"
// for the sampling fields and the gateway default for Timeout. A nil
// MaxRetries uses the gateway's retry budget; an explicit value, including
// 0, is honoured up to that budget.
type Options struct {
	Temperature     *float64      `json:"temperature,omitempty"`
	TopP            *float64      `json:"top_p,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	MaxRetries      *int          `json:"max_retries,omitempty"`
	AllowCaching    bool          `json:"allow_caching,omitempty"`
	Seed            *int64        `json:"seed,omitempty"`
}

// Float returns a pointer to v, for the optional sampling fields.
func Float(v float64) *float64 { return &v }

// Retries returns a pointer to n, for Options.MaxRetries.
func Retries(n int) *int { return &n }

func (o Options) timeout(fallback time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return fallback
}

func (o Options) maxRetries(budget int) int {
	if o.MaxRetries == nil {
		return budget
	}
	return max(0, min(*o.MaxRetries, budget))
}

// Stats are the gateway's observability counters.
type Stats struct {
	APICalls         int64 `json:"api_calls"`
	SuccessfulCalls  int64 `json:"successful_calls"`
	FailedCalls      int64 `json:"failed_calls"`
	Retries          int64 `json:"retries"`
	CacheHits        int64 `json:"cache_hits"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Recorder receives gateway metrics.
type Recorder interface {
	RecordLLMCall(model, status string, duration time.Duration, completionTokens int)
	RecordLLMRetry(model, reason string)
	RecordCacheOperation(cacheName string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordLLMCall(string, string, time.Duration, int) {}
func (nopRecorder) RecordLLMRetry(string, string)                    {}
func (nopRecorder) RecordCacheOperation(string, bool)                {}
