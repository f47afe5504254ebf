package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxJitter = 500 * time.Millisecond

// ResponseCache stores completions by request fingerprint.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// Gateway wraps the chat completion endpoint.
type Gateway struct {
	endpoint   string
	referrer   string
	token      string
	private    bool
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int

	cache    ResponseCache
	limiter  *rate.Limiter
	recorder Recorder
	logger   *zap.Logger

	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration

	seedMu sync.Mutex
	seeds  map[string]int64

	apiCalls         atomic.Int64
	successfulCalls  atomic.Int64
	failedCalls      atomic.Int64
	retries          atomic.Int64
	cacheHits        atomic.Int64
	completionTokens atomic.Int64
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient replaces the HTTP client. Per-attempt timeouts come from
// Options, so the client should not set its own Timeout.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = c }
}

// WithDefaults sets the per-attempt timeout used when a call's Options leave
// it zero, and the retry budget: the retry count for calls that set no
// MaxRetries and the ceiling for those that do. A non-positive timeout or a
// negative budget keeps the built-in default.
func WithDefaults(timeout time.Duration, maxRetries int) GatewayOption {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
		if maxRetries >= 0 {
			g.maxRetries = maxRetries
		}
	}
}

// WithReferrer sets the referrer identifier sent with every request.
func WithReferrer(referrer string) GatewayOption {
	return func(g *Gateway) { g.referrer = referrer }
}

// WithToken sends a bearer token with every request.
func WithToken(token string) GatewayOption {
	return func(g *Gateway) { g.token = token }
}

// WithPrivate sets the request's private flag.
func WithPrivate(private bool) GatewayOption {
	return func(g *Gateway) { g.private = private }
}

// WithCache enables response caching for calls that allow it.
func WithCache(c ResponseCache) GatewayOption {
	return func(g *Gateway) { g.cache = c }
}

// WithRateLimit paces attempts to rps requests per second. rps <= 0
// disables pacing.
func WithRateLimit(rps float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) GatewayOption {
	return func(g *Gateway) { g.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(context.Context, time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = fn }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(fn func() time.Duration) GatewayOption {
	return func(g *Gateway) { g.jitter = fn }
}

// NewGateway creates a gateway posting to endpoint.
func NewGateway(endpoint string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		endpoint:   endpoint,
		private:    true,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		recorder:   nopRecorder{},
		logger:     zap.NewNop(),
		sleep:      sleepContext,
		jitter:     randomJitter,
		seeds:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fingerprint is a stable hash of the request identity.
func Fingerprint(model string, messages []Message, purpose string) string {
	data, _ := json.Marshal(struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Purpose  string    `json:"purpose"`
	}{model, messages, purpose})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Backoff is the delay before retry number attempt (1-based): 2^attempt
// seconds plus jitter.
func Backoff(attempt int, jitter time.Duration) time.Duration {
	return time.Duration(1<<attempt)*time.Second + jitter
}

// Call sends messages to model and returns the completion text. Network
// failures are retried up to opts.MaxRetries times, capped by the gateway's
// retry budget; every other failure
// returns immediately. The returned error is always an *APIError unless ctx
// itself ended, in which case it wraps ctx.Err().
func (g *Gateway) Call(ctx context.Context, model string, messages []Message, purpose string, opts Options) (string, error) {
	g.apiCalls.Add(1)
	fp := Fingerprint(model, messages, purpose)

	if opts.AllowCaching && g.cache != nil {
		cached, ok := g.cache.Get(ctx, fp)
		g.recorder.RecordCacheOperation("responses", ok)
		if ok {
			g.cacheHits.Add(1)
			g.logger.Debug("response cache hit", zap.String("purpose", purpose), zap.String("model", model))
			return cached, nil
		}
	}

	req := g.newRequest(model, messages, g.seedFor(fp, opts.Seed), opts)
	maxRetries := opts.maxRetries(g.maxRetries)
	timeout := opts.timeout(g.timeout)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt, g.jitter())
			g.retries.Add(1)
			g.recorder.RecordLLMRetry(model, retryReason(lastErr))
			g.logger.Warn("retrying API call",
				zap.String("purpose", purpose),
				zap.String("model", model),
				zap.Int("retry", attempt),
				zap.Int("max_retries", maxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := g.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		attempts++
		start := time.Now()
		res, err := g.attempt(ctx, req, timeout)
		if err == nil {
			g.succeed(ctx, fp, model, purpose, opts, res, time.Since(start))
			return res.content, nil
		}
		g.recorder.RecordLLMCall(model, "error", time.Since(start), 0)
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) {
			break
		}
	}

	g.failedCalls.Add(1)
	return "", g.failure(ctx, model, purpose, attempts, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, req *chatRequest, timeout time.Duration) (*completion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := g.makeRequest(attemptCtx, req)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return res, err
}

func (g *Gateway) succeed(ctx context.Context, fp, model, purpose string, opts Options, res *completion, elapsed time.Duration) {
	g.successfulCalls.Add(1)
	g.completionTokens.Add(int64(res.completionTokens))
	g.recorder.RecordLLMCall(model, "success", elapsed, res.completionTokens)

	if res.seed != nil {
		g.seedMu.Lock()
		if _, ok := g.seeds[fp]; !ok {
			g.seeds[fp] = *res.seed
		}
		g.seedMu.Unlock()
	}
	if opts.AllowCaching && g.cache != nil {
		g.cache.Set(ctx, fp, res.content)
	}

	g.logger.Debug("API call succeeded",
		zap.String("purpose", purpose),
		zap.String("model", model),
		zap.Int("completion_tokens", res.completionTokens),
		zap.Duration("elapsed", elapsed))
}

func (g *Gateway) failure(ctx context.Context, model, purpose string, attempts int, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", purpose, ctx.Err())
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		apiErr.Model = model
		apiErr.Purpose = purpose
		apiErr.Attempts = attempts
		return apiErr
	}

	var netErr *NetworkError
	status := 0
	if errors.As(err, &netErr) {
		status = netErr.StatusCode
	}
	return &APIError{
		Model:      model,
		Purpose:    purpose,
		StatusCode: status,
		Message:    fmt.Sprintf("request failed after %d attempt(s): %v", attempts, err),
		Attempts:   attempts,
		Err:        err,
	}
}

func (g *Gateway) seedFor(fp string, hint *int64) *int64 {
	if hint != nil {
		return hint
	}
	g.seedMu.Lock()
	defer g.seedMu.Unlock()
	if s, ok := g.seeds[fp]; ok {
		return &s
	}
	return nil
}

// PreferredSeed returns the seed remembered for a fingerprint.
func (g *Gateway) PreferredSeed(fp string) (int64, bool) {
	g.seedMu.Lock()
	defer g.seedMu.Unlock()
	s, ok := g.seeds[fp]
	return s, ok
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		APICalls:         g.apiCalls.Load(),
		SuccessfulCalls:  g.successfulCalls.Load(),
		FailedCalls:      g.failedCalls.Load(),
		Retries:          g.retries.Load(),
		CacheHits:        g.cacheHits.Load(),
		CompletionTokens: g.completionTokens.Load(),
	}
}

func retryReason(err error) string {
	var netErr *NetworkError
	switch {
	case errors.As(err, &netErr) && netErr.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "network"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(maxJitter)))
}
