package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultRefreshInterval bounds how long a fetched model list is reused.
const DefaultRefreshInterval = 10 * time.Minute

// ConfigurationError marks a setup problem that makes submissions impossible,
// such as an unreadable model snapshot or an empty model list.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrFetchFailed wraps failures of the live model list request.
var ErrFetchFailed = errors.New("model list fetch failed")

// ParseSnapshot decodes an embedded model list. Any decoding problem is a
// ConfigurationError.
func ParseSnapshot(data []byte) ([]Descriptor, error) {
	var models []Descriptor
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, &ConfigurationError{Reason: "model snapshot does not parse", Err: err}
	}
	if len(models) == 0 {
		return nil, &ConfigurationError{Reason: "model snapshot is empty"}
	}
	return models, nil
}

// Catalog owns the current Registry and knows how to refresh it either from
// an embedded snapshot or from the live model list endpoint.
type Catalog struct {
	url      string
	snapshot []byte
	client   *http.Client
	ttl      time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	registry  *Registry
	fetchedAt time.Time
	cfgErr    *ConfigurationError
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithSnapshot makes the catalog use data instead of the live endpoint.
func WithSnapshot(data []byte) Option {
	return func(c *Catalog) { c.snapshot = data }
}

// WithSnapshotFile reads the snapshot from path. An unreadable file is kept
// as an invalid snapshot so Refresh reports it as a configuration error.
func WithSnapshotFile(path string) Option {
	return func(c *Catalog) {
		if path == "" {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("model snapshot unreadable", zap.String("path", path), zap.Error(err))
			data = []byte{}
		}
		c.snapshot = data
	}
}

// WithHTTPClient overrides the client used for the live fetch.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) { c.client = client }
}

// WithRefreshInterval overrides how long a fetched list is reused.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Catalog) { c.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// New creates a Catalog reading from url unless a snapshot option is given.
func New(url string, opts ...Option) *Catalog {
	c := &Catalog{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    DefaultRefreshInterval,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the current registry, which may be nil before the first
// successful Refresh.
func (c *Catalog) Registry() *Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

// Err returns the ConfigurationError from the most recent Refresh, or nil
// when it succeeded or failed only to reach the model list endpoint.
func (c *Catalog) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfgErr == nil {
		return nil
	}
	return c.cfgErr
}

// Refresh rebuilds the registry. A present snapshot is always used and never
// falls back to the network. A cached fetch younger than the refresh interval
// is reused unless force is set.
func (c *Catalog) Refresh(ctx context.Context, force bool) (*Registry, error) {
	c.mu.RLock()
	fresh := c.registry != nil && c.cfgErr == nil && time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh && !force {
		return c.Registry(), nil
	}

	var (
		models []Descriptor
		err    error
	)
	if c.snapshot != nil {
		models, err = ParseSnapshot(c.snapshot)
	} else {
		models, err = c.fetch(ctx)
	}
	if err != nil {
		return nil, c.fail(err)
	}

	reg := NewRegistry(models)
	if reg.Len() == 0 {
		return nil, c.fail(&ConfigurationError{Reason: "model list contains no usable models"})
	}

	c.mu.Lock()
	c.registry = reg
	c.fetchedAt = time.Now()
	c.cfgErr = nil
	c.mu.Unlock()

	c.logger.Info("model catalog refreshed",
		zap.Int("models", reg.Len()),
		zap.Bool("snapshot", c.snapshot != nil))
	return reg, nil
}

// fail remembers err when it is a ConfigurationError. A snapshot that does
// not parse also drops the registry so nothing is selected from stale data.
func (c *Catalog) fail(err error) error {
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		return err
	}
	c.mu.Lock()
	c.cfgErr = cfgErr
	if c.snapshot != nil {
		c.registry = nil
	}
	c.mu.Unlock()
	return err
}

func (c *Catalog) fetch(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetchFailed, resp.StatusCode, truncate(string(body), 200))
	}

	var models []Descriptor
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFetchFailed, err)
	}
	return models, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
