package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"appforge/internal/ai"
	"appforge/internal/catalog"
	"appforge/internal/store"
	"appforge/internal/workflow"
	"appforge/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRunner records calls and answers with preset errors.
type fakeRunner struct {
	mu       sync.Mutex
	err      error
	clearErr error
	stopping bool
	program  workflow.Program
	state    workflow.State
	submits  []GenerateRequest
	finals   []bool
	regens   int
}

func (f *fakeRunner) result() <-chan workflow.Result {
	ch := make(chan workflow.Result, 1)
	ch <- workflow.Result{RunID: "run-1", Mode: workflow.ModeNew, Outcome: workflow.OutcomeCompleted}
	return ch
}

func (f *fakeRunner) StartSubmit(_ context.Context, prompt, model string, research bool) (<-chan workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.submits = append(f.submits, GenerateRequest{Prompt: prompt, Model: model, Research: research})
	return f.result(), nil
}

func (f *fakeRunner) StartRegenerate(context.Context) (<-chan workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.regens++
	return f.result(), nil
}

func (f *fakeRunner) StartCheckAndFix(_ context.Context, final bool) (<-chan workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.finals = append(f.finals, final)
	return f.result(), nil
}

func (f *fakeRunner) Stop() bool                { return f.stopping }
func (f *fakeRunner) Clear() error              { return f.clearErr }
func (f *fakeRunner) Program() workflow.Program { return f.program }
func (f *fakeRunner) State() workflow.State     { return f.state }

type fakeCatalog struct {
	reg       *catalog.Registry
	err       error
	refreshes int
}

func (f *fakeCatalog) Registry() *catalog.Registry { return f.reg }

func (f *fakeCatalog) Refresh(context.Context, bool) (*catalog.Registry, error) {
	f.refreshes++
	if f.err != nil {
		return nil, f.err
	}
	return f.reg, nil
}

type fakeStats ai.Stats

func (f fakeStats) Stats() ai.Stats { return ai.Stats(f) }

type fakeHistory struct {
	runs []models.RunRecord
	err  error
}

func (f *fakeHistory) ListRuns(_ context.Context, limit int) ([]models.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeHistory) GetRun(_ context.Context, id string) (*models.RunRecord, error) {
	for i := range f.runs {
		if f.runs[i].RunID == id {
			return &f.runs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func newTestRouter(d Deps) *gin.Engine {
	return NewRouter(NewServer(context.Background(), d), RouterConfig{})
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestGenerate(t *testing.T) {
	t.Run("accepts a prompt", func(t *testing.T) {
		runner := &fakeRunner{}
		r := newTestRouter(Deps{Runner: runner})

		w := do(t, r, http.MethodPost, "/api/v1/generate", `{"prompt":"a todo app","model":"openai","research":true}`)
		assert.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, runner.submits, 1)
		assert.Equal(t, GenerateRequest{Prompt: "a todo app", Model: "openai", Research: true}, runner.submits[0])
	})

	t.Run("rejects a missing prompt", func(t *testing.T) {
		r := newTestRouter(Deps{Runner: &fakeRunner{}})
		w := do(t, r, http.MethodPost, "/api/v1/generate", `{"model":"openai"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_REQUEST", decode(t, w)["error_code"])
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy", workflow.ErrBusy, http.StatusConflict, "BUSY"},
		{"no retry", workflow.ErrNoRetry, http.StatusBadRequest, "NO_RETRY"},
		{"nothing to check", workflow.ErrNothingToCheck, http.StatusBadRequest, "NOTHING_TO_CHECK"},
		{"empty prompt", workflow.ErrEmptyPrompt, http.StatusBadRequest, "EMPTY_PROMPT"},
		{"no model", fmt.Errorf("resolve: %w", workflow.ErrNoModel), http.StatusServiceUnavailable, "NO_MODEL"},
		{"fetch failed", fmt.Errorf("%w: timeout", catalog.ErrFetchFailed), http.StatusBadGateway, "MODEL_LIST_UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestOperationsReportRunnerErrors(t *testing.T) {
	runner := &fakeRunner{err: workflow.ErrBusy}
	r := newTestRouter(Deps{Runner: runner})

	for _, path := range []string{"/api/v1/generate", "/api/v1/regenerate", "/api/v1/check"} {
		w := do(t, r, http.MethodPost, path, `{"prompt":"x"}`)
		assert.Equal(t, http.StatusConflict, w.Code, path)
		assert.Equal(t, "BUSY", decode(t, w)["error_code"], path)
	}
}

func TestRegenerateAndCheck(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestRouter(Deps{Runner: runner})

	assert.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/v1/regenerate", "").Code)
	assert.Equal(t, 1, runner.regens)

	assert.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/v1/check", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/v1/check", `{"final":true}`).Code)
	assert.Equal(t, []bool{false, true}, runner.finals)

	w := do(t, r, http.MethodPost, "/api/v1/check", `{"final":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopAndClear(t *testing.T) {
	runner := &fakeRunner{stopping: true}
	r := newTestRouter(Deps{Runner: runner})

	w := do(t, r, http.MethodPost, "/api/v1/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["stopping"])

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/v1/clear", "").Code)

	runner.clearErr = workflow.ErrBusy
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/api/v1/clear", "").Code)
}

func TestProgramAndState(t *testing.T) {
	runner := &fakeRunner{
		program: workflow.Program{HTML: "<h1>x</h1>", CSS: "h1{}", JS: "1"},
		state:   workflow.State{Busy: true, RetryAvailable: true, RetryOperation: workflow.OpEnhancementStep, FailedStepIndex: 2},
	}
	r := newTestRouter(Deps{Runner: runner})

	var prog workflow.Program
	w := do(t, r, http.MethodGet, "/api/v1/program", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prog))
	assert.Equal(t, runner.program, prog)

	state := decode(t, do(t, r, http.MethodGet, "/api/v1/state", ""))
	assert.Equal(t, true, state["busy"])
	assert.Equal(t, true, state["retry_available"])
	assert.Equal(t, string(workflow.OpEnhancementStep), state["retry_operation"])
	assert.EqualValues(t, 2, state["failed_step_index"])
}

func TestGetModels(t *testing.T) {
	reg := catalog.NewRegistry([]catalog.Descriptor{
		{Name: "qwen-coder", Description: "Qwen coder"},
		{Name: "deepseek-r1-llama", Reasoning: true},
		{Name: "openai"},
	})

	t.Run("categorized view", func(t *testing.T) {
		cat := &fakeCatalog{reg: reg}
		r := newTestRouter(Deps{Runner: &fakeRunner{}, Catalog: cat})

		body := decode(t, do(t, r, http.MethodGet, "/api/v1/models", ""))
		assert.EqualValues(t, 3, body["count"])
		cats := body["categories"].(map[string]any)
		coder := cats["coder"].([]any)
		require.Len(t, coder, 1)
		assert.Equal(t, "qwen-coder", coder[0].(map[string]any)["id"])
		assert.Zero(t, cat.refreshes)
	})

	t.Run("refresh on demand", func(t *testing.T) {
		cat := &fakeCatalog{reg: reg}
		r := newTestRouter(Deps{Runner: &fakeRunner{}, Catalog: cat})
		assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/models?refresh=true", "").Code)
		assert.Equal(t, 1, cat.refreshes)
	})

	t.Run("empty catalog that cannot load", func(t *testing.T) {
		cat := &fakeCatalog{err: &catalog.ConfigurationError{Reason: "model snapshot is empty"}}
		r := newTestRouter(Deps{Runner: &fakeRunner{}, Catalog: cat})
		w := do(t, r, http.MethodGet, "/api/v1/models", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "NO_MODEL", decode(t, w)["error_code"])
	})

	t.Run("no catalog", func(t *testing.T) {
		r := newTestRouter(Deps{Runner: &fakeRunner{}})
		assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodGet, "/api/v1/models", "").Code)
	})
}

func TestGetStats(t *testing.T) {
	r := newTestRouter(Deps{Runner: &fakeRunner{}, Stats: fakeStats{APICalls: 4, Retries: 1}})
	body := decode(t, do(t, r, http.MethodGet, "/api/v1/stats", ""))
	assert.EqualValues(t, 4, body["api_calls"])
	assert.EqualValues(t, 1, body["retries"])
}

func TestRuns(t *testing.T) {
	hist := &fakeHistory{runs: []models.RunRecord{
		{RunID: "b", Outcome: "failed"},
		{RunID: "a", Outcome: "completed"},
	}}
	r := newTestRouter(Deps{Runner: &fakeRunner{}, History: hist})

	body := decode(t, do(t, r, http.MethodGet, "/api/v1/runs?limit=1", ""))
	assert.EqualValues(t, 1, body["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/runs?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/runs?limit=abc", "").Code)

	w := do(t, r, http.MethodGet, "/api/v1/runs/a", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", decode(t, w)["run_id"])

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/v1/runs/zzz", "").Code)

	hist.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, r, http.MethodGet, "/api/v1/runs", "").Code)

	noHistory := newTestRouter(Deps{Runner: &fakeRunner{}})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, noHistory, http.MethodGet, "/api/v1/runs", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(Deps{Runner: &fakeRunner{}, Version: "1.2.3"})

	body := decode(t, do(t, r, http.MethodGet, "/health", ""))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	w := do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "appforge_")

	w = do(t, r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["error_code"])
}

// stubGateway answers by purpose prefix.
type stubGateway struct{}

func (stubGateway) Call(_ context.Context, _ string, _ []ai.Message, purpose string, _ ai.Options) (string, error) {
	switch {
	case purpose == "Initial Generation":
		return "```html\n<h1>Todo</h1>\n```\n```css\nh1{}\n```\n```javascript\n// init\n```", nil
	case purpose == "Enhancement Planning":
		return "1. Add a footer", nil
	case strings.HasPrefix(purpose, "Enhancement Step"):
		return "```javascript\n// footer\n```", nil
	default:
		return "ok", nil
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := workflow.DefaultConfig()
	cfg.DiscussionEnabled = false
	cfg.QualityPassEnabled = false
	orch := workflow.New(stubGateway{}, workflow.WithConfig(cfg), workflow.WithStore(st))
	t.Cleanup(orch.Close)

	r := newTestRouter(Deps{Runner: orch, History: st})

	w := do(t, r, http.MethodPost, "/api/v1/generate", `{"prompt":"a todo app","model":"openai"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		runs := decode(t, do(t, r, http.MethodGet, "/api/v1/runs", ""))
		state := decode(t, do(t, r, http.MethodGet, "/api/v1/state", ""))
		return runs["count"] == float64(1) && state["busy"] == false
	}, 5*time.Second, 10*time.Millisecond)

	var prog workflow.Program
	require.NoError(t, json.Unmarshal(do(t, r, http.MethodGet, "/api/v1/program", "").Body.Bytes(), &prog))
	assert.Equal(t, "<h1>Todo</h1>", prog.HTML)
	assert.Equal(t, "// footer", prog.JS)

	state := decode(t, do(t, r, http.MethodGet, "/api/v1/state", ""))
	assert.Equal(t, false, state["retry_available"])

	w = do(t, r, http.MethodPost, "/api/v1/regenerate", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NO_RETRY", decode(t, w)["error_code"])
}

func TestGenerateRejectedWhenSnapshotBroken(t *testing.T) {
	cat := catalog.New("", catalog.WithSnapshot([]byte(`{"models":`)))
	_, err := cat.Refresh(context.Background(), true)
	require.Error(t, err)

	orch := workflow.New(stubGateway{}, workflow.WithModels(cat))
	t.Cleanup(orch.Close)
	r := newTestRouter(Deps{Runner: orch})

	for _, tc := range []struct {
		path string
		body string
	}{
		{"/api/v1/generate", `{"prompt":"a todo app","model":"qwen-coder"}`},
		{"/api/v1/generate", `{"prompt":"a todo app"}`},
		{"/api/v1/check", ""},
		{"/api/v1/regenerate", ""},
	} {
		w := do(t, r, http.MethodPost, tc.path, tc.body)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
		assert.Equal(t, "NO_MODEL", decode(t, w)["error_code"], tc.path)
	}
	assert.True(t, orch.Program().IsEmpty())
}
