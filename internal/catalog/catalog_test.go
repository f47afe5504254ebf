package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeCapabilities(t *testing.T) {
	tests := []struct {
		name  string
		in    Descriptor
		coder bool
		reas  bool
		score int
		ctx   int
	}{
		{"qwen coder", Descriptor{Name: "qwen-coder", Description: "Qwen 2.5 Coder"}, true, false, 100, 32768},
		{"reasoning flag", Descriptor{Name: "openai-reasoning", Reasoning: true}, false, true, 97, 4096},
		{"deepseek r1 floor", Descriptor{Name: "deepseek-r1-llama"}, false, true, 100, 16384},
		{"unknown default", Descriptor{Name: "tiny", MaxTokens: 2048}, false, false, 50, 2048},
		{"description fallback", Descriptor{Name: "unity", Description: "Built on Llama 3"}, false, false, 85, 4096},
		{"coding assistant desc", Descriptor{Name: "helper", Description: "A coding assistant"}, true, false, 58, 4096},
		{"logic in description", Descriptor{Name: "mistral", Description: "good at logic"}, false, true, 88, 16384},
		{"vision and base", Descriptor{Name: "openai", Vision: true, BaseModel: true}, false, false, 80, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Analyze(tt.in)
			assert.Equal(t, tt.coder, c.IsCoder, "isCoder")
			assert.Equal(t, tt.reas, c.HasReasoning, "hasReasoning")
			assert.Equal(t, tt.score, c.QualityScore, "score")
			assert.Equal(t, tt.ctx, c.ContextSize, "contextSize")
		})
	}
}

func TestLongestPrefixWins(t *testing.T) {
	// "openai-large" must not be scored as plain "openai".
	c := Analyze(Descriptor{Name: "openai-large"})
	assert.Equal(t, 88, c.QualityScore)
}

func registry() *Registry {
	return NewRegistry([]Descriptor{
		{Name: "openai"},
		{Name: "mistral"},
		{Name: "qwen-coder"},
		{Name: "llama"},
		{Name: "phi", Description: "code generation"},
	})
}

func TestSelectPreferenceOrder(t *testing.T) {
	r := NewRegistry([]Descriptor{{Name: "P2"}, {Name: "other"}})
	id, ok := r.Select(Any, []string{"P1", "P2", "P3"})
	require.True(t, ok)
	assert.Equal(t, "P2", id)
}

func TestSelectFallsBackToHighestScore(t *testing.T) {
	r := registry()

	id, ok := r.Select(Any, []string{"missing-a", "missing-b"})
	require.True(t, ok)
	assert.Equal(t, "qwen-coder", id)

	id, ok = r.Select(General, nil)
	require.True(t, ok)
	assert.Equal(t, "llama", id)

	id, ok = r.Select(Coder, []string{"openai"})
	require.True(t, ok, "preferred entry failing the filter is skipped")
	assert.Equal(t, "qwen-coder", id)
}

func TestSelectNothingQualifies(t *testing.T) {
	_, ok := registry().Select(Reasoning, PlanningPreference)
	assert.False(t, ok)

	var empty *Registry
	_, ok = empty.Select(Any, DefaultPreference)
	assert.False(t, ok)
}

func TestCategorize(t *testing.T) {
	cats := registry().Categorize()
	require.Len(t, cats.Coder, 2)
	assert.Equal(t, "qwen-coder", cats.Coder[0].ID)
	assert.Equal(t, "phi", cats.Coder[1].ID)
	assert.Empty(t, cats.Reasoning)

	var general []string
	for _, c := range cats.General {
		general = append(general, c.ID)
	}
	assert.Equal(t, []string{"llama", "mistral", "openai"}, general)
}

func TestParseSnapshot(t *testing.T) {
	models, err := ParseSnapshot([]byte(`[{"name":"openai","vision":true},{"name":"qwen-coder"}]`))
	require.NoError(t, err)
	assert.Len(t, models, 2)

	_, err = ParseSnapshot([]byte(`{not json`))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = ParseSnapshot([]byte(`[]`))
	require.ErrorAs(t, err, &cfgErr)
}

func TestRefreshWithBadSnapshotDoesNotFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`[{"name":"openai"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithSnapshot([]byte("garbage")))
	_, err := c.Refresh(context.Background(), true)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, int32(0), hits.Load())
	assert.Nil(t, c.Registry())
	require.ErrorAs(t, c.Err(), &cfgErr)
}

func TestRefreshFetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"openai"},{"name":"qwen-coder","description":"coder"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	reg, err := c.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	_, err = c.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRefreshFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Refresh(context.Background(), true)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.NoError(t, c.Err())
}

func TestRefreshClearsConfigurationError(t *testing.T) {
	var populated atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if populated.Load() {
			w.Write([]byte(`[{"name":"openai"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Refresh(context.Background(), true)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorAs(t, c.Err(), &cfgErr)

	populated.Store(true)
	_, err = c.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.NoError(t, c.Err())
}
