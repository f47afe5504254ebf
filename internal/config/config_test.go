package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		ConfigEnvVar, "APPFORGE_API_ENDPOINT", "APPFORGE_MODELS_URL", "APPFORGE_MODELS_SNAPSHOT",
		"APPFORGE_REFERRER", "APPFORGE_TOKEN", "APPFORGE_TIMEOUT", "APPFORGE_MAX_RETRIES", "APPFORGE_RPS",
		"APPFORGE_PARALLELISM", "REDIS_URL", "DATABASE_URL", "PORT", "ENVIRONMENT", "LOG_LEVEL", "LOG_FILE",
		"CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://text.pollinations.ai/openai", cfg.API.Endpoint)
	assert.Equal(t, "https://text.pollinations.ai/models", cfg.API.ModelsURL)
	assert.Equal(t, 120*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3, cfg.API.MaxRetries)
	assert.Equal(t, 20, cfg.Cache.Capacity)
	assert.Equal(t, 15, cfg.Workflow.MaxPlanSteps)
	assert.Equal(t, 5, cfg.Workflow.DiscussionTurns)
	assert.True(t, cfg.Workflow.DiscussionEnabled)
	assert.True(t, cfg.Workflow.QualityPassEnabled)
	assert.Equal(t, 1, cfg.Workflow.Parallelism)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL_TOKEN", "secret")

	path := filepath.Join(t.TempDir(), "appforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
api:
  endpoint: http://localhost:9000/openai
  token: ${MODEL_TOKEN}
  timeout: 45s
  max_retries: 1
workflow:
  max_plan_steps: 8
  discussion_enabled: false
  quality_pass_enabled: true
  parallelism: 2
cache:
  capacity: 50
  ttl: 30m
`), 0o600))

	t.Setenv("APPFORGE_MAX_RETRIES", "5")
	t.Setenv("APPFORGE_TIMEOUT", "90")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/openai", cfg.API.Endpoint)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, 90*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5, cfg.API.MaxRetries)
	assert.Equal(t, 8, cfg.Workflow.MaxPlanSteps)
	assert.False(t, cfg.Workflow.DiscussionEnabled)
	assert.Equal(t, 2, cfg.Workflow.Parallelism)
	assert.Equal(t, 50, cfg.ResponseCache().Capacity)
	assert.Equal(t, 30*time.Minute, cfg.ResponseCache().TTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Log.Production)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o600))
	t.Setenv(ConfigEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("APPFORGE_MAX_RETRIES", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "APPFORGE_MAX_RETRIES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty endpoint", func(c *Config) { c.API.Endpoint = " " }, "api.endpoint"},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }, "api.timeout"},
		{"negative retries", func(c *Config) { c.API.MaxRetries = -1 }, "api.max_retries"},
		{"zero parallelism", func(c *Config) { c.Workflow.Parallelism = 0 }, "workflow.parallelism"},
		{"zero plan cap", func(c *Config) { c.Workflow.MaxPlanSteps = 0 }, "workflow.max_plan_steps"},
		{"negative turns", func(c *Config) { c.Workflow.DiscussionTurns = -2 }, "workflow.discussion_turns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
