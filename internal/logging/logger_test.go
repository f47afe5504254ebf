package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appforge.log")
	l, err := New(Options{Level: "info", File: path, MaxSizeMB: 1, Production: true})
	require.NoError(t, err)

	l.Info("run finished", zap.String("run_id", "abc"))
	l.Debug("hidden")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"abc"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestGlobalLogger(t *testing.T) {
	require.NotNil(t, L())
	require.NotNil(t, S())
	require.NoError(t, Configure(Options{Level: "warn"}))
	assert.False(t, L().Core().Enabled(zap.InfoLevel))
	assert.True(t, WithContext(zap.String("k", "v")).Core().Enabled(zap.WarnLevel))
}
