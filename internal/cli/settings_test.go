package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/config"
)

func TestApplySetting(t *testing.T) {
	store := config.NewMemoryStore(config.Default())

	require.NoError(t, applySetting(store, "context.window_size", "4096"))
	require.NoError(t, applySetting(store, "retention.max_messages", "12"))
	require.NoError(t, applySetting(store, "retention.evict_keep", "6"))
	require.NoError(t, applySetting(store, "inactivity.timeout_seconds", " 90 "))
	require.NoError(t, applySetting(store, "inactivity.enabled", "false"))
	require.NoError(t, applySetting(store, "backend.mode", "remote"))

	assert.Equal(t, 4096, store.WindowSize())
	assert.Equal(t, config.RetentionConfig{MaxMessages: 12, EvictKeep: 6}, store.Retention())
	assert.Equal(t, 90*time.Second, store.InactivityTimeout())
	assert.False(t, store.InactivityEnabled())
	assert.Equal(t, config.ModeRemote, store.Mode())
}

func TestApplySetting_Rejects(t *testing.T) {
	store := config.NewMemoryStore(config.Default())

	assert.Error(t, applySetting(store, "context.window_size", "9000"))
	assert.Error(t, applySetting(store, "context.window_size", "lots"))
	assert.Error(t, applySetting(store, "inactivity.timeout_seconds", "3"))
	assert.Error(t, applySetting(store, "backend.mode", "hybrid"))

	err := applySetting(store, "colour", "blue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context.window_size")

	assert.Equal(t, config.Default().Context.WindowSize, store.WindowSize())
}

func TestRenderSettings_MasksAPIKey(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.OpenAI.APIKey = "sk-secret"

	out, err := renderSettings(cfg)
	require.NoError(t, err)

	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "window_size = 2048")
	assert.Equal(t, "sk-secret", cfg.Backend.OpenAI.APIKey)
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger("warn", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = newLogger("chatty", &buf)
	assert.Error(t, err)
}

func TestSettingsSetCommand_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "--log-level", "error", "settings", "set", "context.window_size", "1024"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.Contains(out.String(), "saved"))

	cfg, err := config.LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Context.WindowSize)
}
