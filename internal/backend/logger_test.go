package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/core"
)

func TestNewRequestLogger_DisabledIsNil(t *testing.T) {
	logger := NewRequestLogger(t.TempDir(), false, false, nil)
	assert.Nil(t, logger)

	logger.LogRequest("req", "llama", nil, 0, core.SamplingConfig{})
	logger.LogError("req", "llama", 500, errors.New("boom"), nil)
}

func TestRequestLogger_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger := NewRequestLogger(dir, true, true, nil)
	require.NotNil(t, logger)

	msgs := []core.Message{{Role: core.RoleUser, Content: "hi"}}
	logger.LogRequest("req_1", "llama", msgs, 128, core.SamplingConfig{})
	logger.LogResponse("req_1", "llama", "hello", &core.ContextInfo{UsedTokens: 12, WindowSize: 2048}, time.Second)

	files, err := filepath.Glob(filepath.Join(dir, "backend_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"request"`)
	assert.Contains(t, string(data), `"type":"response"`)
	assert.Contains(t, string(data), `"used_tokens":12`)
}
