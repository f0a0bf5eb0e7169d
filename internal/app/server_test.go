package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/config"
)

func newTestServices(t *testing.T) (*Services, string) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	services, err := NewServices(config.NewMemoryStore(cfg), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return services, cfg.DataDir
}

func TestRunServer_StopsOnCancel(t *testing.T) {
	services, dataDir := newTestServices(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- RunServer(ctx, services, config.ServeConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"})
	}()

	require.Eventually(t, func() bool {
		return ReadPID(PIDFile(dataDir)) == os.Getpid()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err := os.Stat(PIDFile(dataDir))
	assert.True(t, os.IsNotExist(err))

	_, err = services.Orchestrator.Snapshot()
	assert.Error(t, err, "orchestrator is closed on shutdown")
}

func TestRunServer_ListenError(t *testing.T) {
	services, _ := newTestServices(t)

	err := RunServer(context.Background(), services, config.ServeConfig{HTTPAddr: "256.0.0.1:bad", GRPCAddr: "127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestNewServices_SelectsLocalBackend(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Backend.Local = config.LocalOllama

	services, err := NewServices(config.NewMemoryStore(cfg), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(services.Close)

	b, err := services.Router.Route()
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())

	names := []string{}
	for _, candidate := range services.Router.All() {
		names = append(names, candidate.Name())
	}
	assert.Equal(t, []string{"ollama", "openai"}, names)
}
