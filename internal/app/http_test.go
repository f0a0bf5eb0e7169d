package app

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/config"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/metrics"
	"github.com/erg0nix/parley/internal/router"
	"github.com/erg0nix/parley/internal/session"
)

type scriptedBackend struct {
	reply []string

	mu     sync.Mutex
	loaded bool
	window int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(context.Context, []core.Message, int, core.SamplingConfig) (<-chan backend.Chunk, error) {
	ch := make(chan backend.Chunk, len(b.reply))
	for _, token := range b.reply {
		ch <- backend.Chunk{Content: token}
	}
	close(ch)
	return ch, nil
}

func (b *scriptedBackend) Stop() {}

func (b *scriptedBackend) ContextInfo() core.ContextInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return core.ContextInfo{WindowSize: b.window}
}

func (b *scriptedBackend) ResetContext(context.Context) error { return nil }

func (b *scriptedBackend) Load(_ context.Context, _ string, cfg backend.LoadConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = true
	b.window = cfg.WindowSize
	return nil
}

func (b *scriptedBackend) Unload(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	return nil
}

func (b *scriptedBackend) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

type testServer struct {
	settings *config.MemoryStore
	orch     *session.Orchestrator
	registry *prometheus.Registry
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.SystemPrompt = "You are terse."
	settings := config.NewMemoryStore(cfg)
	registry := prometheus.NewRegistry()

	b := &scriptedBackend{reply: []string{"Hello", " there"}}
	orch := session.New(session.Options{
		Router:   router.New(b, nil, settings),
		Settings: settings,
		Metrics:  metrics.NewPrometheusRecorder(registry),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(orch.Close)

	retention := func() (int, int) {
		r := settings.Retention()
		return r.MaxMessages, r.EvictKeep
	}

	return &testServer{
		settings: settings,
		orch:     orch,
		registry: registry,
		handler:  NewHandler(orch, retention, registry, nil),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) waitForMessages(t *testing.T, n int) conversationResponse {
	t.Helper()

	var got conversationResponse
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/v1/conversation", "")
		if rec.Code != http.StatusOK {
			return false
		}
		got = conversationResponse{}
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			return false
		}
		return len(got.Messages) == n && got.State == "idle"
	}, 2*time.Second, 10*time.Millisecond)

	return got
}

func TestHandler_SendTurnCommitsReply(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/turns", `{"text":"hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	got := s.waitForMessages(t, 3)
	assert.Equal(t, core.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
	assert.Equal(t, "Hello there", got.Messages[2].Content)
}

func TestHandler_RejectsBadTurns(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/turns", `{"text":"  "}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/turns", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodGet, "/v1/turns", "").Code)
}

func TestHandler_ClearKeepsSystem(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodPost, "/v1/turns", `{"text":"hi"}`)
	s.waitForMessages(t, 3)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/clear", "").Code)
	got := s.waitForMessages(t, 1)
	assert.Equal(t, "You are terse.", got.Messages[0].Content)

	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/v1/cancel", "").Code)
}

func TestHandler_Settings(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/settings", `{"window_size":64}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 2048, s.settings.WindowSize())

	rec = s.do(t, http.MethodPost, "/v1/settings", `{"window_size":4096,"max_messages":10,"inactivity_timeout_seconds":120}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 4096, s.settings.WindowSize())
	assert.Equal(t, config.RetentionConfig{MaxMessages: 10, EvictKeep: 24}, s.settings.Retention())
	assert.Equal(t, 120*time.Second, s.settings.InactivityTimeout())

	rec = s.do(t, http.MethodPost, "/v1/settings", `{"system_prompt":"Be kind.","inactivity_enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.settings.InactivityEnabled())

	got := s.waitForMessages(t, 1)
	assert.Equal(t, "Be kind.", got.Messages[0].Content)
}

func TestHandler_EventsStream(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/events", nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	post, err := server.Client().Post(server.URL+"/v1/turns", "application/json", strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	post.Body.Close()

	seen := map[string]bool{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen[name] = true
		}
		if seen["turn_ended"] && seen["usage"] && seen["generating"] {
			break
		}
	}

	assert.True(t, seen["turn_started"])
	assert.True(t, seen["token"])
	assert.True(t, seen["turn_ended"])
}

func TestHandler_Metrics(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodPost, "/v1/turns", `{"text":"hi"}`)
	s.waitForMessages(t, 3)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "parley_turns_total")
}

func TestObserveLoad_DrivesHealth(t *testing.T) {
	services := &Services{Health: health.NewServer(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := services.Health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	services.observeLoad("llama", true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	services.observeLoad("llama", false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
