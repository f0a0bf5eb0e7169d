package llama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/turnerr"
)

type fakeServer struct {
	erased   atomic.Int32
	lastBody atomic.Value
	status   int
	body     string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /slots/0", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "erase" {
			f.erased.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.lastBody.Store(payload)

		if f.status != 0 {
			http.Error(w, f.body, f.status)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, token := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", token)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":40,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	return mux
}

func newTestBackend(t *testing.T, f *fakeServer) *Backend {
	t.Helper()

	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	return New(Config{Endpoint: server.URL}, nil)
}

func collect(t *testing.T, ch <-chan backend.Chunk) (string, *core.ContextInfo, error) {
	t.Helper()

	var text strings.Builder
	var usage *core.ContextInfo

	for chunk := range ch {
		if chunk.Err != nil {
			return text.String(), usage, chunk.Err
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		text.WriteString(chunk.Content)
	}

	return text.String(), usage, nil
}

func TestLoadAdoptsHealthyServer(t *testing.T) {
	b := newTestBackend(t, &fakeServer{})

	require.NoError(t, b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 2048}))
	assert.True(t, b.Loaded())
	assert.Equal(t, 2048, b.ContextInfo().WindowSize)

	require.NoError(t, b.Unload(context.Background()))
	assert.False(t, b.Loaded())
}

func TestLoadUnreachableWithoutAutoStart(t *testing.T) {
	b := New(Config{Endpoint: "http://127.0.0.1:1"}, nil)

	err := b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 2048})
	require.Error(t, err)
	assert.True(t, turnerr.Is(err, turnerr.KindBackendNotReady))
	assert.False(t, b.Loaded())
}

func TestGenerateStreamsTokensAndUsage(t *testing.T) {
	f := &fakeServer{}
	b := newTestBackend(t, f)
	require.NoError(t, b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 2048}))

	temperature := 0.2
	messages := []core.Message{{Role: core.RoleSystem, Content: "sys"}, {Role: core.RoleUser, Content: "hi"}}

	ch, err := b.Generate(context.Background(), messages, 256, core.SamplingConfig{Temperature: &temperature})
	require.NoError(t, err)

	text, usage, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", text)
	require.NotNil(t, usage)
	assert.Equal(t, 43, usage.UsedTokens)
	assert.Equal(t, core.ContextInfo{UsedTokens: 43, WindowSize: 2048}, b.ContextInfo())

	payload := f.lastBody.Load().(map[string]any)
	assert.Equal(t, true, payload["stream"])
	assert.EqualValues(t, 256, payload["max_tokens"])
	assert.InDelta(t, 0.2, payload["temperature"], 1e-9)
	assert.Len(t, payload["messages"], 2)
}

func TestGenerateClassifiesDecodeFailure(t *testing.T) {
	b := newTestBackend(t, &fakeServer{status: http.StatusInternalServerError, body: "llama_decode: failed to decode the batch, n_ctx too small"})

	ch, err := b.Generate(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}}, 0, core.SamplingConfig{})
	require.NoError(t, err)

	_, _, err = collect(t, ch)
	require.Error(t, err)
	assert.Equal(t, turnerr.KindDecodeFailure, turnerr.KindOf(err))
}

func TestGenerateClassifiesStatus(t *testing.T) {
	b := newTestBackend(t, &fakeServer{status: http.StatusServiceUnavailable, body: "loading model"})

	ch, err := b.Generate(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}}, 0, core.SamplingConfig{})
	require.NoError(t, err)

	_, _, err = collect(t, ch)
	require.Error(t, err)
	assert.Equal(t, turnerr.KindNetwork, turnerr.KindOf(err))
}

func TestResetContextErasesSlot(t *testing.T) {
	f := &fakeServer{}
	b := newTestBackend(t, f)

	require.NoError(t, b.ResetContext(context.Background()))
	assert.EqualValues(t, 1, f.erased.Load())
	assert.Equal(t, 0, b.ContextInfo().UsedTokens)
}

func TestStopEndsStreamWithoutError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	b := New(Config{Endpoint: server.URL}, nil)

	ch, err := b.Generate(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}}, 0, core.SamplingConfig{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "a", first.Content)

	b.Stop()

	for chunk := range ch {
		assert.NoError(t, chunk.Err)
	}
}

func TestChatPayloadOmitsUnsetSampling(t *testing.T) {
	payload := chatPayload([]core.Message{{Role: core.RoleUser, Content: "x"}}, 0, core.SamplingConfig{})

	_, hasTemp := payload["temperature"]
	_, hasMax := payload["max_tokens"]
	assert.False(t, hasTemp)
	assert.False(t, hasMax)
}

func TestGenerateNormalizesTruncatedHistory(t *testing.T) {
	f := &fakeServer{}
	b := newTestBackend(t, f)
	require.NoError(t, b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 2048}))

	messages := []core.Message{
		{Role: core.RoleSystem, Content: "sys"},
		{Role: core.RoleAssistant, Content: "orphaned reply"},
		{Role: core.RoleUser, Content: "hi"},
	}

	ch, err := b.Generate(context.Background(), messages, 64, core.SamplingConfig{})
	require.NoError(t, err)
	_, _, err = collect(t, ch)
	require.NoError(t, err)

	payload := f.lastBody.Load().(map[string]any)
	assert.Len(t, payload["messages"], 2)
	assert.Len(t, messages, 3)
}

func TestGenerateRejectsHistoryEndingWithAssistant(t *testing.T) {
	b := New(Config{Endpoint: "http://127.0.0.1:1"}, nil)

	_, err := b.Generate(context.Background(), []core.Message{
		{Role: core.RoleUser, Content: "hi"},
		{Role: core.RoleAssistant, Content: "hello"},
	}, 0, core.SamplingConfig{})
	require.Error(t, err)

	var roleErr *backend.RoleError
	assert.ErrorAs(t, err, &roleErr)
}
