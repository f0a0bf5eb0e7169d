package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/turnerr"
)

type recorder struct {
	mu        sync.Mutex
	keepAlive []any
	chat      map[string]any
}

func newServer(t *testing.T, rec *recorder, chatStatus int) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		rec.mu.Lock()
		rec.keepAlive = append(rec.keepAlive, body["keep_alive"])
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"m","done":true}`)
	})

	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		rec.mu.Lock()
		rec.chat = body
		rec.mu.Unlock()

		if chatStatus != 0 {
			w.WriteHeader(chatStatus)
			fmt.Fprintln(w, `{"error":"access forbidden"}`)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":30,"eval_count":2}`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLoadAndUnloadUseKeepAlive(t *testing.T) {
	rec := &recorder{}
	server := newServer(t, rec, 0)

	b, err := New(server.URL, "llama3.2", nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 4096}))
	assert.True(t, b.Loaded())
	assert.Equal(t, 4096, b.ContextInfo().WindowSize)

	require.NoError(t, b.Unload(context.Background()))
	assert.False(t, b.Loaded())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.keepAlive, 2)
	assert.NotEqual(t, rec.keepAlive[0], rec.keepAlive[1])
}

func TestGenerateStreamsAndReportsUsage(t *testing.T) {
	rec := &recorder{}
	server := newServer(t, rec, 0)

	b, err := New(server.URL, "llama3.2", nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 2048}))

	ch, err := b.Generate(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hello"}}, 100, core.SamplingConfig{})
	require.NoError(t, err)

	var text strings.Builder
	var usage *core.ContextInfo
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text.WriteString(chunk.Content)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hi there", text.String())
	require.NotNil(t, usage)
	assert.Equal(t, core.ContextInfo{UsedTokens: 32, WindowSize: 2048}, *usage)

	rec.mu.Lock()
	opts := rec.chat["options"].(map[string]any)
	rec.mu.Unlock()
	assert.EqualValues(t, 100, opts["num_predict"])
	assert.EqualValues(t, 2048, opts["num_ctx"])
}

func TestGenerateClassifiesAuthFailure(t *testing.T) {
	server := newServer(t, &recorder{}, http.StatusForbidden)

	b, err := New(server.URL, "llama3.2", nil, nil)
	require.NoError(t, err)

	ch, err := b.Generate(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hello"}}, 0, core.SamplingConfig{})
	require.NoError(t, err)

	var got error
	for chunk := range ch {
		if chunk.Err != nil {
			got = chunk.Err
		}
	}

	require.Error(t, got)
	assert.Equal(t, turnerr.KindAuth, turnerr.KindOf(got))
}
