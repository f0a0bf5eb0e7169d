package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/turnerr"
)

func streamingServer(t *testing.T, seen chan<- map[string]any) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen <- body

		w.Header().Set("Content-Type", "text/event-stream")
		for _, token := range []string{"Good", " day"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", token)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[],\"usage\":{\"prompt_tokens\":20,\"completion_tokens\":2,\"total_tokens\":22}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	return server
}

func TestLoadRequiresAPIKey(t *testing.T) {
	b := New(Config{Model: "gpt-4o-mini"}, nil)

	err := b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 8192})
	require.Error(t, err)
	assert.Equal(t, turnerr.KindAuth, turnerr.KindOf(err))
	assert.False(t, b.Loaded())
}

func TestGenerateStreamsWithUsage(t *testing.T) {
	requests := make(chan map[string]any, 1)
	server := streamingServer(t, requests)

	b := New(Config{BaseURL: server.URL, Model: "gpt-4o-mini", APIKey: "sk-test"}, nil)
	require.NoError(t, b.Load(context.Background(), "", backend.LoadConfig{WindowSize: 8192}))

	ch, err := b.Generate(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "be brief"},
		{Role: core.RoleUser, Content: "hello"},
	}, 64, core.SamplingConfig{})
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

	assert.Equal(t, "Good day", text.String())
	require.NotNil(t, usage)
	assert.Equal(t, core.ContextInfo{UsedTokens: 22, WindowSize: 8192}, *usage)

	seen := <-requests
	assert.Equal(t, true, seen["stream"])
	assert.Equal(t, "gpt-4o-mini", seen["model"])
	assert.EqualValues(t, 64, seen["max_completion_tokens"])
}

func TestGenerateClassifiesUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	t.Cleanup(server.Close)

	b := New(Config{BaseURL: server.URL, Model: "gpt-4o-mini", APIKey: "sk-bad"}, nil)

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
	assert.Equal(t, http.StatusUnauthorized, got.(*turnerr.Error).StatusCode)
}
