// Package ollama adapts a local Ollama runtime to the backend contract.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/turnerr"
)

// keepLoaded holds the model in memory until parley unloads it explicitly.
const keepLoaded = -1 * time.Second

type Backend struct {
	client *api.Client
	model  string
	logger *backend.RequestLogger

	mu     sync.Mutex
	loaded bool
	window int
	used   int
	cancel context.CancelFunc
}

func New(host, model string, httpClient *http.Client, logger *backend.RequestLogger) (*Backend, error) {
	parsedURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Backend{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
		logger: logger,
	}, nil
}

func (b *Backend) Name() string {
	return "ollama"
}

func (b *Backend) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

func (b *Backend) ContextInfo() core.ContextInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return core.ContextInfo{UsedTokens: b.used, WindowSize: b.window}
}

func (b *Backend) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Load asks Ollama to bring the model into memory with an empty generate request.
func (b *Backend) Load(ctx context.Context, model string, cfg backend.LoadConfig) error {
	if model != "" {
		b.model = model
	}

	req := &api.GenerateRequest{
		Model:     b.model,
		KeepAlive: &api.Duration{Duration: keepLoaded},
		Options:   map[string]any{"num_ctx": cfg.WindowSize},
	}

	if err := b.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		classified := classifyError(err)
		if classified.Kind == turnerr.KindNetwork || classified.Kind == turnerr.KindUnknown {
			classified.Kind = turnerr.KindBackendNotReady
		}
		return classified
	}

	b.mu.Lock()
	b.loaded = true
	b.window = cfg.WindowSize
	b.mu.Unlock()

	return nil
}

// Unload evicts the model by sending a zero keep-alive.
func (b *Backend) Unload(ctx context.Context) error {
	b.Stop()

	req := &api.GenerateRequest{
		Model:     b.model,
		KeepAlive: &api.Duration{Duration: 0},
	}

	err := b.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil })

	b.mu.Lock()
	b.loaded = false
	b.used = 0
	b.mu.Unlock()

	if err != nil {
		return classifyError(err)
	}

	return nil
}

// ResetContext only forgets usage; Ollama re-evaluates the full prompt on every chat request.
func (b *Backend) ResetContext(ctx context.Context) error {
	b.mu.Lock()
	b.used = 0
	b.mu.Unlock()
	return nil
}

func (b *Backend) Generate(ctx context.Context, messages []core.Message, maxTokens int, sampling core.SamplingConfig) (<-chan backend.Chunk, error) {
	messages = backend.NormalizeMessages(messages)
	if err := backend.ValidateRoles(messages); err != nil {
		return nil, turnerr.Wrap(turnerr.KindUnknown, err, "history cannot be sent")
	}

	requestID := core.NewRequestID()

	b.mu.Lock()
	window := b.window
	b.mu.Unlock()

	stream := true
	req := &api.ChatRequest{
		Model:     b.model,
		Messages:  convertMessages(messages),
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: keepLoaded},
		Options:   options(window, maxTokens, sampling),
	}

	reqCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.logger.LogRequest(requestID, b.Name(), messages, maxTokens, sampling)

	out := make(chan backend.Chunk, 16)

	go func() {
		defer close(out)
		defer cancel()

		start := time.Now()
		var content strings.Builder
		var usage *core.ContextInfo

		err := b.client.Chat(reqCtx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				content.WriteString(resp.Message.Content)
				if !backend.Send(reqCtx, out, backend.Chunk{Content: resp.Message.Content}) {
					return reqCtx.Err()
				}
			}

			if resp.Done {
				usage = &core.ContextInfo{
					UsedTokens: resp.PromptEvalCount + resp.EvalCount,
					WindowSize: window,
				}
			}

			return nil
		})

		if err != nil {
			if reqCtx.Err() != nil {
				return
			}
			classified := classifyError(err)
			b.logger.LogError(requestID, b.Name(), classified.StatusCode, classified, messages)
			backend.Send(reqCtx, out, backend.Chunk{Err: classified})
			return
		}

		if usage != nil {
			b.mu.Lock()
			b.used = usage.UsedTokens
			b.mu.Unlock()

			if !backend.Send(reqCtx, out, backend.Chunk{Usage: usage}) {
				return
			}
		}

		b.logger.LogResponse(requestID, b.Name(), content.String(), usage, time.Since(start))
	}()

	return out, nil
}

func convertMessages(messages []core.Message) []api.Message {
	result := make([]api.Message, 0, len(messages))

	for _, msg := range messages {
		result = append(result, api.Message{Role: string(msg.Role), Content: msg.Content})
	}

	return result
}

func options(window, maxTokens int, sampling core.SamplingConfig) map[string]any {
	opts := map[string]any{}

	if window > 0 {
		opts["num_ctx"] = window
	}
	if maxTokens > 0 {
		opts["num_predict"] = maxTokens
	}
	if sampling.Temperature != nil {
		opts["temperature"] = *sampling.Temperature
	}
	if sampling.TopP != nil {
		opts["top_p"] = *sampling.TopP
	}
	if sampling.TopK != nil {
		opts["top_k"] = *sampling.TopK
	}
	if sampling.RepeatPenalty != nil {
		opts["repeat_penalty"] = *sampling.RepeatPenalty
	}

	return opts
}

func classifyError(err error) *turnerr.Error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		message := statusErr.ErrorMessage
		if message == "" {
			message = statusErr.Status
		}

		classified := turnerr.Classify(errors.New(message))
		if classified.Kind == turnerr.KindUnknown {
			classified.Kind = turnerr.KindForStatus(statusErr.StatusCode)
		}
		classified.StatusCode = statusErr.StatusCode
		return classified
	}

	errStr := err.Error()
	if strings.Contains(errStr, "model") && strings.Contains(errStr, "not found") {
		return turnerr.Wrap(turnerr.KindBackendNotReady, err, "ollama model not found")
	}

	return turnerr.Classify(err)
}
