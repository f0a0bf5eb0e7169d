// Package openai adapts an OpenAI-compatible cloud chat API to the backend contract.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/turnerr"
)

type Config struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

type Backend struct {
	client openai.Client
	model  string
	apiKey string
	logger *backend.RequestLogger

	mu     sync.Mutex
	loaded bool
	window int
	used   int
	cancel context.CancelFunc
}

func New(cfg Config, logger *backend.RequestLogger) *Backend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Backend{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		logger: logger,
	}
}

func (b *Backend) Name() string {
	return "openai"
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

// Load has nothing to allocate remotely; it only checks that credentials are configured.
func (b *Backend) Load(ctx context.Context, model string, cfg backend.LoadConfig) error {
	if b.apiKey == "" {
		return turnerr.New(turnerr.KindAuth, "no API key configured for the remote backend")
	}

	if model != "" {
		b.model = model
	}

	b.mu.Lock()
	b.loaded = true
	b.window = cfg.WindowSize
	b.mu.Unlock()

	return nil
}

func (b *Backend) Unload(ctx context.Context) error {
	b.Stop()

	b.mu.Lock()
	b.loaded = false
	b.used = 0
	b.mu.Unlock()

	return nil
}

// ResetContext forgets usage; the API holds no state between requests.
func (b *Backend) ResetContext(ctx context.Context) error {
	b.mu.Lock()
	b.used = 0
	b.mu.Unlock()
	return nil
}

func (b *Backend) Generate(ctx context.Context, messages []core.Message, maxTokens int, sampling core.SamplingConfig) (<-chan backend.Chunk, error) {
	requestID := core.NewRequestID()
	params := b.params(messages, maxTokens, sampling)

	reqCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.cancel = cancel
	window := b.window
	b.mu.Unlock()

	b.logger.LogRequest(requestID, b.Name(), messages, maxTokens, sampling)

	out := make(chan backend.Chunk, 16)

	go func() {
		defer close(out)
		defer cancel()

		start := time.Now()
		var content strings.Builder
		var usage *core.ContextInfo

		stream := b.client.Chat.Completions.NewStreaming(reqCtx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()

			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				content.WriteString(choice.Delta.Content)
				if !backend.Send(reqCtx, out, backend.Chunk{Content: choice.Delta.Content}) {
					return
				}
			}

			if chunk.Usage.TotalTokens > 0 {
				usage = &core.ContextInfo{UsedTokens: int(chunk.Usage.TotalTokens), WindowSize: window}
			}
		}

		if err := stream.Err(); err != nil {
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

func (b *Backend) params(messages []core.Message, maxTokens int, sampling core.SamplingConfig) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))
		case core.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(msg.Content))
		default:
			converted = append(converted, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: converted,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if sampling.Temperature != nil {
		params.Temperature = openai.Float(*sampling.Temperature)
	}
	if sampling.TopP != nil {
		params.TopP = openai.Float(*sampling.TopP)
	}

	return params
}

func classifyError(err error) *turnerr.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		classified := turnerr.Classify(errors.New(apiErr.Message))
		if kind := turnerr.KindForStatus(apiErr.StatusCode); kind != turnerr.KindUnknown {
			classified.Kind = kind
		}
		if classified.Kind == turnerr.KindUnknown && apiErr.Code == "context_length_exceeded" {
			classified.Kind = turnerr.KindDecodeFailure
		}
		classified.StatusCode = apiErr.StatusCode
		classified.Err = err
		return classified
	}

	return turnerr.Classify(err)
}
