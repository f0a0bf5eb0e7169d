// Package llama drives a local llama-server process over its OpenAI-compatible HTTP API.
package llama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/turnerr"
)

type Config struct {
	Endpoint     string
	BinPath      string
	ModelPath    string
	AutoStart    bool
	GPULayers    int
	StartupWait  time.Duration
	HTTPTimeout  time.Duration
	InheritStdio bool
}

type Backend struct {
	cfg    Config
	client *http.Client
	logger *backend.RequestLogger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started time.Time
	loaded  bool
	window  int
	used    int
	cancel  context.CancelFunc
}

func New(cfg Config, logger *backend.RequestLogger) *Backend {
	timeout := cfg.HTTPTimeout

	if timeout == 0 {
		timeout = 300 * time.Second
	}

	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type Status struct {
	Endpoint  string
	AutoStart bool
	Healthy   bool
	Running   bool
	PID       int
	StartedAt time.Time
}

func (b *Backend) Status(ctx context.Context) Status {
	b.mu.Lock()
	processID := 0

	if b.cmd != nil && b.cmd.Process != nil {
		processID = b.cmd.Process.Pid
	}

	started := b.started
	b.mu.Unlock()

	return Status{
		Endpoint:  b.cfg.Endpoint,
		AutoStart: b.cfg.AutoStart,
		Healthy:   b.isHealthy(ctx),
		Running:   processID != 0,
		PID:       processID,
		StartedAt: started,
	}
}

func (b *Backend) Name() string {
	return "llama"
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

// Stop cancels the in-flight request; llama-server abandons the slot when the connection drops.
func (b *Backend) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Load makes sure a server is answering. An already healthy server is adopted as is;
// otherwise one is spawned when auto start is enabled.
func (b *Backend) Load(ctx context.Context, model string, cfg backend.LoadConfig) error {
	b.mu.Lock()
	b.window = cfg.WindowSize
	if cfg.GPULayers > 0 {
		b.cfg.GPULayers = cfg.GPULayers
	}
	b.mu.Unlock()

	if b.isHealthy(ctx) {
		b.setLoaded(true)
		return nil
	}

	if !b.cfg.AutoStart {
		return turnerr.New(turnerr.KindBackendNotReady, "llama-server not reachable at "+b.cfg.Endpoint+" and auto_start is disabled")
	}

	if model == "" {
		model = b.cfg.ModelPath
	}

	if _, err := os.Stat(model); err != nil {
		return turnerr.Wrap(turnerr.KindBackendNotReady, err, "model file unavailable")
	}

	b.stopProcess()

	if err := b.spawnProcess(model, cfg.WindowSize); err != nil {
		return turnerr.Wrap(turnerr.KindBackendNotReady, err, "start llama-server")
	}

	if err := b.waitReady(ctx); err != nil {
		b.stopProcess()
		return turnerr.Wrap(turnerr.KindBackendNotReady, err, "llama-server did not become ready")
	}

	b.setLoaded(true)
	slog.Info("llama-server started", "endpoint", b.cfg.Endpoint, "model", model, "ctx_size", cfg.WindowSize)
	return nil
}

// Unload kills a server this backend spawned. An adopted external server is only marked unloaded.
func (b *Backend) Unload(ctx context.Context) error {
	b.Stop()

	if !b.stopProcess() {
		slog.Debug("llama-server not owned by parley, marking unloaded only", "endpoint", b.cfg.Endpoint)
	}

	b.mu.Lock()
	b.loaded = false
	b.used = 0
	b.mu.Unlock()

	return nil
}

// ResetContext erases the server's slot so no cached prompt survives.
func (b *Backend) ResetContext(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"/slots/0?action=erase", nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return turnerr.Classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		slog.Debug("llama-server slot erase unsupported", "status", resp.StatusCode)
	default:
		body, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, resp.Status, body)
	}

	b.mu.Lock()
	b.used = 0
	b.mu.Unlock()

	return nil
}

// Generate returns immediately; connection and HTTP failures arrive as the first chunk's Err.
func (b *Backend) Generate(ctx context.Context, messages []core.Message, maxTokens int, sampling core.SamplingConfig) (<-chan backend.Chunk, error) {
	messages = backend.NormalizeMessages(messages)
	if err := backend.ValidateRoles(messages); err != nil {
		return nil, turnerr.Wrap(turnerr.KindUnknown, err, "history cannot be sent")
	}

	requestID := core.NewRequestID()
	payload := chatPayload(messages, maxTokens, sampling)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.cfg.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.logger.LogRequest(requestID, b.Name(), messages, maxTokens, sampling)

	out := make(chan backend.Chunk, 16)
	go b.stream(reqCtx, cancel, req, requestID, messages, out)

	return out, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Timings *struct {
		PromptN    int `json:"prompt_n"`
		PredictedN int `json:"predicted_n"`
	} `json:"timings"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *Backend) stream(ctx context.Context, cancel context.CancelFunc, req *http.Request, requestID core.RequestID, messages []core.Message, out chan<- backend.Chunk) {
	defer close(out)
	defer cancel()

	start := time.Now()

	fail := func(statusCode int, err error) {
		if ctx.Err() != nil {
			return
		}
		b.logger.LogError(requestID, b.Name(), statusCode, err, messages)
		backend.Send(ctx, out, backend.Chunk{Err: err})
	}

	resp, err := b.client.Do(req)
	if err != nil {
		fail(0, turnerr.Classify(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		fail(resp.StatusCode, statusError(resp.StatusCode, resp.Status, body))
		return
	}

	var content strings.Builder
	var usage *core.ContextInfo

	scanner := backend.NewSSEScanner(resp.Body)

	for scanner.Next() {
		data := scanner.Event().Data
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			fail(0, turnerr.Wrap(turnerr.KindUnknown, err, "malformed stream chunk"))
			return
		}

		if chunk.Error != nil {
			fail(chunk.Error.Code, statusError(chunk.Error.Code, strconv.Itoa(chunk.Error.Code), []byte(chunk.Error.Message)))
			return
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if !backend.Send(ctx, out, backend.Chunk{Content: choice.Delta.Content}) {
				return
			}
		}

		if info, ok := b.usageFrom(chunk); ok {
			usage = &info
		}
	}

	if err := scanner.Err(); err != nil {
		fail(0, turnerr.Classify(err))
		return
	}

	if usage != nil {
		b.mu.Lock()
		b.used = usage.UsedTokens
		b.mu.Unlock()

		if !backend.Send(ctx, out, backend.Chunk{Usage: usage}) {
			return
		}
	}

	b.logger.LogResponse(requestID, b.Name(), content.String(), usage, time.Since(start))
}

func (b *Backend) usageFrom(chunk streamChunk) (core.ContextInfo, bool) {
	b.mu.Lock()
	window := b.window
	b.mu.Unlock()

	switch {
	case chunk.Usage != nil:
		return core.ContextInfo{UsedTokens: chunk.Usage.PromptTokens + chunk.Usage.CompletionTokens, WindowSize: window}, true
	case chunk.Timings != nil:
		return core.ContextInfo{UsedTokens: chunk.Timings.PromptN + chunk.Timings.PredictedN, WindowSize: window}, true
	default:
		return core.ContextInfo{}, false
	}
}

func chatPayload(messages []core.Message, maxTokens int, sampling core.SamplingConfig) map[string]any {
	msgJSON := make([]map[string]any, 0, len(messages))

	for _, message := range messages {
		msgJSON = append(msgJSON, map[string]any{"role": string(message.Role), "content": message.Content})
	}

	payload := map[string]any{
		"model":          "default",
		"messages":       msgJSON,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
		"cache_prompt":   true,
	}

	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	if sampling.Temperature != nil {
		payload["temperature"] = *sampling.Temperature
	}
	if sampling.TopP != nil {
		payload["top_p"] = *sampling.TopP
	}
	if sampling.TopK != nil {
		payload["top_k"] = *sampling.TopK
	}
	if sampling.RepeatPenalty != nil {
		payload["repeat_penalty"] = *sampling.RepeatPenalty
	}

	return payload
}

func statusError(statusCode int, status string, body []byte) error {
	message := status
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		message = status + ": " + trimmed
	}

	classified := turnerr.Classify(errors.New(message))
	if classified.Kind == turnerr.KindUnknown {
		classified.Kind = turnerr.KindForStatus(statusCode)
	}
	classified.StatusCode = statusCode

	return classified
}

func (b *Backend) setLoaded(loaded bool) {
	b.mu.Lock()
	b.loaded = loaded
	b.mu.Unlock()
}

func (b *Backend) isHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (b *Backend) spawnProcess(model string, windowSize int) error {
	parsed, err := url.Parse(b.cfg.Endpoint)
	if err != nil {
		return err
	}

	host := parsed.Hostname()

	if host == "" {
		host = "127.0.0.1"
	}

	port := parsed.Port()

	if port == "" {
		port = "8080"
	}

	bin := b.cfg.BinPath

	if bin == "" {
		bin = "llama-server"
	}

	args := []string{
		"--host", host,
		"--port", port,
		"--model", model,
		"--ctx-size", strconv.Itoa(windowSize),
		"--n-gpu-layers", strconv.Itoa(b.cfg.GPULayers),
		"--parallel", "1",
	}

	cmd := exec.Command(bin, args...)
	if b.cfg.InheritStdio {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	b.mu.Lock()
	b.cmd = cmd
	b.started = time.Now()
	b.mu.Unlock()

	return nil
}

// stopProcess reports whether there was an owned process to kill.
func (b *Backend) stopProcess() bool {
	b.mu.Lock()
	cmd := b.cmd
	b.cmd = nil
	b.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}

	_ = cmd.Process.Kill()
	go func() { _ = cmd.Wait() }()

	return true
}

func (b *Backend) waitReady(ctx context.Context) error {
	wait := b.cfg.StartupWait

	if wait == 0 {
		wait = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.isHealthy(ctx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
