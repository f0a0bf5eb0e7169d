// Package app wires the orchestrator to its backends and runs the serve daemon.
package app

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/backend/llama"
	"github.com/erg0nix/parley/internal/backend/ollama"
	"github.com/erg0nix/parley/internal/backend/openai"
	"github.com/erg0nix/parley/internal/budget"
	"github.com/erg0nix/parley/internal/config"
	"github.com/erg0nix/parley/internal/conversation"
	"github.com/erg0nix/parley/internal/metrics"
	"github.com/erg0nix/parley/internal/notify"
	"github.com/erg0nix/parley/internal/router"
	"github.com/erg0nix/parley/internal/session"
)

// HealthService is the gRPC health service name that tracks whether the active backend is loaded.
const HealthService = "parley.Backend"

// Services holds everything a front-end needs to drive one conversation.
type Services struct {
	Settings     config.Store
	Router       *router.Router
	Orchestrator *session.Orchestrator
	Transcript   *conversation.Transcript
	Registry     *prometheus.Registry
	Health       *health.Server
	Logger       *slog.Logger
}

// NewServices builds backends from the settings snapshot and starts the orchestrator.
func NewServices(settings config.Store, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := settings.Settings()

	requestLogger := backend.NewRequestLogger(
		cfg.Debug.LogDirectory,
		cfg.Debug.LogRequests,
		cfg.Debug.LogResponses,
		logger,
	)

	local, err := newLocalBackend(cfg, requestLogger)
	if err != nil {
		return nil, err
	}

	remote := openai.New(openai.Config{
		BaseURL: cfg.Backend.OpenAI.BaseURL,
		Model:   cfg.Backend.OpenAI.Model,
		APIKey:  cfg.Backend.OpenAI.ResolveAPIKey(),
	}, requestLogger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	services := &Services{
		Settings:   settings,
		Router:     router.New(local, remote, settings),
		Transcript: conversation.NewTranscript(filepath.Join(cfg.DataDir, "transcript.jsonl")),
		Registry:   registry,
		Health:     healthServer,
		Logger:     logger,
	}

	var transcript *conversation.Transcript
	if cfg.Session.Transcript {
		transcript = services.Transcript
	}

	services.Orchestrator = session.New(session.Options{
		Router:       services.Router,
		Settings:     settings,
		Sink:         notify.NewSink(),
		Estimator:    budget.NewEstimator(cfg.Context.Estimator),
		Transcript:   transcript,
		Metrics:      metrics.NewPrometheusRecorder(registry),
		Logger:       logger,
		LoadObserver: services.observeLoad,
	})

	return services, nil
}

func newLocalBackend(cfg config.Config, requestLogger *backend.RequestLogger) (backend.Backend, error) {
	switch cfg.Backend.Local {
	case config.LocalOllama:
		b, err := ollama.New(cfg.Backend.Ollama.Host, cfg.Backend.Ollama.Model, nil, requestLogger)
		if err != nil {
			return nil, fmt.Errorf("create ollama backend: %w", err)
		}
		return b, nil

	default:
		llamaCfg := cfg.Backend.Llama
		return llama.New(llama.Config{
			Endpoint:    llamaCfg.Endpoint,
			BinPath:     llamaCfg.BinPath,
			ModelPath:   llamaCfg.ModelPath,
			AutoStart:   llamaCfg.AutoStart,
			GPULayers:   llamaCfg.GPULayers,
			StartupWait: time.Duration(llamaCfg.StartupWaitSeconds) * time.Second,
			HTTPTimeout: time.Duration(llamaCfg.HTTPTimeoutSeconds) * time.Second,
		}, requestLogger), nil
	}
}

// observeLoad mirrors backend residency into the gRPC health service.
func (s *Services) observeLoad(backendName string, loaded bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if loaded {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.Health.SetServingStatus(HealthService, status)
	s.Logger.Info("backend residency changed", "backend", backendName, "loaded", loaded)
}

// RestoreTranscript replays the persisted transcript into the conversation, newest first
// within the given token budget.
func (s *Services) RestoreTranscript(tokenBudget int) (int, error) {
	messages, err := s.Transcript.LoadTail(tokenBudget)
	if err != nil {
		return 0, fmt.Errorf("restore transcript: %w", err)
	}

	if err := s.Orchestrator.Restore(messages); err != nil {
		return 0, fmt.Errorf("restore transcript: %w", err)
	}

	return len(messages), nil
}

// Close stops the orchestrator. Loaded backends are left to Shutdown.
func (s *Services) Close() {
	s.Orchestrator.Close()
	s.Orchestrator.Sink().Close()
	s.Health.Shutdown()
}
