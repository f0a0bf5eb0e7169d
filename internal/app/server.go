package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/erg0nix/parley/internal/config"
)

const (
	drainTimeout  = 5 * time.Second
	unloadTimeout = 30 * time.Second
)

// PIDFile returns the path of the serve daemon's PID file.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, "server.pid")
}

// RunServer serves the HTTP control surface and the gRPC health service until ctx
// is cancelled, then drains both listeners and unloads every loaded backend.
func RunServer(ctx context.Context, services *Services, serve config.ServeConfig) error {
	cfg := services.Settings.Settings()
	logger := services.Logger

	httpListener, err := net.Listen("tcp", serve.HTTPAddr)
	if err != nil {
		Shutdown(services)
		return fmt.Errorf("server: listen %s: %w", serve.HTTPAddr, err)
	}

	grpcListener, err := net.Listen("tcp", serve.GRPCAddr)
	if err != nil {
		httpListener.Close()
		Shutdown(services)
		return fmt.Errorf("server: listen %s: %w", serve.GRPCAddr, err)
	}

	pidFile := PIDFile(cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer os.Remove(pidFile)

	retention := func() (int, int) {
		r := services.Settings.Retention()
		return r.MaxMessages, r.EvictKeep
	}

	httpServer := &http.Server{
		Handler:           NewHandler(services.Orchestrator, retention, services.Registry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, services.Health)
	reflection.Register(grpcServer)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("http listening", "address", httpListener.Addr().String())
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		logger.Info("grpc listening", "address", grpcListener.Addr().String())
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		services.Orchestrator.CancelActiveTurn()
		services.Health.Shutdown()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http drain timeout, forcing shutdown", "error", err)
			httpServer.Close()
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			logger.Warn("grpc drain timeout, forcing shutdown")
			grpcServer.Stop()
		}

		return nil
	})

	err = group.Wait()
	Shutdown(services)
	return err
}

// Shutdown stops the orchestrator and unloads every backend that is still resident.
func Shutdown(services *Services) {
	services.Close()

	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()

	for _, b := range services.Router.All() {
		if !b.Loaded() {
			continue
		}
		if err := b.Unload(ctx); err != nil {
			services.Logger.Warn("failed to unload backend", "backend", b.Name(), "error", err)
			continue
		}
		services.Logger.Info("backend unloaded", "backend", b.Name())
	}
}
