package cli

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/erg0nix/parley/internal/app"
	"github.com/erg0nix/parley/internal/config"
)

const probeTimeout = 2 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"ps"},
		Short:   "Show the daemon and backend processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			cfg := a.Settings.Settings()
			t := newTable("NAME", "STATUS", "PID", "ENDPOINT", "BACKEND")

			addServerRow(cmd.Context(), t, cfg)
			if cfg.Backend.Mode == config.ModeLocal && cfg.Backend.Local == config.LocalLlama {
				addLlamaRow(t, cfg.Backend.Llama.Endpoint)
			}

			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func addServerRow(ctx context.Context, t *table.Table, cfg config.Config) {
	pid := app.ReadPID(app.PIDFile(cfg.DataDir))
	if pid == 0 {
		t.Row("parley", styleError.Render("stopped"), "-", cfg.Serve.HTTPAddr, "-")
		return
	}

	t.Row("parley",
		styleSuccess.Render("running"),
		fmt.Sprintf("%d", pid),
		cfg.Serve.HTTPAddr,
		backendResidency(ctx, cfg.Serve.GRPCAddr))
}

// backendResidency asks the daemon's health service whether its backend is loaded.
func backendResidency(ctx context.Context, grpcAddr string) string {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "-"
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: app.HealthService})
	if err != nil {
		return styleWarning.Render("unknown")
	}

	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return styleSuccess.Render("loaded")
	}
	return styleDim.Render("unloaded")
}

func addLlamaRow(t *table.Table, endpoint string) {
	hostPort := endpoint
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		hostPort = parsed.Host
	}

	pid := app.FindProcessPID("llama-server")
	if pid == 0 {
		t.Row("llama-server", styleError.Render("stopped"), "-", hostPort, "-")
		return
	}

	status := styleSuccess.Render("running")

	conn, err := net.DialTimeout("tcp", hostPort, probeTimeout)
	if err != nil {
		status = styleWarning.Render("starting")
	} else {
		conn.Close()
	}

	t.Row("llama-server", status, fmt.Sprintf("%d", pid), hostPort, "-")
}
