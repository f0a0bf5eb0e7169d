package cli

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erg0nix/parley/internal/app"
	"github.com/erg0nix/parley/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation daemon with an HTTP control surface and gRPC health",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}

	cmd.Flags().Bool("detach", false, "start the daemon in the background, logging to <data_dir>/server.log")
	cmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	cmd.Flags().String("grpc", "", "gRPC listen address (overrides config)")
	cmd.Flags().Bool("resume", false, "restore the previous conversation from the transcript")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	detach, _ := cmd.Flags().GetBool("detach")
	httpAddr, _ := cmd.Flags().GetString("http")
	grpcAddr, _ := cmd.Flags().GetString("grpc")
	resume, _ := cmd.Flags().GetBool("resume")

	cfg := a.Settings.Settings()
	out := cmd.OutOrStdout()

	if pid := app.ReadPID(app.PIDFile(cfg.DataDir)); pid != 0 {
		fmt.Fprintln(out, styleDim.Render(fmt.Sprintf("server already running (pid %d)", pid)))
		return nil
	}

	if detach {
		return startDetached(cmd, a, cfg)
	}

	serve := cfg.Serve
	if httpAddr != "" {
		serve.HTTPAddr = httpAddr
	}
	if grpcAddr != "" {
		serve.GRPCAddr = grpcAddr
	}

	services, err := app.NewServices(a.Settings, a.Logger)
	if err != nil {
		return err
	}

	if resume {
		if n, err := services.RestoreTranscript(cfg.Context.WindowSize); err != nil {
			a.Logger.Warn("failed to restore transcript", "error", err)
		} else {
			a.Logger.Info("conversation restored", "messages", n)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return app.RunServer(ctx, services, serve)
}

// startDetached re-executes the binary in the foreground mode with output sent to a log file.
func startDetached(cmd *cobra.Command, a *App, cfg config.Config) error {
	args := []string{"serve", "--config", a.ConfigPath}
	for _, name := range []string{"http", "grpc", "log-level"} {
		if value, _ := cmd.Flags().GetString(name); value != "" {
			args = append(args, "--"+name, value)
		}
	}
	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		args = append(args, "--resume")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("start server: create data dir: %w", err)
	}

	logFile := filepath.Join(cfg.DataDir, "server.log")
	logOut, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("start server: open log: %w", err)
	}
	defer logOut.Close()

	serverCmd := exec.Command(os.Args[0], args...)
	serverCmd.Stdout = logOut
	serverCmd.Stderr = logOut
	serverCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := serverCmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(),
		styleSuccess.Render("started server")+" "+
			stylePID.Render(fmt.Sprintf("pid %d", serverCmd.Process.Pid))+" "+
			styleDim.Render(logFile))
	return nil
}
