package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/erg0nix/parley/internal/config"
)

type App struct {
	Settings   *config.FileStore
	ConfigPath string
	Logger     *slog.Logger
}

func newApp(cmd *cobra.Command) (*App, error) {
	configPath, _ := cmd.Flags().GetString("config")
	levelName, _ := cmd.Flags().GetString("log-level")

	if configPath == "" {
		configPath = config.DefaultPath()
	}

	store, err := config.OpenFileStore(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(levelName, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &App{
		Settings:   store,
		ConfigPath: configPath,
		Logger:     logger,
	}, nil
}

// newLogger builds the text logger. An empty level falls back to PARLEY_LOG_LEVEL, then info.
func newLogger(levelName string, w io.Writer) (*slog.Logger, error) {
	if levelName == "" {
		levelName = os.Getenv("PARLEY_LOG_LEVEL")
	}
	if levelName == "" {
		levelName = "info"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(levelName))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func isInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
