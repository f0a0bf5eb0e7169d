// Package cli implements the parley command line.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "parley",
		Short:         "Conversational client for local and remote language models",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (default ~/.parley/config.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default $PARLEY_LOG_LEVEL or info)")

	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSettingsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStopCmd())

	return rootCmd
}
