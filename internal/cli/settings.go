package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/erg0nix/parley/internal/config"
)

// setters maps a dotted settings key to the typed store call that persists it.
var setters = map[string]func(store config.Store, value string) error{
	"context.window_size": func(store config.Store, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("window_size: %w", err)
		}
		return store.SetWindowSize(n)
	},
	"retention.max_messages": func(store config.Store, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_messages: %w", err)
		}
		r := store.Retention()
		r.MaxMessages = n
		return store.SetRetention(r)
	},
	"retention.evict_keep": func(store config.Store, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("evict_keep: %w", err)
		}
		r := store.Retention()
		r.EvictKeep = n
		return store.SetRetention(r)
	},
	"inactivity.timeout_seconds": func(store config.Store, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("timeout_seconds: %w", err)
		}
		return store.SetInactivityTimeout(time.Duration(n) * time.Second)
	},
	"inactivity.enabled": func(store config.Store, value string) error {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		return store.SetInactivityEnabled(enabled)
	},
	"backend.mode": func(store config.Store, value string) error {
		return store.SetMode(config.Mode(value))
	},
}

func settingKeys() []string {
	keys := make([]string, 0, len(setters))
	for key := range setters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func applySetting(store config.Store, key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(settingKeys(), ", "))
	}
	return set(store, strings.TrimSpace(value))
}

// renderSettings returns the effective settings as TOML with secrets masked.
func renderSettings(cfg config.Config) (string, error) {
	if cfg.Backend.OpenAI.APIKey != "" {
		cfg.Backend.OpenAI.APIKey = "********"
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render settings: %w", err)
	}
	return string(data), nil
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			out, err := renderSettings(a.Settings.Settings())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("# "+a.Settings.Path()))
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Validate and persist one setting",
		Args:      cobra.ExactArgs(2),
		ValidArgs: settingKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			if err := applySetting(a.Settings, args[0], args[1]); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("saved")+" "+styleDim.Render(args[0]+" = "+args[1]))
			return nil
		},
	})

	return cmd
}
