package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/erg0nix/parley/internal/app"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the parley daemon; it unloads its backends on the way out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			pid, err := app.Terminate(app.PIDFile(a.Settings.Settings().DataDir))
			if err != nil {
				fmt.Fprintln(out, styledError("parley server: "+err.Error()))
				return err
			}

			if pid == 0 {
				fmt.Fprintln(out, styleDim.Render("parley server not running"))
				return nil
			}

			fmt.Fprintln(out, styleSuccess.Render("stopping parley server")+" "+stylePID.Render(fmt.Sprintf("pid %d", pid)))
			return nil
		},
	}
}
