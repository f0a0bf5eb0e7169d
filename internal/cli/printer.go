package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/notify"
)

// printer renders orchestrator notifications on a terminal.
type printer struct {
	out io.Writer
}

func (p printer) text(event notify.TextEvent) {
	switch event.Kind {
	case notify.TextToken:
		fmt.Fprint(p.out, event.Text)
	case notify.TextTurnEnded:
		fmt.Fprintln(p.out)
	case notify.TextNotice:
		fmt.Fprintln(p.out, styleWarning.Render("! "+event.Text))
	case notify.TextError:
		fmt.Fprintln(p.out)
		if event.Hint != "" {
			fmt.Fprintln(p.out, styledError(event.Text, event.Hint))
		} else {
			fmt.Fprintln(p.out, styledError(event.Text))
		}
	}
}

func (p printer) usage(usage core.ContextUsage) {
	fmt.Fprintln(p.out, styleDim.Render(fmt.Sprintf("context %d/%d tokens (safe limit %d)",
		usage.UsedTokens, usage.WindowSize, usage.SafeLimit)))
}

func (p printer) unloaded(event notify.UnloadEvent) {
	fmt.Fprintln(p.out, styleDim.Render(fmt.Sprintf("%s unloaded after %s idle", event.Backend, event.Idle.Round(time.Second))))
}

func (p printer) history(messages []core.Message) {
	for _, msg := range messages {
		fmt.Fprintf(p.out, "%s %s\n", styleRole.Render(string(msg.Role)+":"), msg.Content)
	}
}
