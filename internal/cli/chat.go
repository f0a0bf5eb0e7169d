package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erg0nix/parley/internal/app"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/notify"
)

const (
	cmdSend      = "send"
	cmdCancel    = "cancel"
	cmdClear     = "clear"
	cmdSystem    = "system"
	cmdWindow    = "window"
	cmdRetention = "retention"
	cmdIdle      = "idle"
	cmdHistory   = "history"
	cmdHelp      = "help"
	cmdQuit      = "quit"
)

const chatHelp = `/cancel                 stop the current reply
/clear                  drop the conversation, keep the system prompt
/system <text>          replace the system prompt
/window <tokens>        set the context window (128-8192)
/retention <max> <keep> set the message limit and the count kept after a context reset
/idle <seconds>         set the inactivity unload timeout (>= 10)
/history                print the conversation
/quit                   leave`

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE:  runChatCmd,
	}

	cmd.Flags().Bool("resume", false, "restore the previous conversation from the transcript")
	cmd.Flags().String("system", "", "system prompt for this conversation (overrides config)")

	return cmd
}

func runChatCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	resume, _ := cmd.Flags().GetBool("resume")
	system, _ := cmd.Flags().GetString("system")

	services, err := app.NewServices(a.Settings, a.Logger)
	if err != nil {
		return err
	}
	defer app.Shutdown(services)

	orch := services.Orchestrator
	out := cmd.OutOrStdout()

	if system != "" {
		if err := orch.InitializeConversation(system); err != nil {
			return err
		}
	}

	if resume {
		n, err := services.RestoreTranscript(a.Settings.WindowSize())
		if err != nil {
			fmt.Fprintln(out, styledError("could not resume", err.Error()))
		} else {
			fmt.Fprintln(out, styleDim.Render(fmt.Sprintf("restored %d messages", n)))
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer func() {
		signal.Stop(interrupts)
		close(interrupts)
	}()

	go func() {
		for range interrupts {
			orch.CancelActiveTurn()
		}
	}()

	r := &repl{
		ctrl:        orch,
		in:          cmd.InOrStdin(),
		printer:     printer{out: out},
		interactive: isInteractive(os.Stdin) && isInteractive(os.Stdout),
	}

	if r.interactive {
		fmt.Fprintln(out, styleDim.Render("type /help for commands, ctrl-c cancels a reply, /quit leaves"))
	}

	return r.run()
}

type input struct {
	command string
	text    string
	numbers []int
}

func parseInput(line string) (input, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return input{}, nil
	}

	if !strings.HasPrefix(trimmed, "/") {
		return input{command: cmdSend, text: trimmed}, nil
	}

	name, rest, _ := strings.Cut(trimmed[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case cmdCancel, cmdClear, cmdHistory, cmdHelp:
		return input{command: name}, nil

	case cmdQuit, "exit":
		return input{command: cmdQuit}, nil

	case cmdSystem:
		if rest == "" {
			return input{}, errors.New("usage: /system <text>")
		}
		return input{command: name, text: rest}, nil

	case cmdWindow, cmdIdle:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return input{}, fmt.Errorf("usage: /%s <number>", name)
		}
		return input{command: name, numbers: []int{n}}, nil

	case cmdRetention:
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return input{}, errors.New("usage: /retention <max_messages> <evict_keep>")
		}
		maxMessages, err1 := strconv.Atoi(fields[0])
		evictKeep, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return input{}, errors.New("usage: /retention <max_messages> <evict_keep>")
		}
		return input{command: name, numbers: []int{maxMessages, evictKeep}}, nil

	default:
		return input{}, fmt.Errorf("unknown command /%s, try /help", name)
	}
}

type repl struct {
	ctrl        app.Controller
	in          io.Reader
	printer     printer
	interactive bool

	text       <-chan notify.TextEvent
	generating <-chan bool
	usage      <-chan core.ContextUsage
	unloaded   <-chan notify.UnloadEvent
}

func (r *repl) run() error {
	sink := r.ctrl.Sink()

	var unsubscribe []func()
	var unsub func()
	r.text, unsub = sink.Text.Subscribe(256)
	unsubscribe = append(unsubscribe, unsub)
	r.generating, unsub = sink.Generating.Subscribe(16)
	unsubscribe = append(unsubscribe, unsub)
	r.usage, unsub = sink.Usage.Subscribe(16)
	unsubscribe = append(unsubscribe, unsub)
	r.unloaded, unsub = sink.Unloaded.Subscribe(16)
	unsubscribe = append(unsubscribe, unsub)

	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		r.drain()

		if r.interactive {
			fmt.Fprint(r.printer.out, stylePrompt.Render("› "))
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		in, err := parseInput(scanner.Text())
		if err != nil {
			fmt.Fprintln(r.printer.out, styledError(err.Error()))
			continue
		}

		if in.command == cmdQuit {
			return nil
		}

		if err := r.execute(in); err != nil {
			fmt.Fprintln(r.printer.out, styledError(err.Error()))
		}
	}
}

func (r *repl) execute(in input) error {
	switch in.command {
	case "":
		return nil
	case cmdSend:
		if err := r.ctrl.SendTurn(in.text); err != nil {
			return err
		}
		r.await()
		return nil
	case cmdCancel:
		r.ctrl.CancelActiveTurn()
		return nil
	case cmdClear:
		return r.ctrl.ClearConversation()
	case cmdSystem:
		return r.ctrl.SetSystemPrompt(in.text)
	case cmdWindow:
		return r.ctrl.UpdateWindowSize(in.numbers[0])
	case cmdRetention:
		return r.ctrl.UpdateRetentionPolicy(in.numbers[0], in.numbers[1])
	case cmdIdle:
		return r.ctrl.UpdateInactivityTimeout(in.numbers[0])
	case cmdHistory:
		messages, err := r.ctrl.Snapshot()
		if err != nil {
			return err
		}
		r.printer.history(messages)
		return nil
	case cmdHelp:
		fmt.Fprintln(r.printer.out, styleCommand.Render("commands"))
		fmt.Fprintln(r.printer.out, chatHelp)
		return nil
	}
	return fmt.Errorf("unhandled command %q", in.command)
}

// await renders the live turn until the orchestrator reports it is no longer generating.
func (r *repl) await() {
	for {
		select {
		case event, ok := <-r.text:
			if !ok {
				return
			}
			r.printer.text(event)
		case generating, ok := <-r.generating:
			if !ok || !generating {
				r.drainText()
				return
			}
		}
	}
}

func (r *repl) drainText() {
	for {
		select {
		case event, ok := <-r.text:
			if !ok {
				return
			}
			r.printer.text(event)
		default:
			return
		}
	}
}

// drain prints whatever arrived between prompts. Only the newest usage figure is shown.
func (r *repl) drain() {
	r.drainText()

	var last *core.ContextUsage
	for {
		select {
		case usage, ok := <-r.usage:
			if !ok {
				return
			}
			last = &usage
			continue
		case event, ok := <-r.unloaded:
			if !ok {
				return
			}
			r.printer.unloaded(event)
			continue
		default:
		}
		break
	}

	if last != nil {
		r.printer.usage(*last)
	}
}
