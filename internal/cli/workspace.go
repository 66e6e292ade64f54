package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kbtz-tools/kbtz-workspace/internal/app"
)

const workspaceHelp = `CONFIG FILE:
    Settings are loaded from ~/.kbtz/workspace.toml (if it exists).
    CLI args take precedence over config values. Example:

        [workspace]
        concurrency = 3
        backend = "claude"

        [agent.claude]
        command = "/usr/local/bin/claude"
        args = ["--verbose"]

TREE MODE KEYS:
    j/k, Up/Down    Navigate
    Enter           Zoom into session
    Tab             Jump to next session needing input
    s               Spawn session for task
    c               Switch to task manager session
    Space           Collapse/expand
    p               Pause/unpause task
    d               Mark task done
    U               Force-unassign task
    ?               Help
    q               Quit

ZOOMED MODE / TASK MANAGER:
    ^B t            Return to tree
    ^B c            Switch to task manager session
    ^B n/p          Next/prev session
    ^B Tab          Jump to next session needing input
    ^B [            Scroll mode (k/j scroll, u/d page, g/G ends, q exit)
    ^B ^B           Send literal Ctrl-B
    ^B ?            Help
    ^B q            Quit`

func newWorkspaceCmd() *cobra.Command {
	var (
		concurrency int
		manual      bool
		prefer      string
		backendName string
		command     string
		useShepherd bool
	)
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Run the interactive session workspace",
		Long:  workspaceHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := app.New(app.Options{
				DBPath:       resolveDBPath(),
				Concurrency:  concurrencyFlag(cmd, concurrency),
				Manual:       manual,
				Prefer:       prefer,
				Backend:      backendName,
				Command:      command,
				UseShepherd:  useShepherd,
			})
			if err != nil {
				return err
			}
			defer container.Close()

			r := &runner{container: container}
			return r.run()
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "max concurrent sessions [default: 8]")
	cmd.Flags().BoolVar(&manual, "manual", false, "disable automatic session spawning")
	cmd.Flags().StringVar(&prefer, "prefer", "", "preference hint for task selection (FTS match)")
	cmd.Flags().StringVar(&backendName, "backend", "", "agent backend to use for sessions [default: claude]")
	cmd.Flags().StringVar(&command, "command", "", "override the backend's default command binary")
	cmd.Flags().BoolVar(&useShepherd, "shepherd", false, "run children behind kbtz-shepherd brokers (detachable)")
	return cmd
}

func concurrencyFlag(cmd *cobra.Command, v int) *int {
	if !cmd.Flags().Changed("concurrency") {
		return nil
	}
	return &v
}

// action mirrors the original top-level state machine: which mode runs
// next and, for zoom, on which task.
type action struct {
	kind actionKind
	task string
}

type actionKind int

const (
	actTree actionKind = iota
	actZoom
	actToplevel
	actQuit
)

type runner struct {
	container *app.Container
	stdin     *stdinPump
	collapsed map[string]bool
	rows      uint16
	cols      uint16
}

// run drives the tree <-> zoomed <-> manager state machine until quit
// or interrupt, then shuts everything down.
func (r *runner) run() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("workspace requires a terminal")
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return fmt.Errorf("get terminal size: %w", err)
	}
	r.rows, r.cols = uint16(rows), uint16(cols)
	r.collapsed = make(map[string]bool)

	// Some terminals keep focus-event reporting enabled across process
	// boundaries; a leftover DECSET 1004 would echo CSI I/O into our
	// input before raw mode starts.
	fmt.Print("\x1b[?1004l")

	// Raw mode covers the whole run: the stdin pump is the sole reader
	// and both tree mode and zoomed mode expect unbuffered bytes.
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(fd, oldState) //nolint:errcheck

	o := r.container.Orchestrator
	r.stdin = newStdinPump()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	// Initial spawning round.
	o.Tick()

	next := action{kind: actTree}
	for next.kind != actQuit {
		select {
		case <-ctx.Done():
			next = action{kind: actQuit}
			continue
		default:
		}

		switch next.kind {
		case actTree:
			next, err = r.treeMode(ctx)
		case actZoom:
			next, err = r.zoomedMode(ctx, winch, next.task)
		case actToplevel:
			next, err = r.toplevelMode(ctx, winch)
		}
		if err != nil {
			break
		}
	}

	o.Shutdown()

	// Leave the user a clean shell: reset the scroll region and any
	// leftover rendering from zoomed mode.
	fmt.Print("\x1b[r\x1b[?1004l\x1b[?25h\x1b[2J\x1b[H")
	return err
}
