package orchestrator

import (
	"fmt"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Ensure Claude implements domain.Backend interface.
var _ domain.Backend = (*Claude)(nil)

// Claude drives the claude CLI: prompts are injected through
// --append-system-prompt and graceful exit is a SIGTERM, which the
// session handle already implements in RequestExit.
type Claude struct {
	command    string
	prefixArgs []string
	extraArgs  []string
}

// Command returns the binary to run.
func (c *Claude) Command() string {
	return c.command
}

// WorkerArgs builds CLI args for a worker session.
func (c *Claude) WorkerArgs(protocolPrompt, taskPrompt string) []string {
	args := make([]string, 0, len(c.prefixArgs)+3+len(c.extraArgs))
	args = append(args, c.prefixArgs...)
	args = append(args, "--append-system-prompt", protocolPrompt, taskPrompt)
	args = append(args, c.extraArgs...)
	return args
}

// ToplevelArgs builds CLI args for the task-manager session.
func (c *Claude) ToplevelArgs(protocolPrompt, taskPrompt string) []string {
	return c.WorkerArgs(protocolPrompt, taskPrompt)
}

// RequestExit asks the session's child to stop.
func (c *Claude) RequestExit(session domain.SessionHandle) {
	session.RequestExit()
}

// BackendFromName creates a backend by name. The command override
// replaces the default binary; prefix args come before the generated
// args, extra args after.
func BackendFromName(name, commandOverride string, prefixArgs, extraArgs []string) (domain.Backend, error) {
	switch name {
	case "claude":
		command := commandOverride
		if command == "" {
			command = "claude"
		}
		return &Claude{
			command:    command,
			prefixArgs: append([]string(nil), prefixArgs...),
			extraArgs:  append([]string(nil), extraArgs...),
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend '%s'; available backends: claude", name)
	}
}
