package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Session IDs are system-generated strings of the form ws/<N>. Status files
// on disk use - in place of / (ws/3 -> ws-3). The functions here are the
// single source of truth for that convention.

// SessionIDPrefix is the namespace for orchestrator-owned session IDs.
const SessionIDPrefix = "ws/"

// ToplevelSessionID identifies the task-manager session.
const ToplevelSessionID = "ws/toplevel"

// ToplevelTaskName is the pseudo task name of the manager session.
const ToplevelTaskName = "toplevel"

// SessionID formats the Nth worker session ID.
func SessionID(n uint64) string {
	return fmt.Sprintf("%s%d", SessionIDPrefix, n)
}

// SessionNumber extracts N from a ws/<N> session ID. Returns false for
// the toplevel session or foreign IDs.
func SessionNumber(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, SessionIDPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SessionIDToFilename converts a session ID to its status filename:
// ws/3 -> ws-3.
func SessionIDToFilename(id string) string {
	return strings.ReplaceAll(id, "/", "-")
}

// FilenameToSessionID converts a status filename back to a session ID.
// Only the first - is replaced, preserving literal hyphens later in the
// ID. System-generated IDs (ws/<N>) round-trip; user-chosen IDs must not
// contain - if round-tripping is required.
func FilenameToSessionID(name string) string {
	before, after, found := strings.Cut(name, "-")
	if !found {
		return name
	}
	return before + "/" + after
}

// DBPath resolves the kbtz database path: KBTZ_DB env var, falling back
// to $HOME/.kbtz/kbtz.db.
func DBPath() string {
	if p := os.Getenv("KBTZ_DB"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".kbtz", "kbtz.db")
}

// WorkspaceDir resolves the workspace status directory: KBTZ_WORKSPACE_DIR
// env var, falling back to $HOME/.kbtz/workspace.
func WorkspaceDir() string {
	if p := os.Getenv("KBTZ_WORKSPACE_DIR"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".kbtz", "workspace")
}

// ConfigPath resolves the workspace config file path.
func ConfigPath() string {
	return filepath.Join(homeDir(), ".kbtz", "workspace.toml")
}

// LockPath is the workspace lock file inside the status directory.
func LockPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, ".lock")
}

// StatusFilePath is the status file for a session.
func StatusFilePath(workspaceDir, sessionID string) string {
	return filepath.Join(workspaceDir, SessionIDToFilename(sessionID))
}

// SocketPath is the shepherd socket for a session.
func SocketPath(workspaceDir, sessionID string) string {
	return filepath.Join(workspaceDir, SessionIDToFilename(sessionID)+".sock")
}

// PidPath is the shepherd PID file for a session.
func PidPath(workspaceDir, sessionID string) string {
	return filepath.Join(workspaceDir, SessionIDToFilename(sessionID)+".pid")
}

// Environment variable names exported to spawned children.
const (
	EnvDB           = "KBTZ_DB"
	EnvTask         = "KBTZ_TASK"
	EnvSessionID    = "KBTZ_SESSION_ID"
	EnvWorkspaceDir = "KBTZ_WORKSPACE_DIR"
)

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
