package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/session"
)

// reconcile handles startup against a workspace that may contain
// leftovers from a previous run: shepherd-managed children are adopted
// when their task is still active and assigned to the recorded session
// ID, terminated and cleaned up otherwise; orphan status files are
// deleted; and the session counter resumes past the highest observed
// ws/<N>.
func (o *Orchestrator) reconcile() error {
	entries, err := os.ReadDir(o.workspaceDir)
	if err != nil {
		return fmt.Errorf("scan workspace directory: %w", err)
	}

	var maxN uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		sessionID := domain.FilenameToSessionID(strings.TrimSuffix(name, ".pid"))
		if n, ok := domain.SessionNumber(sessionID); ok && n > maxN {
			maxN = n
		}
		o.reconcileShepherd(sessionID)
	}

	o.mu.Lock()
	o.counter = maxN
	o.mu.Unlock()

	o.removeOrphanStatusFiles()
	return nil
}

// reconcileShepherd adopts or terminates one recorded broker child.
func (o *Orchestrator) reconcileShepherd(sessionID string) {
	pidPath := domain.PidPath(o.workspaceDir, sessionID)
	socketPath := domain.SocketPath(o.workspaceDir, sessionID)

	discard := func(reason string) {
		o.logInfo(sessionID, "reconcile", "discarding shepherd record: "+reason)
		if pid, err := readPid(pidPath); err == nil {
			_ = unix.Kill(pid, unix.SIGTERM)
		}
		_ = os.Remove(pidPath)
		_ = os.Remove(socketPath)
		_ = os.Remove(domain.StatusFilePath(o.workspaceDir, sessionID))
	}

	pid, err := readPid(pidPath)
	if err != nil {
		discard("unreadable pid file")
		return
	}
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		discard("shepherd process gone")
		return
	}
	if _, err := os.Stat(socketPath); err != nil {
		discard("socket missing")
		return
	}

	// The store is the single source of truth: adopt only when the
	// recorded session still holds an active claim.
	task, ok := o.taskAssignedTo(sessionID)
	if !ok {
		discard("no active claim for this session")
		return
	}

	s, err := session.ConnectShepherd(socketPath, pidPath, task, sessionID, o.rows, o.cols)
	if err != nil {
		discard("connect failed: " + err.Error())
		return
	}

	o.mu.Lock()
	o.sessions[sessionID] = s
	o.byTask[task] = sessionID
	o.mu.Unlock()
	o.logInfo(sessionID, "reconcile", "adopted session for task "+task)
}

// taskAssignedTo finds the active task claimed by a session ID.
func (o *Orchestrator) taskAssignedTo(sessionID string) (string, bool) {
	active := domain.StatusActive
	tasks, err := o.store.List(domain.ListFilter{Status: &active})
	if err != nil {
		return "", false
	}
	for _, t := range tasks {
		if t.Assignee != nil && *t.Assignee == sessionID {
			return t.Name, true
		}
	}
	return "", false
}

// removeOrphanStatusFiles deletes status files that no tracked session
// owns.
func (o *Orchestrator) removeOrphanStatusFiles() {
	entries, err := os.ReadDir(o.workspaceDir)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == ".lock" ||
			strings.HasSuffix(name, ".sock") || strings.HasSuffix(name, ".pid") {
			continue
		}
		sessionID := domain.FilenameToSessionID(name)
		if _, tracked := o.sessions[sessionID]; !tracked {
			_ = os.Remove(filepath.Join(o.workspaceDir, name))
		}
	}
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
