package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Ensure spawners implement domain.SessionSpawner interface.
var (
	_ domain.SessionSpawner = (*DirectSpawner)(nil)
	_ domain.SessionSpawner = (*ShepherdSpawner)(nil)
)

// DirectSpawner starts children on local PTYs. Sessions die with the
// workspace.
type DirectSpawner struct{}

// Spawn starts a direct session.
func (DirectSpawner) Spawn(spec domain.SpawnSpec) (domain.SessionHandle, error) {
	return SpawnDirect(spec)
}

// ShepherdSpawner starts children behind kbtz-shepherd brokers so they
// survive workspace restarts.
type ShepherdSpawner struct {
	// WorkspaceDir holds socket and PID files.
	WorkspaceDir string
	// ShepherdBin overrides the broker binary path; empty means
	// "kbtz-shepherd next to the current executable".
	ShepherdBin string
}

// socketWait bounds how long a freshly spawned shepherd may take to
// create its socket.
const socketWait = 5 * time.Second

// Spawn launches a shepherd for the child, waits for its socket, and
// connects.
func (sp ShepherdSpawner) Spawn(spec domain.SpawnSpec) (domain.SessionHandle, error) {
	socketPath := domain.SocketPath(sp.WorkspaceDir, spec.SessionID)
	pidPath := domain.PidPath(sp.WorkspaceDir, spec.SessionID)

	bin := sp.ShepherdBin
	if bin == "" {
		selfExe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate current executable: %w", err)
		}
		bin = filepath.Join(filepath.Dir(selfExe), "kbtz-shepherd")
	}
	if _, err := os.Stat(bin); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrShepherdNotFound, bin)
	}

	ptyRows := spec.Rows
	if ptyRows > 1 {
		ptyRows--
	}

	// kbtz-shepherd <socket> <pid-file> <rows> <cols> <command> [args...]
	args := []string{socketPath, pidPath,
		fmt.Sprintf("%d", ptyRows), fmt.Sprintf("%d", spec.Cols), spec.Command}
	args = append(args, spec.Args...)

	cmd := exec.Command(bin, args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn kbtz-shepherd at %s: %w", bin, err)
	}
	// The shepherd daemonizes; reap the intermediate process so it
	// does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(socketWait)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("shepherd did not create socket at %s within %s", socketPath, socketWait)
		}
		time.Sleep(50 * time.Millisecond)
	}

	return ConnectShepherd(socketPath, pidPath, spec.TaskName, spec.SessionID, spec.Rows, spec.Cols)
}
