package session

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Ensure Direct implements domain.SessionHandle interface.
var _ domain.SessionHandle = (*Direct)(nil)

// Direct runs a child under a local pseudo-terminal. The PTY gets one
// row less than the terminal so the bottom row stays free for the
// status bar.
type Direct struct {
	pt   *passthrough
	ptmx *os.File
	cmd  *exec.Cmd

	taskName  string
	sessionID string

	mu            sync.Mutex
	status        domain.SessionStatus
	stoppingSince time.Time

	done     chan struct{}
	exitCode int
}

// SpawnDirect starts the child on a fresh PTY and begins the reader
// goroutine.
func SpawnDirect(spec domain.SpawnSpec) (*Direct, error) {
	ptyRows := spec.Rows
	if ptyRows > 1 {
		ptyRows--
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("spawn '%s' on pty: %w", spec.Command, err)
	}

	d := &Direct{
		pt:        newPassthrough(ptyRows, spec.Cols, nil),
		ptmx:      ptmx,
		cmd:       cmd,
		taskName:  spec.TaskName,
		sessionID: spec.SessionID,
		status:    domain.SessionStarting,
		done:      make(chan struct{}),
	}

	go d.readLoop()
	go d.waitLoop()
	return d, nil
}

// readLoop drains the PTY master until the child closes it.
func (d *Direct) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := d.ptmx.Read(buf)
		if n > 0 {
			d.pt.feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the child so PollLiveness never blocks.
func (d *Direct) waitLoop() {
	err := d.cmd.Wait()
	d.mu.Lock()
	if exitErr, ok := err.(*exec.ExitError); ok {
		d.exitCode = exitErr.ExitCode()
	}
	d.mu.Unlock()
	close(d.done)
	_ = d.ptmx.Close()
}

// TaskName returns the assigned task.
func (d *Direct) TaskName() string { return d.taskName }

// SessionID returns the session identifier.
func (d *Direct) SessionID() string { return d.sessionID }

// Status returns the last status-file state.
func (d *Direct) Status() domain.SessionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetStatus records the status-file state.
func (d *Direct) SetStatus(s domain.SessionStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// StoppingSince reports when a graceful exit was requested.
func (d *Direct) StoppingSince() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stoppingSince, !d.stoppingSince.IsZero()
}

// MarkStopping starts the graceful-exit clock once.
func (d *Direct) MarkStopping() {
	d.mu.Lock()
	if d.stoppingSince.IsZero() {
		d.stoppingSince = time.Now()
	}
	d.mu.Unlock()
}

// PollLiveness reports child state without blocking.
func (d *Direct) PollLiveness() domain.Liveness {
	select {
	case <-d.done:
		d.mu.Lock()
		code := d.exitCode
		d.mu.Unlock()
		return domain.Liveness{Alive: false, ExitCode: code}
	default:
		return domain.Liveness{Alive: true}
	}
}

// ProcessID returns the child PID.
func (d *Direct) ProcessID() int {
	if d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

// StartForwarding repaints the screen and goes live.
func (d *Direct) StartForwarding() error {
	d.pt.startForwarding()
	return nil
}

// StopForwarding halts raw output and resets terminal input modes.
func (d *Direct) StopForwarding() error {
	d.pt.stopForwarding()
	return nil
}

// WriteInput forwards user bytes to the child. EIO means the child
// exited and the slave side closed; the write is discarded and the
// session reaped on the next tick.
func (d *Direct) WriteInput(p []byte) error {
	if _, err := d.ptmx.Write(p); err != nil {
		if isEIO(err) {
			return nil
		}
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

func isEIO(err error) bool {
	for {
		if errno, ok := err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}

// Resize propagates a terminal size, reserving the status-bar row.
func (d *Direct) Resize(rows, cols uint16) error {
	ptyRows := rows
	if ptyRows > 1 {
		ptyRows--
	}
	d.pt.resize(ptyRows, cols)
	if err := pty.Setsize(d.ptmx, &pty.Winsize{Rows: ptyRows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// EnterScrollMode freezes the viewport; see passthrough.
func (d *Direct) EnterScrollMode() (int, error) {
	return d.pt.enterScrollMode(), nil
}

// ExitScrollMode re-syncs the terminal to the live screen.
func (d *Direct) ExitScrollMode() error {
	d.pt.exitScrollMode()
	return nil
}

// RenderScrollback paints the frozen snapshot at offset.
func (d *Direct) RenderScrollback(offset int) error {
	d.pt.renderScrollback(offset)
	return nil
}

// ScrollbackDepth reads the live emulator's saved-row count.
func (d *Direct) ScrollbackDepth() (int, error) {
	return d.pt.scrollbackDepth(), nil
}

// RequestExit asks the child to stop with SIGTERM and starts the
// force-kill clock.
func (d *Direct) RequestExit() {
	if _, stopping := d.StoppingSince(); stopping {
		return
	}
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Signal(syscall.SIGTERM)
	}
	d.MarkStopping()
}

// ForceKill terminates the child immediately.
func (d *Direct) ForceKill() {
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
}
