package session

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/shepherd"
)

// Ensure Shepherd implements domain.SessionHandle interface.
var _ domain.SessionHandle = (*Shepherd)(nil)

// Shepherd is the client side of a broker-owned session: the child and
// its PTY live in a kbtz-shepherd process, reached over a framed Unix
// socket. The handshake on every connect is Resize first, so the
// broker builds InitialState at the right dimensions, then steady
// state.
type Shepherd struct {
	pt         *passthrough
	socketPath string
	pidPath    string

	taskName    string
	sessionID   string
	shepherdPID int

	writeMu sync.Mutex
	conn    net.Conn

	readerAlive atomic.Bool

	mu            sync.Mutex
	status        domain.SessionStatus
	stoppingSince time.Time
	lastRows      uint16
	lastCols      uint16
}

// ConnectShepherd dials a running shepherd and completes the
// handshake: send Resize, read InitialState into a fresh emulator,
// then start the reader goroutine.
func ConnectShepherd(socketPath, pidPath, taskName, sessionID string, rows, cols uint16) (*Shepherd, error) {
	pidBytes, err := os.ReadFile(pidPath)
	if err != nil {
		return nil, fmt.Errorf("read shepherd pid from %s: %w", pidPath, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return nil, fmt.Errorf("invalid pid in %s: %w", pidPath, err)
	}

	ptyRows := rows
	if ptyRows > 1 {
		ptyRows--
	}

	s := &Shepherd{
		pt:          newPassthrough(ptyRows, cols, nil),
		socketPath:  socketPath,
		pidPath:     pidPath,
		taskName:    taskName,
		sessionID:   sessionID,
		shepherdPID: pid,
		status:      domain.SessionStarting,
		lastRows:    ptyRows,
		lastCols:    cols,
	}
	if err := s.connect(ptyRows, cols, true); err != nil {
		return nil, err
	}
	return s, nil
}

// connect establishes a socket connection and runs the handshake. The
// InitialState is fed to the emulator only on the first connect; on
// reconnect the emulator already holds the accumulated state and the
// broker's copy is discarded.
func (s *Shepherd) connect(rows, cols uint16, feedInitial bool) error {
	conn, err := net.Dial("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("connect to shepherd at %s: %w", s.socketPath, err)
	}

	if err := shepherd.WriteMessage(conn, shepherd.Message{
		Type: shepherd.Resize, Rows: rows, Cols: cols,
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send handshake resize: %w", err)
	}

	first, err := shepherd.ReadMessage(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read InitialState from shepherd: %w", err)
	}
	if first.Type != shepherd.InitialState {
		_ = conn.Close()
		return fmt.Errorf("expected InitialState from shepherd, got %s", first.Type)
	}
	if feedInitial {
		s.pt.feed(first.Data)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.readerAlive.Store(true)
	go s.readLoop(conn)
	return nil
}

func (s *Shepherd) readLoop(conn net.Conn) {
	defer s.readerAlive.Store(false)
	for {
		msg, err := shepherd.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg.Type == shepherd.PtyOutput {
			s.pt.feed(msg.Data)
		}
		// Other frame kinds are not expected in steady state.
	}
}

// TaskName returns the assigned task.
func (s *Shepherd) TaskName() string { return s.taskName }

// SessionID returns the session identifier.
func (s *Shepherd) SessionID() string { return s.sessionID }

// Status returns the last status-file state.
func (s *Shepherd) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records the status-file state.
func (s *Shepherd) SetStatus(st domain.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// StoppingSince reports when a graceful exit was requested.
func (s *Shepherd) StoppingSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppingSince, !s.stoppingSince.IsZero()
}

// MarkStopping starts the graceful-exit clock once.
func (s *Shepherd) MarkStopping() {
	s.mu.Lock()
	if s.stoppingSince.IsZero() {
		s.stoppingSince = time.Now()
	}
	s.mu.Unlock()
}

// PollLiveness includes socket health: the shepherd process must
// answer signal 0 and its socket file must exist. A dead reader with a
// live shepherd (for example after a sleep/wake disruption) triggers a
// reconnect so the session self-heals instead of sitting frozen.
func (s *Shepherd) PollLiveness() domain.Liveness {
	if !processAlive(s.shepherdPID) {
		return domain.Liveness{Alive: false}
	}
	if _, err := os.Stat(s.socketPath); err != nil {
		return domain.Liveness{Alive: false}
	}

	if !s.readerAlive.Load() {
		s.mu.Lock()
		rows, cols := s.lastRows, s.lastCols
		s.mu.Unlock()
		if err := s.connect(rows, cols, false); err != nil {
			// Reconnection failed; the shepherd may be shutting down.
			return domain.Liveness{Alive: false}
		}
	}
	return domain.Liveness{Alive: true}
}

// processAlive probes a PID with signal 0. EPERM means the process
// exists but is not signalable; that still counts as alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// ProcessID returns the shepherd PID.
func (s *Shepherd) ProcessID() int { return s.shepherdPID }

// StartForwarding repaints the screen and goes live.
func (s *Shepherd) StartForwarding() error {
	s.pt.startForwarding()
	return nil
}

// StopForwarding halts raw output and resets terminal input modes.
func (s *Shepherd) StopForwarding() error {
	s.pt.stopForwarding()
	return nil
}

// WriteInput frames user bytes to the broker. A broken pipe is
// swallowed; liveness polling notices the dead socket on the next
// tick.
func (s *Shepherd) WriteInput(p []byte) error {
	return s.send(shepherd.Message{Type: shepherd.PtyInput, Data: p})
}

// Resize updates the local emulator and tells the broker, which
// applies it to its PTY and emulator.
func (s *Shepherd) Resize(rows, cols uint16) error {
	ptyRows := rows
	if ptyRows > 1 {
		ptyRows--
	}
	s.mu.Lock()
	s.lastRows, s.lastCols = ptyRows, cols
	s.mu.Unlock()

	s.pt.resize(ptyRows, cols)
	return s.send(shepherd.Message{Type: shepherd.Resize, Rows: ptyRows, Cols: cols})
}

func (s *Shepherd) send(msg shepherd.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return nil
	}
	if err := shepherd.WriteMessage(s.conn, msg); err != nil {
		if isBrokenPipe(err) {
			return nil
		}
		return fmt.Errorf("send %s to shepherd: %w", msg.Type, err)
	}
	return nil
}

func isBrokenPipe(err error) bool {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno == syscall.EPIPE || errno == syscall.ECONNRESET
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			if opErr, isOp := err.(*net.OpError); isOp {
				err = opErr.Err
				continue
			}
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// EnterScrollMode freezes the viewport; see passthrough.
func (s *Shepherd) EnterScrollMode() (int, error) {
	return s.pt.enterScrollMode(), nil
}

// ExitScrollMode re-syncs the terminal to the live screen.
func (s *Shepherd) ExitScrollMode() error {
	s.pt.exitScrollMode()
	return nil
}

// RenderScrollback paints the frozen snapshot at offset.
func (s *Shepherd) RenderScrollback(offset int) error {
	s.pt.renderScrollback(offset)
	return nil
}

// ScrollbackDepth reads the live emulator's saved-row count.
func (s *Shepherd) ScrollbackDepth() (int, error) {
	return s.pt.scrollbackDepth(), nil
}

// RequestExit asks the broker to SIGTERM the child and starts the
// force-kill clock.
func (s *Shepherd) RequestExit() {
	if _, stopping := s.StoppingSince(); stopping {
		return
	}
	_ = s.send(shepherd.Message{Type: shepherd.Shutdown})
	s.MarkStopping()
}

// ForceKill SIGKILLs the shepherd, taking the child's process group
// down with it.
func (s *Shepherd) ForceKill() {
	_ = unix.Kill(s.shepherdPID, unix.SIGKILL)
}
