package shepherd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/kbtz-tools/kbtz-workspace/internal/infra/vt"
)

// Server owns one child process behind a PTY and serves its state over
// a Unix socket. It keeps an authoritative emulator with scrollback so
// a client connecting at any time receives a complete restore sequence
// at its own terminal size. One client at a time; a new connection
// displaces the old one; disconnects lose nothing.
type Server struct {
	socketPath string
	pidPath    string

	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	emu    *vt.Emulator
	client net.Conn

	shutdown chan struct{}
	once     sync.Once
}

// Options configures a Server run.
type Options struct {
	SocketPath string
	PidPath    string
	Rows       uint16
	Cols       uint16
	Command    string
	Args       []string
	Env        []string
}

// Run daemonizes the calling process's role: spawns the child on a
// PTY, writes the PID file, serves the socket, and blocks until the
// child exits or a shutdown is requested. The socket and PID files are
// removed on the way out.
func Run(opts Options) error {
	// Detach from the controlling terminal so the workspace can exit
	// while the shepherd lives on.
	_, _ = unix.Setsid()

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return fmt.Errorf("start child on pty: %w", err)
	}

	s := &Server{
		socketPath: opts.SocketPath,
		pidPath:    opts.PidPath,
		ptmx:       ptmx,
		cmd:        cmd,
		emu:        vt.New(opts.Rows, opts.Cols),
		shutdown:   make(chan struct{}),
	}
	defer s.cleanup()

	if err := os.WriteFile(opts.PidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	// SIGTERM to the shepherd forwards to the child; the shepherd
	// itself exits when the child does.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		for range sigCh {
			s.requestShutdown()
		}
	}()

	_ = os.Remove(opts.SocketPath)
	listener, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.SocketPath, err)
	}
	defer listener.Close()

	go s.acceptLoop(listener)
	go s.ptyReadLoop()

	// Reap the child; the read loop drains the final output burst.
	err = cmd.Wait()
	close(s.shutdown)
	// Give the read loop a moment to flush the final output burst.
	time.Sleep(50 * time.Millisecond)
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return nil
		}
		return fmt.Errorf("wait for child: %w", err)
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

func (s *Server) cleanup() {
	_ = os.Remove(s.socketPath)
	_ = os.Remove(s.pidPath)
	_ = s.ptmx.Close()
}

func (s *Server) requestShutdown() {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
}

// ptyReadLoop feeds every child byte into the authoritative emulator
// and relays it to the connected client, if any.
func (s *Server) ptyReadLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.emu.Process(buf[:n])
			if s.client != nil {
				if werr := WriteMessage(s.client, Message{Type: PtyOutput, Data: buf[:n]}); werr != nil {
					_ = s.client.Close()
					s.client = nil
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			// EIO is the normal PTY close when the child exits.
			return
		}
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				continue
			}
		}
		s.attachClient(conn)
	}
}

// attachClient completes the handshake with a new client: the client
// sends Resize first so InitialState can be built at the right
// dimensions, then receives the restore sequence, then steady state.
func (s *Server) attachClient(conn net.Conn) {
	// The handshake frame must arrive promptly; a stalled client must
	// not wedge the accept loop.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	first, err := ReadMessage(conn)
	if err != nil || first.Type != Resize {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	if s.client != nil {
		// Newest client wins.
		_ = s.client.Close()
	}
	s.resizeLocked(first.Rows, first.Cols)
	initial := s.emu.RestoreSequence()
	if err := WriteMessage(conn, Message{Type: InitialState, Data: initial}); err != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.client = conn
	s.mu.Unlock()

	go s.clientReadLoop(conn)
}

func (s *Server) clientReadLoop(conn net.Conn) {
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			s.dropClient(conn)
			return
		}
		switch msg.Type {
		case PtyInput:
			if _, err := s.ptmx.Write(msg.Data); err != nil {
				s.dropClient(conn)
				return
			}
		case Resize:
			s.mu.Lock()
			s.resizeLocked(msg.Rows, msg.Cols)
			s.mu.Unlock()
		case Shutdown:
			s.requestShutdown()
		default:
			// Unexpected client frames are ignored.
		}
	}
}

// resizeLocked applies a size to both the PTY and the emulator.
// Callers hold s.mu.
func (s *Server) resizeLocked(rows, cols uint16) {
	curRows, curCols := s.emu.Size()
	if rows == curRows && cols == curCols {
		return
	}
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
	s.emu.ResizeBoth(rows, cols)
}

func (s *Server) dropClient(conn net.Conn) {
	s.mu.Lock()
	if s.client == conn {
		// The emulator stays; a later reconnect resumes
		// without loss.
		s.client = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}
