package shepherd

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a shepherd around a shell child and waits for its
// socket to appear.
func startServer(t *testing.T, script string) (socketPath, pidPath string, done chan error) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "test.sock")
	pidPath = filepath.Join(dir, "test.pid")

	done = make(chan error, 1)
	go func() {
		done <- Run(Options{
			SocketPath: socketPath,
			PidPath:    pidPath,
			Rows:       10,
			Cols:       40,
			Command:    "sh",
			Args:       []string{"-c", script},
		})
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	return socketPath, pidPath, done
}

// connect performs the client handshake: Resize out, InitialState in.
func connect(t *testing.T, socketPath string) (net.Conn, Message) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(conn, Message{Type: Resize, Rows: 10, Cols: 40}))

	initial, err := ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, InitialState, initial.Type)
	return conn, initial
}

func TestServerHandshakeAndOutput(t *testing.T) {
	socketPath, pidPath, done := startServer(t, "printf hello-from-child; sleep 5")

	conn, _ := connect(t, socketPath)
	defer conn.Close()

	// PID file holds the shepherd's PID.
	pid, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.NotEmpty(t, pid)

	// Output produced before the connect arrives via InitialState or
	// as PtyOutput; either way the child's text reaches us.
	var seen []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		msg, err := ReadMessage(conn)
		if err == nil && msg.Type == PtyOutput {
			seen = append(seen, msg.Data...)
		}
		if containsBytes(seen, "hello-from-child") {
			break
		}
	}
	// Shut the child down so Run finishes.
	_ = conn.SetReadDeadline(time.Time{})
	require.NoError(t, WriteMessage(conn, Message{Type: Shutdown}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shepherd did not exit after Shutdown")
	}

	// Socket and PID files are cleaned up on exit.
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServerInitialStateCarriesEarlierOutput(t *testing.T) {
	socketPath, _, done := startServer(t, "printf early-output; sleep 5")

	// Give the child time to write before anyone connects.
	time.Sleep(300 * time.Millisecond)

	conn, initial := connect(t, socketPath)
	defer conn.Close()

	assert.True(t, containsBytes(initial.Data, "early-output"),
		"InitialState must replay output produced before connect")

	require.NoError(t, WriteMessage(conn, Message{Type: Shutdown}))
	<-done
}

func TestServerInputReachesChild(t *testing.T) {
	socketPath, _, done := startServer(t, "read line; printf \"got:%s\" \"$line\"")

	conn, _ := connect(t, socketPath)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Message{Type: PtyInput, Data: []byte("ping\r")}))

	var seen []byte
	require.Eventually(t, func() bool {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		msg, err := ReadMessage(conn)
		if err == nil && msg.Type == PtyOutput {
			seen = append(seen, msg.Data...)
		}
		return containsBytes(seen, "got:ping")
	}, 5*time.Second, 10*time.Millisecond)

	<-done
}

func TestServerSurvivesClientDisconnect(t *testing.T) {
	socketPath, _, done := startServer(t, "printf first; sleep 5")

	conn1, _ := connect(t, socketPath)
	_ = conn1.Close()

	// Reconnect: the emulator survived, the replay still holds the
	// child's output.
	time.Sleep(100 * time.Millisecond)
	conn2, initial := connect(t, socketPath)
	defer conn2.Close()
	assert.True(t, containsBytes(initial.Data, "first"))

	require.NoError(t, WriteMessage(conn2, Message{Type: Shutdown}))
	<-done
}

func containsBytes(haystack []byte, needle string) bool {
	return bytes.Contains(haystack, []byte(needle))
}
