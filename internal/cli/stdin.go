package cli

import (
	"io"
	"os"
	"sync"
)

// stdinPump is the single reader of os.Stdin for the whole workspace.
// Tree mode (bubbletea, via WithInput) and zoomed mode (raw chunks)
// alternate on the same stream; one pump goroutine prevents the two
// consumers from stealing bytes from each other.
type stdinPump struct {
	ch       chan []byte
	mu       sync.Mutex
	leftover []byte
	closed   bool
}

func newStdinPump() *stdinPump {
	p := &stdinPump{ch: make(chan []byte, 16)}
	go p.run()
	return p
}

func (p *stdinPump) run() {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.ch <- chunk
		}
		if err != nil {
			close(p.ch)
			return
		}
	}
}

// Chunks exposes the raw channel for the zoomed-mode loop.
func (p *stdinPump) Chunks() <-chan []byte {
	return p.ch
}

// Read implements io.Reader for bubbletea's WithInput. It blocks until
// at least one byte is available.
func (p *stdinPump) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.leftover) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		chunk, ok := <-p.ch
		if !ok {
			p.closed = true
			return 0, io.EOF
		}
		p.leftover = chunk
	}
	n := copy(b, p.leftover)
	p.leftover = p.leftover[n:]
	return n, nil
}
