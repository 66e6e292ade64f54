// Package session implements the passthrough sessions that couple a
// child process to a terminal emulator, over a direct PTY or a
// shepherd socket, and present the uniform handle the orchestrator
// drives.
package session

import (
	"bytes"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kbtz-tools/kbtz-workspace/internal/infra/vt"
)

// resetModes reverts terminal input modes a child may have left set,
// so they do not leak into tree mode or another session.
const resetModes = "\x1b[m" + // reset SGR attributes
	"\x1b[?1000l\x1b[?1002l\x1b[?1003l\x1b[?1006l" + // mouse tracking off
	"\x1b[?1004l" + // focus events off
	"\x1b[?2004l" + // bracketed paste off
	"\x1b[?1l" + // normal cursor keys
	"\x1b>" + // normal keypad
	"\x1b[?25h" // show cursor

// passthrough is the state shared between a session's reader goroutine
// and the main thread: the emulator (mutex-guarded) and the forwarding
// flag (written by main, read lock-free by the reader).
type passthrough struct {
	emu        *vt.Emulator
	stdout     io.Writer
	mu         sync.Mutex
	forwarding atomic.Bool
	scrollSnap *vt.Snapshot
}

func newPassthrough(rows, cols uint16, stdout io.Writer) *passthrough {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &passthrough{
		emu:    vt.New(rows, cols),
		stdout: stdout,
	}
}

// feed is the reader goroutine's per-chunk duty: every byte goes to
// the emulator in order; raw bytes additionally reach stdout only
// while the session is displayed and not frozen in scroll mode. The
// flag check and the raw write stay under the same guard as the
// transition render, so a chunk is either part of the repaint or
// forwarded after it, never dropped between the two.
func (p *passthrough) feed(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emu.Process(chunk)
	if p.forwarding.Load() {
		_, _ = p.stdout.Write(chunk)
	}
}

// startForwarding repaints the terminal from the emulator's current
// visible state, then goes live. The repaint uses absolute cursor
// addressing per row, never CR LF, because the workspace keeps a
// scroll region reserving the status bar.
func (p *passthrough) startForwarding() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	vt.TransitionRender(&buf, p.emu.Screen())
	_, _ = p.stdout.Write(buf.Bytes())
	p.forwarding.Store(true)
}

func (p *passthrough) stopForwarding() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwarding.Store(false)
	_, _ = io.WriteString(p.stdout, resetModes)
}

// enterScrollMode freezes a snapshot of the main grid (via the mode-47
// flip when the child is on the alt screen) and halts raw forwarding.
// The live emulator keeps consuming bytes in the background. Returns
// the scrollback depth available for paging.
func (p *passthrough) enterScrollMode() int {
	p.mu.Lock()
	p.forwarding.Store(false)
	snap := p.emu.CloneMainScreen()
	p.mu.Unlock()

	p.scrollSnap = &snap
	return len(snap.Scrollback)
}

// exitScrollMode re-syncs the terminal to the live emulator.
func (p *passthrough) exitScrollMode() {
	p.scrollSnap = nil

	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	vt.TransitionRender(&buf, p.emu.Screen())
	_, _ = p.stdout.Write(buf.Bytes())
	p.forwarding.Store(true)
}

// renderScrollback paints the frozen snapshot at the given offset.
func (p *passthrough) renderScrollback(offset int) {
	snap := p.scrollSnap
	if snap == nil {
		return
	}
	var buf bytes.Buffer
	vt.RenderScrollbackView(&buf, *snap, offset)
	_, _ = p.stdout.Write(buf.Bytes())
}

// scrollbackDepth reads the live emulator's saved-row count.
func (p *passthrough) scrollbackDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emu.ScrollbackLen()
}

// resize applies a size to the emulator (both grids).
func (p *passthrough) resize(rows, cols uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emu.ResizeBoth(rows, cols)
}

// mouseTracking reports whether the child enabled mouse reporting.
func (p *passthrough) mouseTracking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emu.TermModes().MouseTracking()
}

// restoreSequence serializes the emulator state for reconnects.
func (p *passthrough) restoreSequence() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emu.RestoreSequence()
}
