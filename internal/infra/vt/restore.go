package vt

import (
	"bytes"
	"fmt"
)

// Snapshot is a self-contained copy of one grid plus the state needed
// to render it: cursor, modes, and (for the main grid) scrollback.
type Snapshot struct {
	Lines      []Line
	Scrollback []Line
	Rows, Cols int
	CursorRow  int
	CursorCol  int
	Modes      Modes
	Alt        bool
}

// Screen returns a snapshot of the currently visible grid. Scrollback
// is included only when the main grid is visible.
func (e *Emulator) Screen() Snapshot {
	return e.snapshotGrid(e.active(), e.altActive)
}

// CloneMainScreen exposes the main grid regardless of which grid is
// active: the alt flag is flipped with mode 47 (which does not clear),
// the grid cloned, and the flag restored.
func (e *Emulator) CloneMainScreen() Snapshot {
	wasAlt := e.altActive
	if wasAlt {
		e.exitAlt(false)
	}
	snap := e.snapshotGrid(e.main, false)
	if wasAlt {
		e.enterAlt(false)
	}
	return snap
}

func (e *Emulator) snapshotGrid(g *grid, alt bool) Snapshot {
	snap := Snapshot{
		Rows:      g.rows,
		Cols:      g.cols,
		CursorRow: e.cur.row,
		CursorCol: e.cur.col,
		Modes:     e.modes,
		Alt:       alt,
	}
	snap.Lines = make([]Line, len(g.lines))
	for i, l := range g.lines {
		snap.Lines[i] = l.clone()
	}
	if !alt {
		snap.Scrollback = make([]Line, len(g.scrollback))
		for i, l := range g.scrollback {
			snap.Scrollback[i] = l.clone()
		}
	}
	return snap
}

// RenderRow appends one row's content with inline SGR transitions,
// ending in a reset so attributes never bleed into the next write.
func RenderRow(buf *bytes.Buffer, l Line) {
	pen := Pen{}
	dirty := false
	for _, c := range l.trimmed() {
		if c.Width == 0 {
			continue
		}
		if c.Pen != pen {
			buf.WriteString(c.Pen.sgr())
			pen = c.Pen
			dirty = true
		}
		r := c.Rune
		if r == 0 {
			r = ' '
		}
		buf.WriteRune(r)
	}
	if dirty || !pen.IsDefault() {
		buf.WriteString("\x1b[0m")
	}
}

// RestoreSequence emits a byte stream that reproduces this emulator's
// state in a fresh one: main scrollback first (oldest rows scroll off
// the top), then the main visible screen, then — when the alt grid is
// active — DECSET 47 and the alt screen. Mode 47 is used rather than
// 1049 because 1049 clears the alt grid on entry.
func (e *Emulator) RestoreSequence() []byte {
	var buf bytes.Buffer

	main := e.CloneMainScreen()

	// Phase 1: scrollback rows, oldest first. Each row ends in CR LF so
	// it scrolls off the top of the receiving emulator into scrollback.
	// The rows-1 padding feeds push the tail rows off screen too: with
	// N+rows-1 line feeds on a rows-high screen, exactly N rows scroll
	// into the receiver's scrollback before phase 2 clears the display.
	if len(main.Scrollback) > 0 {
		for _, l := range main.Scrollback {
			RenderRow(&buf, l)
			buf.WriteString("\r\n")
		}
		for i := 0; i < main.Rows-1; i++ {
			buf.WriteString("\r\n")
		}
	}

	// Phase 2: the main visible screen, after a clear so phase 1's
	// trailing rows do not mix into it.
	writeScreen(&buf, main)

	// Phase 3: the alt screen when active.
	if e.altActive {
		alt := e.Screen()
		buf.WriteString("\x1b[?47h")
		writeScreen(&buf, alt)
	}

	writeModes(&buf, e.modes)
	return buf.Bytes()
}

// writeScreen clears the display and repaints every row of the
// snapshot, leaving the cursor at the snapshot's position.
func writeScreen(buf *bytes.Buffer, snap Snapshot) {
	buf.WriteString("\x1b[H\x1b[2J")
	for row, l := range snap.Lines {
		if len(l.trimmed()) == 0 {
			continue
		}
		fmt.Fprintf(buf, "\x1b[%d;1H", row+1)
		RenderRow(buf, l)
	}
	fmt.Fprintf(buf, "\x1b[%d;%dH", snap.CursorRow+1, snap.CursorCol+1)
}

func writeModes(buf *bytes.Buffer, m Modes) {
	if m.CursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	if m.CursorKeys {
		buf.WriteString("\x1b[?1h")
	}
	if m.Keypad {
		buf.WriteString("\x1b=")
	}
	if m.MousePress {
		buf.WriteString("\x1b[?1000h")
	}
	if m.MouseDrag {
		buf.WriteString("\x1b[?1002h")
	}
	if m.MouseMotion {
		buf.WriteString("\x1b[?1003h")
	}
	if m.MouseSGR {
		buf.WriteString("\x1b[?1006h")
	}
	if m.FocusEvents {
		buf.WriteString("\x1b[?1004h")
	}
	if m.BracketedPaste {
		buf.WriteString("\x1b[?2004h")
	}
}

// TransitionRender rebuilds the terminal to match the snapshot without
// emitting CR LF: each row is addressed absolutely (CUP), erased (EL),
// and rewritten. A CR LF on the bottom row would scroll the region the
// workspace reserves for its status bar.
func TransitionRender(buf *bytes.Buffer, snap Snapshot) {
	for row := 0; row < snap.Rows; row++ {
		fmt.Fprintf(buf, "\x1b[%d;1H\x1b[K", row+1)
		RenderRow(buf, snap.Lines[row])
	}
	fmt.Fprintf(buf, "\x1b[%d;%dH", snap.CursorRow+1, snap.CursorCol+1)
	if snap.Modes.CursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
}

// RenderScrollbackView paints a frozen scroll-mode frame: the viewport
// shows the snapshot's combined scrollback+screen shifted up by
// offset rows. Every row gets an explicit reset and line erase so
// attributes cannot bleed between rows.
func RenderScrollbackView(buf *bytes.Buffer, snap Snapshot, offset int) {
	total := len(snap.Scrollback)
	if offset > total {
		offset = total
	}
	if offset < 0 {
		offset = 0
	}

	// Build the visible window: the last `offset` scrollback rows, then
	// screen rows to fill.
	window := make([]Line, 0, snap.Rows)
	start := total - offset
	for i := start; i < total && len(window) < snap.Rows; i++ {
		window = append(window, snap.Scrollback[i])
	}
	for i := 0; i < len(snap.Lines) && len(window) < snap.Rows; i++ {
		window = append(window, snap.Lines[i])
	}

	for row := 0; row < snap.Rows; row++ {
		fmt.Fprintf(buf, "\x1b[0m\x1b[%d;1H\x1b[K", row+1)
		if row < len(window) {
			RenderRow(buf, window[row])
		}
	}
	buf.WriteString("\x1b[?25l")
}
