package vt

import (
	"unicode/utf8"
)

// MaxScrollback is the scrollback bound of the main grid. The alt grid
// keeps none.
const MaxScrollback = 10_000

// Modes holds the terminal modes owned by the screen.
type Modes struct {
	CursorHidden   bool
	CursorKeys     bool // DECCKM (application cursor keys)
	Keypad         bool // application keypad
	MousePress     bool // DECSET 1000
	MouseDrag      bool // DECSET 1002
	MouseMotion    bool // DECSET 1003
	MouseSGR       bool // DECSET 1006
	FocusEvents    bool // DECSET 1004
	BracketedPaste bool // DECSET 2004
}

// MouseTracking reports whether any mouse reporting mode is active.
func (m Modes) MouseTracking() bool {
	return m.MousePress || m.MouseDrag || m.MouseMotion
}

type parserState uint8

const (
	stateGround parserState = iota
	stateEsc
	stateCSI
	stateOSC
	stateOSCEsc   // saw ESC inside OSC, expecting '\'
	stateCharset  // ESC ( etc.: swallow one designator byte
)

type cursor struct {
	row, col    int
	pendingWrap bool
}

// Emulator consumes a child's byte stream and maintains the two-grid
// screen model. It is not goroutine-safe; the owning session guards it
// with a mutex.
type Emulator struct {
	main *grid
	alt  *grid

	cur       cursor
	savedMain cursor
	savedAlt  cursor
	pen       Pen
	savedPen  Pen

	// Scroll region, inclusive rows. Reset on resize.
	regionTop    int
	regionBottom int

	modes     Modes
	altActive bool

	state     parserState
	csiParams []byte
	csiInter  []byte
	utf8Buf   []byte
}

// New creates an emulator at the given size with the default
// scrollback bound on the main grid.
func New(rows, cols uint16) *Emulator {
	return NewWithScrollback(rows, cols, MaxScrollback)
}

// NewWithScrollback creates an emulator with an explicit main-grid
// scrollback bound, for tests. Sessions and the shepherd use New.
func NewWithScrollback(rows, cols uint16, scrollback int) *Emulator {
	r, c := int(rows), int(cols)
	if r < 1 {
		r = 1
	}
	if c < 1 {
		c = 1
	}
	return &Emulator{
		main:         newGrid(r, c, scrollback),
		alt:          newGrid(r, c, 0),
		regionTop:    0,
		regionBottom: r - 1,
	}
}

func (e *Emulator) active() *grid {
	if e.altActive {
		return e.alt
	}
	return e.main
}

// Size returns the current dimensions.
func (e *Emulator) Size() (rows, cols uint16) {
	return uint16(e.main.rows), uint16(e.main.cols)
}

// Cursor returns the cursor position on the visible grid.
func (e *Emulator) Cursor() (row, col int) {
	return e.cur.row, e.cur.col
}

// AltActive reports whether the alt grid is visible.
func (e *Emulator) AltActive() bool {
	return e.altActive
}

// TermModes returns the current terminal modes.
func (e *Emulator) TermModes() Modes {
	return e.modes
}

// ScrollbackLen is the number of saved main-grid rows.
func (e *Emulator) ScrollbackLen() int {
	return len(e.main.scrollback)
}

// Process consumes bytes, updating grids, cursor, and modes.
func (e *Emulator) Process(p []byte) {
	for i := 0; i < len(p); i++ {
		b := p[i]
		switch e.state {
		case stateGround:
			e.processGround(b)
		case stateEsc:
			e.processEsc(b)
		case stateCSI:
			e.processCSIByte(b)
		case stateOSC:
			if b == 0x07 {
				e.state = stateGround
			} else if b == 0x1b {
				e.state = stateOSCEsc
			}
		case stateOSCEsc:
			if b == '\\' {
				e.state = stateGround
			} else {
				e.state = stateOSC
			}
		case stateCharset:
			e.state = stateGround
		}
	}
}

func (e *Emulator) processGround(b byte) {
	switch {
	case b == 0x1b:
		e.utf8Buf = e.utf8Buf[:0]
		e.state = stateEsc
	case b == '\r':
		e.cur.col = 0
		e.cur.pendingWrap = false
	case b == '\n', b == 0x0b, b == 0x0c:
		e.lineFeed()
	case b == 0x08:
		if e.cur.col > 0 {
			e.cur.col--
		}
		e.cur.pendingWrap = false
	case b == '\t':
		next := (e.cur.col/8 + 1) * 8
		if next >= e.active().cols {
			next = e.active().cols - 1
		}
		e.cur.col = next
	case b == 0x07, b < 0x20:
		// BEL and remaining C0 controls are ignored.
	default:
		e.utf8Buf = append(e.utf8Buf, b)
		if !utf8.FullRune(e.utf8Buf) && len(e.utf8Buf) < utf8.UTFMax {
			return
		}
		r, _ := utf8.DecodeRune(e.utf8Buf)
		e.utf8Buf = e.utf8Buf[:0]
		if r == utf8.RuneError {
			r = '�'
		}
		e.printRune(r)
	}
}

func (e *Emulator) printRune(r rune) {
	g := e.active()
	w := runeCellWidth(r)

	if e.cur.pendingWrap {
		g.line(e.cur.row).Wrapped = true
		e.cur.col = 0
		e.cur.pendingWrap = false
		e.lineFeed()
	}
	if e.cur.col+w > g.cols {
		// Wide rune at the last column: wrap early.
		g.line(e.cur.row).Wrapped = true
		e.cur.col = 0
		e.lineFeed()
	}

	cell := g.cell(e.cur.row, e.cur.col)
	*cell = Cell{Rune: r, Pen: e.pen, Width: uint8(w)}
	if w == 2 && e.cur.col+1 < g.cols {
		*g.cell(e.cur.row, e.cur.col+1) = Cell{Rune: 0, Pen: e.pen, Width: 0}
	}

	e.cur.col += w
	if e.cur.col >= g.cols {
		// Deferred wrap: stay on the last column until the next
		// printable forces the line break.
		e.cur.col = g.cols - 1
		e.cur.pendingWrap = true
	}
}

// lineFeed moves down one row, scrolling the region when the cursor
// sits on its bottom row.
func (e *Emulator) lineFeed() {
	e.cur.pendingWrap = false
	if e.cur.row == e.regionBottom {
		e.active().scrollUp(e.regionTop, e.regionBottom, 1, e.pen)
		return
	}
	if e.cur.row < e.active().rows-1 {
		e.cur.row++
	}
}

// reverseLineFeed moves up one row, scrolling down at the region top.
func (e *Emulator) reverseLineFeed() {
	e.cur.pendingWrap = false
	if e.cur.row == e.regionTop {
		e.active().scrollDown(e.regionTop, e.regionBottom, 1, e.pen)
		return
	}
	if e.cur.row > 0 {
		e.cur.row--
	}
}

func (e *Emulator) processEsc(b byte) {
	switch b {
	case '[':
		e.csiParams = e.csiParams[:0]
		e.csiInter = e.csiInter[:0]
		e.state = stateCSI
	case ']':
		e.state = stateOSC
	case '7':
		e.saveCursor()
		e.state = stateGround
	case '8':
		e.restoreCursor()
		e.state = stateGround
	case 'D':
		e.lineFeed()
		e.state = stateGround
	case 'M':
		e.reverseLineFeed()
		e.state = stateGround
	case 'E':
		e.cur.col = 0
		e.lineFeed()
		e.state = stateGround
	case '=':
		e.modes.Keypad = true
		e.state = stateGround
	case '>':
		e.modes.Keypad = false
		e.state = stateGround
	case 'c':
		e.reset()
		e.state = stateGround
	case '(', ')', '*', '+', '#', '%':
		// Charset designators carry one more byte.
		e.state = stateCharset
	default:
		e.state = stateGround
	}
}

func (e *Emulator) saveCursor() {
	if e.altActive {
		e.savedAlt = e.cur
	} else {
		e.savedMain = e.cur
	}
	e.savedPen = e.pen
}

func (e *Emulator) restoreCursor() {
	if e.altActive {
		e.cur = e.savedAlt
	} else {
		e.cur = e.savedMain
	}
	e.pen = e.savedPen
	e.clampCursor()
}

func (e *Emulator) reset() {
	rows, cols := e.main.rows, e.main.cols
	sb := e.main.maxScrollback
	*e = *NewWithScrollback(uint16(rows), uint16(cols), sb)
}

func (e *Emulator) clampCursor() {
	g := e.active()
	if e.cur.row >= g.rows {
		e.cur.row = g.rows - 1
	}
	if e.cur.row < 0 {
		e.cur.row = 0
	}
	if e.cur.col >= g.cols {
		e.cur.col = g.cols - 1
	}
	if e.cur.col < 0 {
		e.cur.col = 0
	}
}

// enterAlt switches to the alt grid. With clear (mode 1049) the alt
// grid is wiped and the cursor saved; with mode 47 the alt grid keeps
// its content.
func (e *Emulator) enterAlt(clear bool) {
	if e.altActive {
		if clear {
			e.alt.eraseAll(Pen{})
		}
		return
	}
	if clear {
		e.saveCursor()
	}
	e.savedMain = e.cur
	e.altActive = true
	if clear {
		e.alt.eraseAll(Pen{})
		e.cur = cursor{}
	} else {
		e.cur = e.savedAlt
	}
	e.clampCursor()
}

// exitAlt switches back to the main grid.
func (e *Emulator) exitAlt(restore bool) {
	if !e.altActive {
		return
	}
	e.savedAlt = e.cur
	e.altActive = false
	e.cur = e.savedMain
	if restore {
		e.restoreCursor()
	}
	e.clampCursor()
}

// ResizeBoth resizes both grids so content stays coherent when the
// child later toggles alt screens. The inactive grid is reached by
// flipping mode 47, which does not clear it.
func (e *Emulator) ResizeBoth(rows, cols uint16) {
	r, c := int(rows), int(cols)
	if r < 1 {
		r = 1
	}
	if c < 1 {
		c = 1
	}

	wasAlt := e.altActive
	if wasAlt {
		// Expose the main grid, resize it, then restore the flag.
		e.exitAlt(false)
		e.resizeActive(r, c)
		e.enterAlt(false)
		e.resizeActive(r, c)
	} else {
		e.resizeActive(r, c)
		e.enterAlt(false)
		e.resizeActive(r, c)
		e.exitAlt(false)
	}

	e.regionTop = 0
	e.regionBottom = r - 1
	e.clampCursor()
}

func (e *Emulator) resizeActive(rows, cols int) {
	g := e.active()

	// Keep the cursor attached to its content row through the reflow:
	// count how many visible rows precede it, re-anchor afterwards.
	aboveBefore := len(g.scrollback) + e.cur.row
	g.resize(rows, cols)
	row := aboveBefore - len(g.scrollback)
	if row < 0 {
		row = 0
	}
	if row >= rows {
		row = rows - 1
	}
	e.cur.row = row
	if e.cur.col >= cols {
		e.cur.col = cols - 1
	}
	e.cur.pendingWrap = false
}
