package vt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func screenText(snap Snapshot) []string {
	lines := make([]string, len(snap.Lines))
	for i, l := range snap.Lines {
		lines[i] = l.Text()
	}
	return lines
}

func visibleText(e *Emulator) string {
	return strings.Join(screenText(e.Screen()), "\n")
}

func feed(e *Emulator, s string) {
	e.Process([]byte(s))
}

func TestPlainText(t *testing.T) {
	e := New(5, 20)
	feed(e, "hello world")
	snap := e.Screen()
	assert.Equal(t, "hello world", snap.Lines[0].Text())

	row, col := e.Cursor()
	assert.Equal(t, 0, row)
	assert.Equal(t, 11, col)
}

func TestCRLFAndScroll(t *testing.T) {
	e := New(3, 20)
	feed(e, "one\r\ntwo\r\nthree\r\nfour")

	snap := e.Screen()
	assert.Equal(t, []string{"two", "three", "four"}, screenText(snap))
	assert.Equal(t, 1, e.ScrollbackLen())
	assert.Equal(t, "one", snap.Scrollback[0].Text())
}

func TestCursorPositioning(t *testing.T) {
	e := New(10, 20)
	feed(e, "\x1b[3;5Hx")
	snap := e.Screen()
	assert.Equal(t, "    x", snap.Lines[2].Text())

	feed(e, "\x1b[2A\x1b[3D") // up 2, left 3
	row, col := e.Cursor()
	assert.Equal(t, 0, row)
	assert.Equal(t, 2, col)

	feed(e, "\x1b[2B\x1b[4C") // down 2, right 4
	row, col = e.Cursor()
	assert.Equal(t, 2, row)
	assert.Equal(t, 6, col)
}

func TestEraseLine(t *testing.T) {
	e := New(3, 20)
	feed(e, "abcdefgh\x1b[1;4H")

	feed(e, "\x1b[K") // to end
	assert.Equal(t, "abc", e.Screen().Lines[0].Text())

	feed(e, "\x1b[1;20Habcdefgh") // rewrite elsewhere is clamped; reset line
	e = New(3, 20)
	feed(e, "abcdefgh\x1b[1;4H\x1b[1K") // start through cursor
	assert.Equal(t, "    efgh", e.Screen().Lines[0].Text())

	e = New(3, 20)
	feed(e, "abcdefgh\x1b[2K")
	assert.Equal(t, "", e.Screen().Lines[0].Text())
}

func TestEraseDisplayModes(t *testing.T) {
	e := New(3, 10)
	feed(e, "aaa\r\nbbb\r\nccc\x1b[2;2H")

	feed(e, "\x1b[0J")
	assert.Equal(t, []string{"aaa", "b", ""}, screenText(e.Screen()))

	e = New(3, 10)
	feed(e, "aaa\r\nbbb\r\nccc\x1b[2;2H\x1b[1J")
	assert.Equal(t, []string{"", "  b", "ccc"}, screenText(e.Screen()))

	e = New(3, 10)
	feed(e, "aaa\r\nbbb\r\nccc\x1b[2J")
	assert.Equal(t, []string{"", "", ""}, screenText(e.Screen()))
}

// Scenario F: CSI 3 J drops scrollback, visible screen unchanged.
func TestEraseSavedLines(t *testing.T) {
	e := New(5, 40)
	for i := 0; i < 500; i++ {
		feed(e, fmt.Sprintf("row %d\r\n", i))
	}
	require.Greater(t, e.ScrollbackLen(), 0)
	before := visibleText(e)

	feed(e, "\x1b[3J")

	assert.Zero(t, e.ScrollbackLen())
	assert.Equal(t, before, visibleText(e))
}

func TestScrollRegion(t *testing.T) {
	e := New(5, 10)
	feed(e, "top\x1b[2;4r") // reserve row 1 and row 5
	feed(e, "\x1b[4;1Ha\r\nb\r\nc")

	// Row 0 keeps "top"; the region scrolled within rows 2-4.
	snap := e.Screen()
	assert.Equal(t, "top", snap.Lines[0].Text())
	// Region scrolls must not push into scrollback.
	assert.Zero(t, e.ScrollbackLen())
}

func TestAltScreen1049ClearsAltAnd47DoesNot(t *testing.T) {
	e := New(4, 20)
	feed(e, "main content")

	feed(e, "\x1b[?1049h")
	assert.True(t, e.AltActive())
	assert.Equal(t, "", e.Screen().Lines[0].Text())

	feed(e, "alt stuff")
	assert.Equal(t, "alt stuff", e.Screen().Lines[0].Text())

	// Flip out and back with 47: content must survive.
	feed(e, "\x1b[?47l")
	assert.False(t, e.AltActive())
	assert.Equal(t, "main content", e.Screen().Lines[0].Text())
	feed(e, "\x1b[?47h")
	assert.True(t, e.AltActive())
	assert.Equal(t, "alt stuff", e.Screen().Lines[0].Text())

	// Re-entry via 1049 wipes the alt grid.
	feed(e, "\x1b[?1049l\x1b[?1049h")
	assert.Equal(t, "", e.Screen().Lines[0].Text())
}

func TestCloneMainScreenWhileAlt(t *testing.T) {
	e := New(4, 20)
	feed(e, "main content\x1b[?1049halt content")

	snap := e.CloneMainScreen()
	assert.False(t, snap.Alt)
	assert.Equal(t, "main content", snap.Lines[0].Text())

	// The flag flip must be invisible afterwards.
	assert.True(t, e.AltActive())
	assert.Equal(t, "alt content", e.Screen().Lines[0].Text())
}

func TestAltGridHasNoScrollback(t *testing.T) {
	e := New(3, 20)
	feed(e, "\x1b[?1049h")
	for i := 0; i < 10; i++ {
		feed(e, fmt.Sprintf("alt %d\r\n", i))
	}
	assert.Zero(t, len(e.alt.scrollback))
	feed(e, "\x1b[?1049l")
	assert.Zero(t, e.ScrollbackLen())
}

func TestModes(t *testing.T) {
	e := New(4, 20)
	feed(e, "\x1b[?1000h\x1b[?1002h\x1b[?1006h\x1b[?2004h\x1b[?1004h\x1b[?1h\x1b=\x1b[?25l")

	m := e.TermModes()
	assert.True(t, m.MousePress)
	assert.True(t, m.MouseDrag)
	assert.True(t, m.MouseSGR)
	assert.True(t, m.BracketedPaste)
	assert.True(t, m.FocusEvents)
	assert.True(t, m.CursorKeys)
	assert.True(t, m.Keypad)
	assert.True(t, m.CursorHidden)
	assert.True(t, m.MouseTracking())

	feed(e, "\x1b[?1000l\x1b[?1002l\x1b[?25h")
	m = e.TermModes()
	assert.False(t, m.MouseTracking())
	assert.False(t, m.CursorHidden)
}

func TestSGRAttributes(t *testing.T) {
	e := New(2, 40)
	feed(e, "\x1b[1;31mred bold\x1b[0m plain")

	snap := e.Screen()
	c := snap.Lines[0].Cells[0]
	assert.Equal(t, AttrBold, c.Pen.Attrs&AttrBold)
	assert.Equal(t, IndexedColor(1), c.Pen.FG)

	// After the reset, cells carry the default pen.
	c = snap.Lines[0].Cells[10]
	assert.True(t, c.Pen.IsDefault())
}

func TestSGRExtendedColors(t *testing.T) {
	e := New(2, 40)
	feed(e, "\x1b[38;5;208mx\x1b[48;2;10;20;30my")

	snap := e.Screen()
	assert.Equal(t, IndexedColor(208), snap.Lines[0].Cells[0].Pen.FG)
	assert.Equal(t, RGBColor(10, 20, 30), snap.Lines[0].Cells[1].Pen.BG)
}

func TestWideRunes(t *testing.T) {
	e := New(2, 10)
	feed(e, "日本")

	snap := e.Screen()
	assert.Equal(t, uint8(2), snap.Lines[0].Cells[0].Width)
	assert.Equal(t, uint8(0), snap.Lines[0].Cells[1].Width)
	assert.Equal(t, "日本", snap.Lines[0].Text())

	_, col := e.Cursor()
	assert.Equal(t, 4, col)
}

func TestWrapAndReflow(t *testing.T) {
	e := New(4, 10)
	feed(e, "abcdefghijklmno") // wraps at col 10

	snap := e.Screen()
	assert.Equal(t, "abcdefghij", snap.Lines[0].Text())
	assert.Equal(t, "klmno", snap.Lines[1].Text())
	assert.True(t, snap.Lines[0].Wrapped)

	// Widen: the halves rejoin.
	e.ResizeBoth(4, 20)
	snap = e.Screen()
	assert.Equal(t, "abcdefghijklmno", snap.Lines[0].Text())
	assert.Equal(t, "", snap.Lines[1].Text())
}

func TestOSCSwallowed(t *testing.T) {
	e := New(2, 40)
	feed(e, "\x1b]0;window title\x07visible")
	feed(e, "\x1b]8;;http://example.com\x1b\\link")
	assert.Equal(t, "visiblelink", e.Screen().Lines[0].Text())
}

func TestSplitEscapeAcrossChunks(t *testing.T) {
	e := New(2, 40)
	e.Process([]byte("a\x1b["))
	e.Process([]byte("1;3"))
	e.Process([]byte("1mb"))
	snap := e.Screen()
	assert.Equal(t, "ab", snap.Lines[0].Text())
	assert.Equal(t, IndexedColor(1), snap.Lines[0].Cells[1].Pen.FG)
}

func TestSplitUTF8AcrossChunks(t *testing.T) {
	e := New(2, 40)
	raw := []byte("héllo")
	e.Process(raw[:2]) // split inside é
	e.Process(raw[2:])
	assert.Equal(t, "héllo", e.Screen().Lines[0].Text())
}

// Scenario E: resizes between snapshots leave no residue from the
// other width, and the reported cursor matches the emulator's record.
func TestResizeNoResidue(t *testing.T) {
	e := New(10, 120)
	for i := 0; i < 50; i++ {
		feed(e, fmt.Sprintf("line %d some extended content to fill the width out\r\n", i))
	}

	e.ResizeBoth(10, 80)
	snapA := e.Screen()
	for _, l := range snapA.Lines {
		assert.LessOrEqual(t, len(l.trimmed()), 80)
	}
	assert.Equal(t, snapA.CursorRow, e.cur.row)
	assert.Equal(t, snapA.CursorCol, e.cur.col)

	e.ResizeBoth(10, 140)
	snapB := e.Screen()
	for _, l := range snapB.Lines {
		assert.LessOrEqual(t, len(l.trimmed()), 140)
	}
	assert.Equal(t, snapB.CursorRow, e.cur.row)
	assert.Equal(t, snapB.CursorCol, e.cur.col)
}

func TestRestoreSequencePreservesScreenAndScrollback(t *testing.T) {
	src := New(5, 40)
	for i := 0; i < 20; i++ {
		feed(src, fmt.Sprintf("line %d\r\n", i))
	}
	feed(src, "visible content")
	require.Greater(t, src.ScrollbackLen(), 0)

	dst := New(5, 40)
	dst.Process(src.RestoreSequence())

	assert.Equal(t, visibleText(src), visibleText(dst))
	assert.Equal(t, src.ScrollbackLen(), dst.ScrollbackLen())

	// Order preserved: oldest row first.
	assert.Equal(t, src.Screen().Scrollback[0].Text(), dst.Screen().Scrollback[0].Text())

	srcRow, srcCol := src.Cursor()
	dstRow, dstCol := dst.Cursor()
	assert.Equal(t, srcRow, dstRow)
	assert.Equal(t, srcCol, dstCol)
}

func TestRestoreSequenceWithAltScreen(t *testing.T) {
	src := New(5, 40)
	for i := 0; i < 20; i++ {
		feed(src, fmt.Sprintf("main line %d\r\n", i))
	}
	feed(src, "\x1b[?1049halt content")
	require.True(t, src.AltActive())

	dst := New(5, 40)
	dst.Process(src.RestoreSequence())

	assert.True(t, dst.AltActive())
	assert.Equal(t, "alt content", dst.Screen().Lines[0].Text())

	// Back on main, scrollback must have survived.
	feed(dst, "\x1b[?47l")
	assert.Greater(t, dst.ScrollbackLen(), 0)
}

func TestRestoreSequenceNoScrollback(t *testing.T) {
	src := New(10, 40)
	feed(src, "hello world")

	dst := New(10, 40)
	dst.Process(src.RestoreSequence())

	assert.Equal(t, visibleText(src), visibleText(dst))
	assert.Zero(t, dst.ScrollbackLen())
}

func TestRestoreSequencePreservesModes(t *testing.T) {
	src := New(5, 40)
	feed(src, "\x1b[?1000h\x1b[?2004h\x1b[?25l")

	dst := New(5, 40)
	dst.Process(src.RestoreSequence())

	m := dst.TermModes()
	assert.True(t, m.MousePress)
	assert.True(t, m.BracketedPaste)
	assert.True(t, m.CursorHidden)
}

func TestScrollbackBounded(t *testing.T) {
	e := NewWithScrollback(3, 10, 50)
	for i := 0; i < 200; i++ {
		feed(e, fmt.Sprintf("%d\r\n", i))
	}
	assert.Equal(t, 50, e.ScrollbackLen())
	// Oldest retained row is 200-50-(3-1) = 148.
	assert.Equal(t, "148", e.Screen().Scrollback[0].Text())
}

func TestTransitionRenderAvoidsNewlines(t *testing.T) {
	e := New(4, 20)
	feed(e, "one\r\ntwo\r\nthree")

	var buf bytes.Buffer
	TransitionRender(&buf, e.Screen())
	out := buf.String()

	assert.NotContains(t, out, "\r\n")
	assert.Contains(t, out, "\x1b[1;1H\x1b[K")
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "three")
}

func TestRenderScrollbackViewResetsBetweenRows(t *testing.T) {
	e := New(3, 20)
	feed(e, "\x1b[31mred\x1b[0m\r\nplain\r\nmore\r\nlast")

	var buf bytes.Buffer
	RenderScrollbackView(&buf, e.CloneMainScreen(), 1)
	out := buf.String()

	assert.Contains(t, out, "\x1b[0m\x1b[1;1H\x1b[K")
	assert.Contains(t, out, "red")
}

func TestRenderRowMinimalSGR(t *testing.T) {
	e := New(2, 20)
	feed(e, "plain")

	var buf bytes.Buffer
	RenderRow(&buf, e.Screen().Lines[0])
	assert.Equal(t, "plain", buf.String())

	buf.Reset()
	e2 := New(2, 20)
	feed(e2, "\x1b[1mx")
	RenderRow(&buf, e2.Screen().Lines[0])
	assert.Equal(t, "\x1b[0;1mx\x1b[0m", buf.String())
}
