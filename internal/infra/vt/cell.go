// Package vt implements the in-memory terminal emulator behind every
// session: a VT parser over two grids (main with bounded scrollback,
// alt without), reflow on resize, snapshotting for scroll mode, and
// serialization of the full state into a replayable byte stream.
package vt

import (
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
)

// colorKind discriminates Color values.
type colorKind uint8

const (
	colorDefault colorKind = iota
	colorIndexed
	colorRGB
)

// Color is a terminal color: default, 256-indexed, or 24-bit.
type Color struct {
	kind colorKind
	idx  uint8
	r    uint8
	g    uint8
	b    uint8
}

// DefaultColor is the terminal's configured default.
var DefaultColor = Color{}

// IndexedColor returns a palette color.
func IndexedColor(idx uint8) Color {
	return Color{kind: colorIndexed, idx: idx}
}

// RGBColor returns a 24-bit color.
func RGBColor(r, g, b uint8) Color {
	return Color{kind: colorRGB, r: r, g: g, b: b}
}

// Attr is a bitset of SGR text attributes.
type Attr uint8

const (
	AttrBold Attr = 1 << iota
	AttrDim
	AttrItalic
	AttrUnderline
	AttrInverse
)

// Pen is the active rendition applied to written cells.
type Pen struct {
	FG    Color
	BG    Color
	Attrs Attr
}

// IsDefault reports whether the pen equals the reset state.
func (p Pen) IsDefault() bool {
	return p == Pen{}
}

// sgr renders the escape sequence that switches a terminal from the
// reset state to this pen.
func (p Pen) sgr() string {
	if p.IsDefault() {
		return "\x1b[0m"
	}
	parts := []string{"0"}
	if p.Attrs&AttrBold != 0 {
		parts = append(parts, "1")
	}
	if p.Attrs&AttrDim != 0 {
		parts = append(parts, "2")
	}
	if p.Attrs&AttrItalic != 0 {
		parts = append(parts, "3")
	}
	if p.Attrs&AttrUnderline != 0 {
		parts = append(parts, "4")
	}
	if p.Attrs&AttrInverse != 0 {
		parts = append(parts, "7")
	}
	parts = append(parts, colorParams(p.FG, false)...)
	parts = append(parts, colorParams(p.BG, true)...)
	return "\x1b[" + strings.Join(parts, ";") + "m"
}

func colorParams(c Color, background bool) []string {
	base := 38
	if background {
		base = 48
	}
	switch c.kind {
	case colorIndexed:
		if c.idx < 8 {
			return []string{strconv.Itoa(base - 8 + int(c.idx))}
		}
		return []string{strconv.Itoa(base), "5", strconv.Itoa(int(c.idx))}
	case colorRGB:
		return []string{strconv.Itoa(base), "2",
			strconv.Itoa(int(c.r)), strconv.Itoa(int(c.g)), strconv.Itoa(int(c.b))}
	default:
		return nil
	}
}

// Cell is one grid position. Width 0 marks the spacer cell behind a
// double-width rune; width 2 marks the rune itself.
type Cell struct {
	Rune  rune
	Pen   Pen
	Width uint8
}

func blankCell(pen Pen) Cell {
	return Cell{Rune: ' ', Pen: pen, Width: 1}
}

// IsBlank reports a cell holding nothing visible with a default pen.
func (c Cell) IsBlank() bool {
	return (c.Rune == ' ' || c.Rune == 0) && c.Pen.IsDefault()
}

func runeCellWidth(r rune) int {
	w := runewidth.RuneWidth(r)
	if w < 1 {
		return 1
	}
	if w > 2 {
		return 2
	}
	return w
}

// Line is one grid row. Wrapped marks a soft wrap: the next row
// continues this logical line, which is what reflow rejoins.
type Line struct {
	Cells   []Cell
	Wrapped bool
}

func blankLine(cols int) Line {
	cells := make([]Cell, cols)
	for i := range cells {
		cells[i] = blankCell(Pen{})
	}
	return Line{Cells: cells}
}

// clone deep-copies the line.
func (l Line) clone() Line {
	cells := make([]Cell, len(l.Cells))
	copy(cells, l.Cells)
	return Line{Cells: cells, Wrapped: l.Wrapped}
}

// trimmed returns the cells up to the last non-blank one.
func (l Line) trimmed() []Cell {
	end := len(l.Cells)
	for end > 0 && l.Cells[end-1].IsBlank() {
		end--
	}
	return l.Cells[:end]
}

// Text returns the line's visible characters with trailing blanks
// removed, for tests and the tree view preview.
func (l Line) Text() string {
	var b strings.Builder
	for _, c := range l.trimmed() {
		if c.Width == 0 {
			continue
		}
		r := c.Rune
		if r == 0 {
			r = ' '
		}
		b.WriteRune(r)
	}
	return b.String()
}
