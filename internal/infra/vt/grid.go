package vt

// grid is one screen surface: a rows x cols cell matrix plus an
// optional bounded scrollback. The main grid keeps scrollback; the alt
// grid is created with a zero bound.
type grid struct {
	lines         []Line
	scrollback    []Line
	rows, cols    int
	maxScrollback int
}

func newGrid(rows, cols, maxScrollback int) *grid {
	g := &grid{rows: rows, cols: cols, maxScrollback: maxScrollback}
	g.lines = make([]Line, rows)
	for i := range g.lines {
		g.lines[i] = blankLine(cols)
	}
	return g
}

func (g *grid) line(row int) *Line {
	return &g.lines[row]
}

func (g *grid) cell(row, col int) *Cell {
	return &g.lines[row].Cells[col]
}

// pushScrollback appends a line to the scrollback ring, dropping the
// oldest entry past the bound.
func (g *grid) pushScrollback(l Line) {
	if g.maxScrollback == 0 {
		return
	}
	g.scrollback = append(g.scrollback, l)
	if len(g.scrollback) > g.maxScrollback {
		// Re-slicing keeps appends cheap; the dropped head is reclaimed
		// when the backing array next grows.
		g.scrollback = g.scrollback[len(g.scrollback)-g.maxScrollback:]
	}
}

// clearScrollback discards saved lines, preserving the visible screen.
func (g *grid) clearScrollback() {
	g.scrollback = nil
}

// scrollUp removes count lines from the top of the region [top,bottom]
// and inserts blanks at the bottom. Lines leaving the top of a
// full-width region at row 0 enter the scrollback.
func (g *grid) scrollUp(top, bottom, count int, pen Pen) {
	if count <= 0 {
		return
	}
	if count > bottom-top+1 {
		count = bottom - top + 1
	}
	for i := 0; i < count; i++ {
		if top == 0 {
			g.pushScrollback(g.lines[top])
		}
		copy(g.lines[top:bottom], g.lines[top+1:bottom+1])
		g.lines[bottom] = blankLine(g.cols)
		applyPen(&g.lines[bottom], pen)
	}
}

// scrollDown inserts count blank lines at the top of the region,
// dropping lines off the bottom.
func (g *grid) scrollDown(top, bottom, count int, pen Pen) {
	if count <= 0 {
		return
	}
	if count > bottom-top+1 {
		count = bottom - top + 1
	}
	for i := 0; i < count; i++ {
		copy(g.lines[top+1:bottom+1], g.lines[top:bottom])
		g.lines[top] = blankLine(g.cols)
		applyPen(&g.lines[top], pen)
	}
}

func applyPen(l *Line, pen Pen) {
	if pen.BG == DefaultColor {
		return
	}
	for i := range l.Cells {
		l.Cells[i].Pen.BG = pen.BG
	}
}

// eraseLine blanks cells [from,to) of a row with the given pen's
// background.
func (g *grid) eraseLine(row, from, to int, pen Pen) {
	if from < 0 {
		from = 0
	}
	if to > g.cols {
		to = g.cols
	}
	bg := Pen{BG: pen.BG}
	for col := from; col < to; col++ {
		g.lines[row].Cells[col] = blankCell(bg)
	}
	if to == g.cols {
		g.lines[row].Wrapped = false
	}
}

// eraseAll blanks the whole grid.
func (g *grid) eraseAll(pen Pen) {
	for row := 0; row < g.rows; row++ {
		g.eraseLine(row, 0, g.cols, pen)
	}
}

// logicalLines joins soft-wrapped rows into logical lines. The
// scrollback and the visible rows form one continuous sequence.
func (g *grid) logicalLines() [][]Cell {
	all := make([]Line, 0, len(g.scrollback)+g.rows)
	all = append(all, g.scrollback...)
	all = append(all, g.lines...)

	var logical [][]Cell
	var current []Cell
	building := false
	for _, l := range all {
		if building {
			current = append(current, l.Cells...)
		} else {
			current = append([]Cell(nil), l.trimmed()...)
		}
		if l.Wrapped {
			building = true
			continue
		}
		if building {
			// Trim the completed joined line.
			end := len(current)
			for end > 0 && current[end-1].IsBlank() {
				end--
			}
			current = current[:end]
		}
		logical = append(logical, current)
		current = nil
		building = false
	}
	if building {
		logical = append(logical, current)
	}
	return logical
}

// resize reflows the grid to new dimensions. Logical lines wider than
// the new width wrap in cell units; previously wrapped lines rejoin
// when they fit. The visible screen is refilled from the bottom of the
// content; everything above it returns to scrollback.
func (g *grid) resize(rows, cols int) {
	if rows == g.rows && cols == g.cols {
		return
	}
	if g.maxScrollback == 0 {
		g.resizeClip(rows, cols)
		return
	}

	logical := g.logicalLines()

	// Drop trailing blank logical lines so an almost-empty screen does
	// not push content into scrollback on shrink.
	for len(logical) > 0 && len(logical[len(logical)-1]) == 0 {
		logical = logical[:len(logical)-1]
	}

	var rewrapped []Line
	for _, cells := range logical {
		rewrapped = append(rewrapped, wrapCells(cells, cols)...)
	}
	if len(rewrapped) == 0 {
		rewrapped = []Line{blankLine(cols)}
	}

	g.rows, g.cols = rows, cols
	g.lines = make([]Line, rows)
	for i := range g.lines {
		g.lines[i] = blankLine(cols)
	}
	g.scrollback = nil

	start := len(rewrapped) - rows
	if start < 0 {
		start = 0
	}
	for _, l := range rewrapped[:start] {
		g.pushScrollback(l)
	}
	for i, l := range rewrapped[start:] {
		g.lines[i] = l
	}
}

// resizeClip pads or clips without reflow, for the scrollback-free alt
// grid where full-screen applications repaint after a resize anyway.
func (g *grid) resizeClip(rows, cols int) {
	lines := make([]Line, rows)
	for i := range lines {
		lines[i] = blankLine(cols)
		if i < len(g.lines) {
			copy(lines[i].Cells, g.lines[i].Cells)
		}
	}
	g.lines = lines
	g.rows, g.cols = rows, cols
}

// wrapCells splits one logical line into rows of at most cols cells,
// never splitting a wide rune across the boundary.
func wrapCells(cells []Cell, cols int) []Line {
	if len(cells) == 0 {
		return []Line{padLine(nil, cols)}
	}
	var out []Line
	for len(cells) > 0 {
		n := cols
		if n > len(cells) {
			n = len(cells)
		}
		// Do not orphan a wide rune's spacer cell.
		if n < len(cells) && cells[n].Width == 0 && n > 1 {
			n--
		}
		row := padLine(cells[:n], cols)
		cells = cells[n:]
		if len(cells) > 0 {
			row.Wrapped = true
		}
		out = append(out, row)
	}
	return out
}

func padLine(cells []Cell, cols int) Line {
	l := Line{Cells: make([]Cell, cols)}
	n := copy(l.Cells, cells)
	for i := n; i < cols; i++ {
		l.Cells[i] = blankCell(Pen{})
	}
	return l
}
