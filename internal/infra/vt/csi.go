package vt

// processCSIByte accumulates CSI parameter and intermediate bytes until
// the final byte dispatches the sequence.
func (e *Emulator) processCSIByte(b byte) {
	switch {
	case b >= 0x30 && b <= 0x3f:
		e.csiParams = append(e.csiParams, b)
	case b >= 0x20 && b <= 0x2f:
		e.csiInter = append(e.csiInter, b)
	case b >= 0x40 && b <= 0x7e:
		e.dispatchCSI(b)
		e.state = stateGround
	default:
		// CAN, SUB, or stray control aborts the sequence.
		e.state = stateGround
	}
}

// csiArgs parses the accumulated parameter bytes into integers.
// private reports a leading '?'.
func (e *Emulator) csiArgs() (args []int, private bool) {
	params := e.csiParams
	if len(params) > 0 && params[0] == '?' {
		private = true
		params = params[1:]
	}
	cur := 0
	has := false
	for _, b := range params {
		switch {
		case b >= '0' && b <= '9':
			cur = cur*10 + int(b-'0')
			has = true
		case b == ';':
			args = append(args, cur)
			cur = 0
			has = false
		default:
			// '>', '<', '=' and friends: treat as separators.
		}
	}
	if has || len(args) > 0 {
		args = append(args, cur)
	}
	return args, private
}

func arg(args []int, i, def int) int {
	if i < len(args) {
		return args[i]
	}
	return def
}

func argMin1(args []int, i int) int {
	v := arg(args, i, 1)
	if v < 1 {
		v = 1
	}
	return v
}

func (e *Emulator) dispatchCSI(final byte) {
	args, private := e.csiArgs()
	g := e.active()

	if private {
		switch final {
		case 'h':
			e.setPrivateModes(args, true)
		case 'l':
			e.setPrivateModes(args, false)
		}
		return
	}

	switch final {
	case 'A': // CUU
		e.cur.row -= argMin1(args, 0)
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'B', 'e': // CUD
		e.cur.row += argMin1(args, 0)
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'C', 'a': // CUF
		e.cur.col += argMin1(args, 0)
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'D': // CUB
		e.cur.col -= argMin1(args, 0)
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'E': // CNL
		e.cur.row += argMin1(args, 0)
		e.cur.col = 0
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'F': // CPL
		e.cur.row -= argMin1(args, 0)
		e.cur.col = 0
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'G', '`': // CHA
		e.cur.col = argMin1(args, 0) - 1
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'H', 'f': // CUP
		e.cur.row = argMin1(args, 0) - 1
		e.cur.col = argMin1(args, 1) - 1
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'd': // VPA
		e.cur.row = argMin1(args, 0) - 1
		e.cur.pendingWrap = false
		e.clampCursor()
	case 'J':
		e.eraseDisplay(arg(args, 0, 0))
	case 'K':
		e.eraseInLine(arg(args, 0, 0))
	case 'L': // IL
		if e.cur.row >= e.regionTop && e.cur.row <= e.regionBottom {
			g.scrollDown(e.cur.row, e.regionBottom, argMin1(args, 0), e.pen)
		}
	case 'M': // DL
		if e.cur.row >= e.regionTop && e.cur.row <= e.regionBottom {
			g.scrollUp(e.cur.row, e.regionBottom, argMin1(args, 0), e.pen)
		}
	case 'P': // DCH
		e.deleteChars(argMin1(args, 0))
	case '@': // ICH
		e.insertChars(argMin1(args, 0))
	case 'X': // ECH
		n := argMin1(args, 0)
		g.eraseLine(e.cur.row, e.cur.col, e.cur.col+n, e.pen)
	case 'S': // SU
		g.scrollUp(e.regionTop, e.regionBottom, argMin1(args, 0), e.pen)
	case 'T': // SD
		g.scrollDown(e.regionTop, e.regionBottom, argMin1(args, 0), e.pen)
	case 'r': // DECSTBM
		top := argMin1(args, 0) - 1
		bottom := arg(args, 1, g.rows) - 1
		if bottom >= g.rows {
			bottom = g.rows - 1
		}
		if top < bottom {
			e.regionTop, e.regionBottom = top, bottom
			e.cur = cursor{}
		}
	case 'm':
		e.applySGR(args)
	case 's':
		e.saveCursor()
	case 'u':
		e.restoreCursor()
	case 'c', 'n':
		// Device attribute and status queries need a reply channel the
		// emulator does not have; they are dropped here. Restore
		// streams are rendered from grid state and never contain them.
	}
}

func (e *Emulator) setPrivateModes(args []int, set bool) {
	for _, mode := range args {
		switch mode {
		case 1:
			e.modes.CursorKeys = set
		case 25:
			e.modes.CursorHidden = !set
		case 47:
			// Mode 47 switches grids without clearing.
			if set {
				e.enterAlt(false)
			} else {
				e.exitAlt(false)
			}
		case 1047:
			if set {
				e.enterAlt(true)
			} else {
				e.exitAlt(false)
			}
		case 1049:
			// 1049 clears the alt grid on entry and restores the
			// cursor on exit.
			if set {
				e.enterAlt(true)
			} else {
				e.exitAlt(true)
			}
		case 1000:
			e.modes.MousePress = set
		case 1002:
			e.modes.MouseDrag = set
		case 1003:
			e.modes.MouseMotion = set
		case 1006:
			e.modes.MouseSGR = set
		case 1004:
			e.modes.FocusEvents = set
		case 2004:
			e.modes.BracketedPaste = set
		}
	}
}

func (e *Emulator) eraseDisplay(mode int) {
	g := e.active()
	switch mode {
	case 0: // cursor to end
		g.eraseLine(e.cur.row, e.cur.col, g.cols, e.pen)
		for row := e.cur.row + 1; row < g.rows; row++ {
			g.eraseLine(row, 0, g.cols, e.pen)
		}
	case 1: // start to cursor
		for row := 0; row < e.cur.row; row++ {
			g.eraseLine(row, 0, g.cols, e.pen)
		}
		g.eraseLine(e.cur.row, 0, e.cur.col+1, e.pen)
	case 2:
		g.eraseAll(e.pen)
	case 3:
		// Erase Saved Lines: discard scrollback, visible screen intact.
		g.clearScrollback()
	}
}

func (e *Emulator) eraseInLine(mode int) {
	g := e.active()
	switch mode {
	case 0:
		g.eraseLine(e.cur.row, e.cur.col, g.cols, e.pen)
	case 1:
		g.eraseLine(e.cur.row, 0, e.cur.col+1, e.pen)
	case 2:
		g.eraseLine(e.cur.row, 0, g.cols, e.pen)
	}
}

func (e *Emulator) deleteChars(n int) {
	g := e.active()
	row := g.line(e.cur.row)
	if e.cur.col+n > g.cols {
		n = g.cols - e.cur.col
	}
	copy(row.Cells[e.cur.col:], row.Cells[e.cur.col+n:])
	for i := g.cols - n; i < g.cols; i++ {
		row.Cells[i] = blankCell(Pen{BG: e.pen.BG})
	}
}

func (e *Emulator) insertChars(n int) {
	g := e.active()
	row := g.line(e.cur.row)
	if e.cur.col+n > g.cols {
		n = g.cols - e.cur.col
	}
	copy(row.Cells[e.cur.col+n:], row.Cells[e.cur.col:g.cols-n])
	for i := e.cur.col; i < e.cur.col+n; i++ {
		row.Cells[i] = blankCell(Pen{BG: e.pen.BG})
	}
}

func (e *Emulator) applySGR(args []int) {
	if len(args) == 0 {
		e.pen = Pen{}
		return
	}
	for i := 0; i < len(args); i++ {
		switch p := args[i]; {
		case p == 0:
			e.pen = Pen{}
		case p == 1:
			e.pen.Attrs |= AttrBold
		case p == 2:
			e.pen.Attrs |= AttrDim
		case p == 3:
			e.pen.Attrs |= AttrItalic
		case p == 4:
			e.pen.Attrs |= AttrUnderline
		case p == 7:
			e.pen.Attrs |= AttrInverse
		case p == 22:
			e.pen.Attrs &^= AttrBold | AttrDim
		case p == 23:
			e.pen.Attrs &^= AttrItalic
		case p == 24:
			e.pen.Attrs &^= AttrUnderline
		case p == 27:
			e.pen.Attrs &^= AttrInverse
		case p >= 30 && p <= 37:
			e.pen.FG = IndexedColor(uint8(p - 30))
		case p == 39:
			e.pen.FG = DefaultColor
		case p >= 40 && p <= 47:
			e.pen.BG = IndexedColor(uint8(p - 40))
		case p == 49:
			e.pen.BG = DefaultColor
		case p >= 90 && p <= 97:
			e.pen.FG = IndexedColor(uint8(p - 90 + 8))
		case p >= 100 && p <= 107:
			e.pen.BG = IndexedColor(uint8(p - 100 + 8))
		case p == 38 || p == 48:
			color, consumed := extendedColor(args[i+1:])
			if consumed == 0 {
				return
			}
			if p == 38 {
				e.pen.FG = color
			} else {
				e.pen.BG = color
			}
			i += consumed
		}
	}
}

// extendedColor parses the tail of a 38/48 SGR: 5;idx or 2;r;g;b.
// Returns the parameter count consumed, 0 on malformed input.
func extendedColor(rest []int) (Color, int) {
	if len(rest) >= 2 && rest[0] == 5 {
		return IndexedColor(clampU8(rest[1])), 2
	}
	if len(rest) >= 4 && rest[0] == 2 {
		return RGBColor(clampU8(rest[1]), clampU8(rest[2]), clampU8(rest[3])), 4
	}
	return DefaultColor, 0
}

func clampU8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
