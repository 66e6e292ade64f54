package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// prefixKey is the multiplexer escape prefix (Ctrl-B).
const prefixKey = 0x02

// zoomedMode forwards one session's bytes to the terminal and the
// user's keystrokes back, intercepting the prefix commands. The bottom
// row is protected by a scroll region and carries the status bar.
func (r *runner) zoomedMode(ctx context.Context, winch <-chan os.Signal, task string) (action, error) {
	o := r.container.Orchestrator
	s, ok := o.SessionForTask(task)
	if !ok {
		return action{kind: actTree}, nil
	}
	sessionID := s.SessionID()

	r.enterPassthroughScreen()
	if err := s.StartForwarding(); err != nil {
		return action{kind: actTree}, err
	}
	defer func() {
		if cur, ok := o.Session(sessionID); ok {
			_ = cur.StopForwarding()
		}
		r.exitPassthroughScreen()
	}()

	lastStatus := domain.SessionStarting
	r.drawStatusBar(task, sessionID, lastStatus, "")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	statusChanged := make(chan struct{}, 1)
	r.pumpWatchers(watchCtx, func() {
		select {
		case statusChanged <- struct{}{}:
		default:
		}
	})

	for {
		// The session may have been reaped between events.
		cur, alive := o.Session(sessionID)
		if !alive {
			return action{kind: actTree}, nil
		}

		if st := cur.Status(); st != lastStatus {
			lastStatus = st
			r.drawStatusBar(task, sessionID, lastStatus, "")
		}

		select {
		case <-ctx.Done():
			return action{kind: actQuit}, nil
		case <-winch:
			r.handleWinch()
			r.enterPassthroughScreen()
			_ = cur.StartForwarding()
			r.drawStatusBar(task, sessionID, lastStatus, "")
		case <-statusChanged:
			// Status files re-read in the pump; the top of the loop
			// refreshes the bar.
		case <-ticker.C:
			if event := o.Tick(); event != "" {
				r.drawStatusBar(task, sessionID, lastStatus, event)
			}
		case chunk, ok := <-r.stdin.Chunks():
			if !ok {
				return action{kind: actQuit}, nil
			}
			next, done, err := r.handleZoomedInput(cur, task, sessionID, lastStatus, chunk)
			if err != nil {
				return action{kind: actQuit}, err
			}
			if done {
				return next, nil
			}
		}
	}
}

// handleZoomedInput scans a chunk for the prefix key, forwarding
// everything else verbatim. Returns done=true with the next action
// when a prefix command switches modes.
func (r *runner) handleZoomedInput(s domain.SessionHandle, task, sessionID string, status domain.SessionStatus, chunk []byte) (action, bool, error) {
	i := 0
	for i < len(chunk) {
		if chunk[i] != prefixKey {
			start := i
			for i < len(chunk) && chunk[i] != prefixKey {
				i++
			}
			if err := s.WriteInput(chunk[start:i]); err != nil {
				return action{}, false, err
			}
			continue
		}

		i++
		var cmd byte
		if i < len(chunk) {
			cmd = chunk[i]
			i++
		} else {
			// The command byte is in the next chunk.
			next, ok := <-r.stdin.Chunks()
			if !ok {
				return action{kind: actQuit}, true, nil
			}
			cmd = next[0]
			chunk = next[1:]
			i = 0
		}

		switch cmd {
		case 't', 'd':
			return action{kind: actTree}, true, nil
		case 'c':
			return action{kind: actToplevel}, true, nil
		case 'n':
			if next, ok := r.container.Orchestrator.CycleSession(task, false); ok {
				return action{kind: actZoom, task: next}, true, nil
			}
		case 'p':
			if prev, ok := r.container.Orchestrator.CycleSession(task, true); ok {
				return action{kind: actZoom, task: prev}, true, nil
			}
		case '\t':
			if next, ok := r.container.Orchestrator.NextNeedsInput(task); ok {
				return action{kind: actZoom, task: next}, true, nil
			}
			r.drawStatusBar(task, sessionID, status, "no sessions need input")
		case '[':
			if err := r.scrollMode(s); err != nil {
				return action{}, false, err
			}
			r.drawStatusBar(task, sessionID, status, "")
		case prefixKey:
			if err := s.WriteInput([]byte{prefixKey}); err != nil {
				return action{}, false, err
			}
		case '?':
			r.drawHelpBar()
			// Any key dismisses the help bar; the rest of that chunk
			// flows through the normal scan.
			if next, ok := <-r.stdin.Chunks(); ok && len(next) > 1 {
				chunk = next[1:]
				i = 0
			}
			r.drawStatusBar(task, sessionID, status, "")
		case 'q':
			return action{kind: actQuit}, true, nil
		}
	}
	return action{}, false, nil
}

// scrollMode freezes the session's main grid and pages through its
// scrollback until the user exits. The live session keeps updating in
// the background.
func (r *runner) scrollMode(s domain.SessionHandle) error {
	depth, err := s.EnterScrollMode()
	if err != nil {
		return err
	}
	defer func() { _ = s.ExitScrollMode() }()

	offset := 0
	page := int(r.rows) / 2
	render := func() {
		_ = s.RenderScrollback(offset)
		r.drawScrollBar(offset, depth)
	}
	render()

	clamp := func() {
		if offset > depth {
			offset = depth
		}
		if offset < 0 {
			offset = 0
		}
	}

	for chunk := range r.stdin.Chunks() {
		i := 0
		for i < len(chunk) {
			c := chunk[i]
			i++
			switch c {
			case 'k':
				offset++
			case 'j':
				offset--
			case 'u', 0x15: // Ctrl-U
				offset += page
			case 'd', 0x04: // Ctrl-D
				offset -= page
			case 'g':
				offset = depth
			case 'G':
				offset = 0
			case 0x1b:
				// Arrow keys arrive as ESC [ A/B; bare ESC exits.
				if i+1 < len(chunk) && chunk[i] == '[' {
					switch chunk[i+1] {
					case 'A':
						offset++
					case 'B':
						offset--
					case '5': // PgUp: ESC [ 5 ~
						offset += page
						i++
					case '6': // PgDn: ESC [ 6 ~
						offset -= page
						i++
					}
					i += 2
				} else {
					return nil
				}
			case 'q':
				return nil
			default:
				continue
			}
			clamp()
			render()
		}
	}
	return nil
}

// enterPassthroughScreen sets the scroll region that protects the
// status bar and clears the display. No alternate screen here: the
// child manages its own, and a second layer would break terminal
// scrollback and alt-screen forwarding.
func (r *runner) enterPassthroughScreen() {
	fmt.Printf("\x1b[1;%dr\x1b[2J\x1b[3J\x1b[H", r.rows-1)
}

func (r *runner) exitPassthroughScreen() {
	fmt.Print("\x1b[r")
}

func (r *runner) handleWinch() {
	fd := int(os.Stdin.Fd())
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	r.rows, r.cols = uint16(rows), uint16(cols)
	r.container.Orchestrator.HandleResize(r.rows, r.cols)
}

// drawStatusBar paints the reserved bottom row, preserving the cursor
// with DECSC/DECRC.
func (r *runner) drawStatusBar(task, sessionID string, status domain.SessionStatus, debug string) {
	left := fmt.Sprintf(" ^B ? help │ %s (%s) │ %s %s",
		task, sessionID, status.Indicator(), status.Label())
	r.drawBar(left, debug, "\x1b[7m")
}

func (r *runner) drawToplevelStatusBar(debug string) {
	r.drawBar(" ^B ? help │ task manager", debug, "\x1b[7m")
}

func (r *runner) drawScrollBar(offset, depth int) {
	left := fmt.Sprintf(" scroll mode │ %d/%d │ k/j scroll  u/d page  g/G ends  q exit", offset, depth)
	r.drawBar(left, "", "\x1b[7;33m")
}

func (r *runner) drawHelpBar() {
	r.drawBar(" ^B t:tree  ^B c:manager  ^B n:next  ^B p:prev  ^B Tab:input  ^B [:scroll  ^B ^B:send ^B  ^B q:quit",
		"", "\x1b[7;33m")
}

func (r *runner) drawBar(left, debug, sgr string) {
	content := left
	if debug != "" {
		right := " [" + debug + "]"
		gap := int(r.cols) - len(content) - len(right)
		if gap > 0 {
			content += strings.Repeat(" ", gap)
		}
		content += right
	}
	if pad := int(r.cols) - len(content); pad > 0 {
		content += strings.Repeat(" ", pad)
	}
	fmt.Printf("\x1b7\x1b[%d;1H%s%s\x1b[0m\x1b8", r.rows, sgr, content)
}
