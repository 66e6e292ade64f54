package cli

import (
	"context"
	"os"
	"time"
)

// toplevelMode is zoomed mode for the task-manager session: same
// passthrough and prefix handling, but the session is respawned on
// demand and never reaped by task state.
func (r *runner) toplevelMode(ctx context.Context, winch <-chan os.Signal) (action, error) {
	o := r.container.Orchestrator
	t, err := o.Toplevel()
	if err != nil {
		return action{kind: actTree}, err
	}

	r.enterPassthroughScreen()
	if err := t.StartForwarding(); err != nil {
		return action{kind: actTree}, err
	}
	defer func() {
		_ = t.StopForwarding()
		r.exitPassthroughScreen()
	}()

	r.drawToplevelStatusBar("")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	r.pumpWatchers(watchCtx, func() {})

	for {
		if !t.PollLiveness().Alive {
			return action{kind: actTree}, nil
		}

		select {
		case <-ctx.Done():
			return action{kind: actQuit}, nil
		case <-winch:
			r.handleWinch()
			r.enterPassthroughScreen()
			_ = t.StartForwarding()
			r.drawToplevelStatusBar("")
		case <-ticker.C:
			if event := o.Tick(); event != "" {
				r.drawToplevelStatusBar(event)
			}
		case chunk, ok := <-r.stdin.Chunks():
			if !ok {
				return action{kind: actQuit}, nil
			}
			next, done, err := r.handleToplevelInput(chunk)
			if err != nil {
				return action{kind: actQuit}, err
			}
			if done {
				return next, nil
			}
		}
	}
}

func (r *runner) handleToplevelInput(chunk []byte) (action, bool, error) {
	o := r.container.Orchestrator
	t, err := o.Toplevel()
	if err != nil {
		return action{kind: actTree}, true, nil
	}

	i := 0
	for i < len(chunk) {
		if chunk[i] != prefixKey {
			start := i
			for i < len(chunk) && chunk[i] != prefixKey {
				i++
			}
			if err := t.WriteInput(chunk[start:i]); err != nil {
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
		case 'n':
			if ids := o.SessionIDs(); len(ids) > 0 {
				if s, ok := o.Session(ids[0]); ok {
					return action{kind: actZoom, task: s.TaskName()}, true, nil
				}
			}
		case 'p':
			if ids := o.SessionIDs(); len(ids) > 0 {
				if s, ok := o.Session(ids[len(ids)-1]); ok {
					return action{kind: actZoom, task: s.TaskName()}, true, nil
				}
			}
		case '\t':
			if task, ok := o.NextNeedsInput(""); ok {
				return action{kind: actZoom, task: task}, true, nil
			}
			r.drawToplevelStatusBar("no sessions need input")
		case '[':
			if err := r.scrollMode(t); err != nil {
				return action{}, false, err
			}
			r.drawToplevelStatusBar("")
		case prefixKey:
			if err := t.WriteInput([]byte{prefixKey}); err != nil {
				return action{}, false, err
			}
		case '?':
			r.drawHelpBar()
			if next, ok := <-r.stdin.Chunks(); ok && len(next) > 1 {
				chunk = next[1:]
				i = 0
			}
			r.drawToplevelStatusBar("")
		case 'q':
			return action{kind: actQuit}, true, nil
		}
	}
	return action{}, false, nil
}
