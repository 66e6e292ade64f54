package cli

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/tui"
)

// treeController implements tui.Controller over the container.
type treeController struct {
	r *runner
}

func (c treeController) Rows() []tui.Row {
	store := c.r.container.Store
	tasks, err := store.List(domain.ListFilter{})
	if err != nil {
		return nil
	}
	deps, err := store.AllDeps()
	if err != nil {
		deps = nil
	}
	sessions := make(map[string]tui.SessionInfo)
	for _, s := range c.r.container.Orchestrator.SessionsSnapshot() {
		sessions[s.TaskName] = tui.SessionInfo{SessionID: s.SessionID, Status: s.Status}
	}
	return tui.Flatten(tasks, deps, c.r.collapsed, sessions)
}

func (c treeController) Tick() string {
	c.r.container.Orchestrator.ReadStatusFiles()
	return c.r.container.Orchestrator.Tick()
}

func (c treeController) Pause(name string) error   { return c.r.container.Store.Pause(name) }
func (c treeController) Unpause(name string) error { return c.r.container.Store.Unpause(name) }
func (c treeController) MarkDone(name string) error {
	return c.r.container.Store.MarkDone(name)
}
func (c treeController) ForceUnassign(name string) error {
	return c.r.container.Store.ForceUnassign(name)
}
func (c treeController) SpawnForTask(name string) error {
	return c.r.container.Orchestrator.SpawnForTask(name)
}
func (c treeController) RestartSession(name string) {
	c.r.container.Orchestrator.RestartSession(name)
}
func (c treeController) HasSession(name string) bool {
	_, ok := c.r.container.Orchestrator.SessionForTask(name)
	return ok
}
func (c treeController) NextNeedsInput(current string) (string, bool) {
	return c.r.container.Orchestrator.NextNeedsInput(current)
}

// treeMode runs the bubbletea tree program until it yields an action.
// Database and status-file watchers push refreshes into the program so
// external changes appear without waiting for a tick.
func (r *runner) treeMode(ctx context.Context) (action, error) {
	model := tui.NewModel(treeController{r: r}, int(r.cols), int(r.rows))
	model.SetCollapsed(r.collapsed)

	p := tea.NewProgram(model,
		tea.WithInput(r.stdin),
		tea.WithAltScreen(),
	)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	r.pumpWatchers(watchCtx, func() { p.Send(tui.RefreshMsg{}) })

	go func() {
		<-watchCtx.Done()
		p.Quit()
	}()

	final, err := p.Run()
	if err != nil {
		return action{kind: actQuit}, err
	}
	m, ok := final.(*tui.Model)
	if !ok {
		return action{kind: actQuit}, nil
	}
	r.collapsed = m.Collapsed()

	switch res := m.Result(); res.Action {
	case tui.ActionZoom:
		return action{kind: actZoom, task: res.Task}, nil
	case tui.ActionToplevel:
		return action{kind: actToplevel}, nil
	default:
		return action{kind: actQuit}, nil
	}
}

// pumpWatchers forwards database and workspace-directory change events
// to onChange until the context ends.
func (r *runner) pumpWatchers(ctx context.Context, onChange func()) {
	db := r.container.DBWatcher
	status := r.container.StatusWatcher
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-db.C:
				onChange()
			case <-status.C:
				r.container.Orchestrator.ReadStatusFiles()
				onChange()
			}
		}
	}()
}
