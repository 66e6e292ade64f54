package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Action is what the tree program asks the outer loop to do next.
type Action int

const (
	// ActionQuit ends the workspace.
	ActionQuit Action = iota
	// ActionZoom enters passthrough mode for the selected task.
	ActionZoom
	// ActionToplevel switches to the task-manager session.
	ActionToplevel
)

// Result is the tree program's outcome.
type Result struct {
	Action Action
	Task   string
}

// Controller is the effectful surface the tree drives. The workspace
// runner implements it over the orchestrator and the task store.
type Controller interface {
	// Rows rebuilds the display rows from current state.
	Rows() []Row
	// Tick runs one lifecycle round; returns a status-line event.
	Tick() string
	Pause(name string) error
	Unpause(name string) error
	MarkDone(name string) error
	ForceUnassign(name string) error
	SpawnForTask(name string) error
	RestartSession(name string)
	HasSession(name string) bool
	NextNeedsInput(current string) (string, bool)
}

// RefreshMsg tells the model that tasks or status files changed on
// disk; the watcher pump sends it through Program.Send.
type RefreshMsg struct{}

type tickMsg time.Time

// keyMap defines the tree-mode keybindings.
type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Zoom     key.Binding
	Collapse key.Binding
	Pause    key.Binding
	Done     key.Binding
	Unassign key.Binding
	Spawn    key.Binding
	Restart  key.Binding
	Input    key.Binding
	Manager  key.Binding
	Help     key.Binding
	Quit     key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("j/k", "navigate")),
		Down:     key.NewBinding(key.WithKeys("j", "down")),
		Zoom:     key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "zoom into session")),
		Collapse: key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "collapse/expand")),
		Pause:    key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/unpause")),
		Done:     key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "mark done")),
		Unassign: key.NewBinding(key.WithKeys("U"), key.WithHelp("U", "force-unassign")),
		Spawn:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "spawn session")),
		Restart:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "restart session")),
		Input:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next needs-input")),
		Manager:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "task manager")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:     key.NewBinding(key.WithKeys("q", "esc"), key.WithHelp("q", "quit")),
	}
}

type confirmKind int

const (
	confirmNone confirmKind = iota
	confirmDone
	confirmPause
)

// Model is the bubbletea model for tree mode.
// Fields are ordered to minimize memory padding.
type Model struct {
	ctrl      Controller
	rows      []Row
	collapsed map[string]bool
	keys      keyMap
	errText   string
	eventText string
	confirm   confirmKind
	confirmed string
	result    Result
	cursor    int
	width     int
	height    int
	showHelp  bool
	done      bool
}

// NewModel builds a tree model over the controller.
func NewModel(ctrl Controller, width, height int) *Model {
	m := &Model{
		ctrl:      ctrl,
		collapsed: make(map[string]bool),
		keys:      defaultKeyMap(),
		width:     width,
		height:    height,
	}
	m.rows = ctrl.Rows()
	return m
}

// Result returns the outcome after the program finishes.
func (m *Model) Result() Result {
	return m.result
}

// Collapsed exposes the collapse set so it survives zoom round-trips.
func (m *Model) Collapsed() map[string]bool {
	return m.collapsed
}

// SetCollapsed restores a previous collapse set.
func (m *Model) SetCollapsed(c map[string]bool) {
	if c != nil {
		m.collapsed = c
	}
}

// Init starts the tick cadence.
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) refresh() {
	m.rows = m.ctrl.Rows()
	if len(m.rows) == 0 {
		m.cursor = 0
	} else if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
}

func (m *Model) selected() (Row, bool) {
	if m.cursor < len(m.rows) {
		return m.rows[m.cursor], true
	}
	return Row{}, false
}

func (m *Model) finish(action Action, task string) (tea.Model, tea.Cmd) {
	m.result = Result{Action: action, Task: task}
	m.done = true
	return m, tea.Quit
}

// Update handles one message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if event := m.ctrl.Tick(); event != "" {
			m.eventText = event
		}
		m.refresh()
		return m, tickCmd()
	case RefreshMsg:
		m.refresh()
		return m, nil
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		switch {
		case key.Matches(msg, m.keys.Help), key.Matches(msg, m.keys.Quit):
			m.showHelp = false
		}
		return m, nil
	}

	if m.confirm != confirmNone {
		kind, name := m.confirm, m.confirmed
		m.confirm, m.confirmed = confirmNone, ""
		if msg.String() == "y" || msg.Type == tea.KeyEnter {
			var err error
			if kind == confirmDone {
				err = m.ctrl.MarkDone(name)
			} else {
				err = m.ctrl.Pause(name)
			}
			if err != nil {
				m.errText = err.Error()
			}
			m.refresh()
		}
		return m, nil
	}

	m.errText = ""

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.finish(ActionQuit, "")
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Collapse):
		if row, ok := m.selected(); ok && row.HasChildren {
			m.collapsed[row.Name] = !m.collapsed[row.Name]
			m.refresh()
		}
	case key.Matches(msg, m.keys.Zoom):
		if row, ok := m.selected(); ok {
			if m.ctrl.HasSession(row.Name) {
				return m.finish(ActionZoom, row.Name)
			}
			m.errText = "no active session for this task"
		}
	case key.Matches(msg, m.keys.Pause):
		if row, ok := m.selected(); ok {
			m.pauseSelected(row)
		}
	case key.Matches(msg, m.keys.Done):
		if row, ok := m.selected(); ok {
			m.doneSelected(row)
		}
	case key.Matches(msg, m.keys.Unassign):
		if row, ok := m.selected(); ok {
			if err := m.ctrl.ForceUnassign(row.Name); err != nil {
				m.errText = err.Error()
			}
			m.refresh()
		}
	case key.Matches(msg, m.keys.Spawn):
		if row, ok := m.selected(); ok {
			if err := m.ctrl.SpawnForTask(row.Name); err != nil {
				m.errText = err.Error()
			}
			m.refresh()
		}
	case key.Matches(msg, m.keys.Restart):
		if row, ok := m.selected(); ok {
			m.ctrl.RestartSession(row.Name)
			m.refresh()
		}
	case key.Matches(msg, m.keys.Input):
		if task, ok := m.ctrl.NextNeedsInput(""); ok {
			return m.finish(ActionZoom, task)
		}
		m.errText = "no sessions need input"
	case key.Matches(msg, m.keys.Manager):
		return m.finish(ActionToplevel, "")
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	}
	return m, nil
}

func (m *Model) pauseSelected(row Row) {
	var err error
	switch row.Status {
	case "paused":
		err = m.ctrl.Unpause(row.Name)
	case "open":
		err = m.ctrl.Pause(row.Name)
	case "active":
		m.confirm, m.confirmed = confirmPause, row.Name
		return
	default:
		m.errText = "cannot pause " + string(row.Status) + " task"
		return
	}
	if err != nil {
		m.errText = err.Error()
	}
	m.refresh()
}

func (m *Model) doneSelected(row Row) {
	switch row.Status {
	case "done":
		m.errText = "task is already done"
	case "active":
		m.confirm, m.confirmed = confirmDone, row.Name
	default:
		if err := m.ctrl.MarkDone(row.Name); err != nil {
			m.errText = err.Error()
		}
		m.refresh()
	}
}

var (
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	barStyle      = lipgloss.NewStyle().Reverse(true)
)

const helpText = `tree mode keys:

  j/k, up/down    navigate
  enter           zoom into session
  tab             jump to next session needing input
  s               spawn session for task
  c               switch to task manager session
  space           collapse/expand
  p               pause/unpause task
  d               mark task done
  U               force-unassign task
  r               restart session
  ?               close help
  q               quit`

// View renders the tree.
func (m *Model) View() string {
	if m.done {
		return ""
	}
	if m.showHelp {
		return helpText
	}

	var lines []string
	if m.confirm != confirmNone {
		verb := "Pause"
		if m.confirm == confirmDone {
			verb = "Done"
		}
		lines = append(lines, barStyle.Render(verb+" active task '"+m.confirmed+"'? [y/N]"), "")
	}

	visible := m.height - 2
	if visible < 1 {
		visible = len(m.rows)
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	end := start + visible
	if end > len(m.rows) {
		end = len(m.rows)
	}

	for i := start; i < end; i++ {
		row := m.rows[i]
		line := row.Label()
		if ann := row.Annotation(); ann != "" {
			line += "  " + dimStyle.Render(ann)
		}
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if len(m.rows) == 0 {
		lines = append(lines, dimStyle.Render("no tasks — press c to open the task manager"))
	}

	status := " ? help | q quit"
	if m.eventText != "" {
		status += " | " + m.eventText
	}
	if m.errText != "" {
		status = " " + errStyle.Render(m.errText)
	}
	lines = append(lines, "", dimStyle.Render(status))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
