// Package tui renders the workspace tree view: the task forest with
// session indicators, driven by bubbletea while no session is zoomed.
package tui

import (
	"sort"
	"strings"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// SessionInfo is what the tree shows about a task's session.
type SessionInfo struct {
	SessionID string
	Status    domain.SessionStatus
}

// Row is one rendered line of the tree.
type Row struct {
	Name        string
	Description string
	Status      domain.Status
	Icon        string
	Session     *SessionInfo
	BlockedBy   []string
	Depth       int
	HasChildren bool
	Collapsed   bool
}

// Flatten turns the task forest into display rows, depth-first, with
// collapsed subtrees skipped. Roots and siblings keep creation order.
func Flatten(tasks []domain.Task, deps map[string]domain.TaskDeps, collapsed map[string]bool, sessions map[string]SessionInfo) []Row {
	children := make(map[string][]domain.Task)
	var roots []domain.Task
	byName := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = true
	}
	for _, t := range tasks {
		// A task whose parent is filtered out (for example a done
		// parent) is promoted to root so it stays visible.
		if t.Parent != nil && byName[*t.Parent] {
			children[*t.Parent] = append(children[*t.Parent], t)
		} else {
			roots = append(roots, t)
		}
	}
	for _, kids := range children {
		sort.SliceStable(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })

	var rows []Row
	var walk func(t domain.Task, depth int)
	walk = func(t domain.Task, depth int) {
		kids := children[t.Name]
		row := Row{
			Name:        t.Name,
			Description: t.Description,
			Status:      t.Status,
			Icon:        t.Icon(),
			Depth:       depth,
			HasChildren: len(kids) > 0,
			Collapsed:   collapsed[t.Name],
		}
		if d, ok := deps[t.Name]; ok {
			row.BlockedBy = d.BlockedBy
		}
		if info, ok := sessions[t.Name]; ok {
			row.Session = &info
		}
		rows = append(rows, row)

		if collapsed[t.Name] {
			return
		}
		for _, kid := range kids {
			walk(kid, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
	return rows
}

// Label renders the row's left-hand text without styling.
func (r Row) Label() string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", r.Depth))
	if r.HasChildren {
		if r.Collapsed {
			b.WriteString("+ ")
		} else {
			b.WriteString("- ")
		}
	} else {
		b.WriteString("  ")
	}
	b.WriteString(r.Icon)
	b.WriteString(" ")
	b.WriteString(r.Name)
	if r.Description != "" {
		b.WriteString("  ")
		b.WriteString(r.Description)
	}
	return b.String()
}

// Annotation renders the row's right-hand hints: session state and
// blockers.
func (r Row) Annotation() string {
	var parts []string
	if r.Session != nil {
		parts = append(parts, r.Session.Status.Indicator()+" "+r.Session.SessionID)
	}
	if len(r.BlockedBy) > 0 {
		parts = append(parts, "blocked by "+strings.Join(r.BlockedBy, ", "))
	}
	return strings.Join(parts, "  ")
}
