package taskstore

import (
	"context"
	"fmt"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

const insertTask = `
INSERT INTO tasks (name, parent, description, status, assignee, status_changed_at)
VALUES (?, ?, ?, ?, ?,
    CASE WHEN ? != 'open' THEN strftime('%Y-%m-%dT%H:%M:%SZ', 'now') END)
`

const setDone = `
UPDATE tasks
SET status = 'done', assignee = NULL,
    status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ?
`

const setPaused = `
UPDATE tasks
SET status = 'paused', assignee = NULL,
    status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ?
`

const setOpen = `
UPDATE tasks
SET status = 'open',
    status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ?
`

const releaseToOpen = `
UPDATE tasks
SET status = 'open', assignee = NULL,
    status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ?
`

// CreateTask inserts a new task and, atomically with it, its optional
// first note and claim.
func (s *Store) CreateTask(name, description string, opts domain.CreateOptions) error {
	return s.withImmediate(func(q querier) error {
		return createTask(q, name, description, opts)
	})
}

func createTask(q querier, name, description string, opts domain.CreateOptions) error {
	if err := domain.ValidateName(name); err != nil {
		return err
	}
	if opts.Paused && opts.Assignee != "" {
		return fmt.Errorf("%w: paused and claimed are mutually exclusive", domain.ErrInvalidStatus)
	}

	ctx := context.Background()
	exists, err := taskExists(q, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("task '%s': %w", name, domain.ErrDuplicateTask)
	}
	if opts.Parent != nil {
		if err := requireTask(q, *opts.Parent); err != nil {
			return fmt.Errorf("%w: '%s'", domain.ErrParentNotFound, *opts.Parent)
		}
	}

	status := domain.StatusOpen
	if opts.Paused {
		status = domain.StatusPaused
	} else if opts.Assignee != "" {
		status = domain.StatusActive
	}

	var parent, assignee any
	if opts.Parent != nil {
		parent = *opts.Parent
	}
	if opts.Assignee != "" {
		assignee = opts.Assignee
	}

	if _, err := q.ExecContext(ctx, insertTask,
		name, parent, description, status, assignee, status); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	if opts.Note != "" {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO notes (task, content) VALUES (?, ?)", name, opts.Note); err != nil {
			return fmt.Errorf("adding initial note: %w", err)
		}
	}
	return nil
}

// MarkDone sets status=done and clears the assignee.
func (s *Store) MarkDone(name string) error {
	return s.withImmediate(func(q querier) error {
		return markDone(q, name)
	})
}

func markDone(q querier, name string) error {
	if err := requireTask(q, name); err != nil {
		return err
	}
	_, err := q.ExecContext(context.Background(), setDone, name)
	return err
}

// Reopen returns a done task to open.
func (s *Store) Reopen(name string) error {
	return s.withImmediate(func(q querier) error {
		return reopenTask(q, name)
	})
}

func reopenTask(q querier, name string) error {
	status, _, err := statusAndAssignee(q, name)
	if err != nil {
		return err
	}
	if status != domain.StatusDone {
		return fmt.Errorf("task '%s' (status: %s): %w", name, status, domain.ErrNotDone)
	}
	_, err = q.ExecContext(context.Background(), releaseToOpen, name)
	return err
}

// Pause parks a task, clearing any claim. Done tasks cannot be paused.
func (s *Store) Pause(name string) error {
	return s.withImmediate(func(q querier) error {
		return pauseTask(q, name)
	})
}

func pauseTask(q querier, name string) error {
	status, _, err := statusAndAssignee(q, name)
	if err != nil {
		return err
	}
	switch status {
	case domain.StatusDone:
		return fmt.Errorf("task '%s': %w", name, domain.ErrTaskDone)
	case domain.StatusPaused:
		return fmt.Errorf("task '%s': %w", name, domain.ErrAlreadyPaused)
	}
	_, err = q.ExecContext(context.Background(), setPaused, name)
	return err
}

// Unpause returns a paused task to open.
func (s *Store) Unpause(name string) error {
	return s.withImmediate(func(q querier) error {
		return unpauseTask(q, name)
	})
}

func unpauseTask(q querier, name string) error {
	status, _, err := statusAndAssignee(q, name)
	if err != nil {
		return err
	}
	if status != domain.StatusPaused {
		return fmt.Errorf("task '%s' (status: %s): %w", name, status, domain.ErrNotPaused)
	}
	_, err = q.ExecContext(context.Background(), setOpen, name)
	return err
}

// Describe replaces a task's description.
func (s *Store) Describe(name, description string) error {
	return s.withImmediate(func(q querier) error {
		return describeTask(q, name, description)
	})
}

func describeTask(q querier, name, description string) error {
	if err := requireTask(q, name); err != nil {
		return err
	}
	_, err := q.ExecContext(context.Background(), `
		UPDATE tasks SET description = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE name = ?`, description, name)
	return err
}

// Reparent moves a task under a new parent (nil makes it root-level),
// rejecting moves that would create a parent cycle.
func (s *Store) Reparent(name string, parent *string) error {
	return s.withImmediate(func(q querier) error {
		return reparentTask(q, name, parent)
	})
}

func reparentTask(q querier, name string, parent *string) error {
	if err := requireTask(q, name); err != nil {
		return err
	}
	var p any
	if parent != nil {
		if err := requireTask(q, *parent); err != nil {
			return fmt.Errorf("%w: '%s'", domain.ErrParentNotFound, *parent)
		}
		cycle, err := hasParentCycle(q, name, *parent)
		if err != nil {
			return err
		}
		if cycle {
			return fmt.Errorf("parent '%s': %w", *parent, domain.ErrParentCycle)
		}
		p = *parent
	}
	_, err := q.ExecContext(context.Background(), `
		UPDATE tasks SET parent = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE name = ?`, p, name)
	return err
}

// Remove deletes a task. Without recursive, tasks with children are
// refused; with it, the whole subtree goes, deepest first. Notes and
// blocking edges cascade with each deleted task.
func (s *Store) Remove(name string, recursive bool) error {
	return s.withImmediate(func(q querier) error {
		return removeTask(q, name, recursive)
	})
}

func removeTask(q querier, name string, recursive bool) error {
	ctx := context.Background()
	if err := requireTask(q, name); err != nil {
		return err
	}
	if recursive {
		descendants, err := collectDescendants(q, name)
		if err != nil {
			return err
		}
		for i := len(descendants) - 1; i >= 0; i-- {
			if _, err := q.ExecContext(ctx, "DELETE FROM tasks WHERE name = ?", descendants[i]); err != nil {
				return fmt.Errorf("deleting descendant '%s': %w", descendants[i], err)
			}
		}
		_, err = q.ExecContext(ctx, "DELETE FROM tasks WHERE name = ?", name)
		return err
	}

	var childCount int64
	if err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE parent = ?", name).Scan(&childCount); err != nil {
		return fmt.Errorf("counting children: %w", err)
	}
	if childCount > 0 {
		return fmt.Errorf("task '%s': %w", name, domain.ErrHasChildren)
	}
	_, err := q.ExecContext(ctx, "DELETE FROM tasks WHERE name = ?", name)
	return err
}

// collectDescendants returns every descendant of name, breadth-first.
func collectDescendants(q querier, name string) ([]string, error) {
	ctx := context.Background()
	var result []string
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		rows, err := q.QueryContext(ctx, "SELECT name FROM tasks WHERE parent = ?", current)
		if err != nil {
			return nil, fmt.Errorf("listing children of '%s': %w", current, err)
		}
		var children []string
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return nil, err
			}
			children = append(children, child)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		result = append(result, children...)
		queue = append(queue, children...)
	}
	return result, nil
}
