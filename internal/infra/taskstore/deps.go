package taskstore

import (
	"context"
	"fmt"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// AddBlock records blocker -> blocked, rejecting self-edges and edges
// that would close a cycle in the blocking graph.
func (s *Store) AddBlock(blocker, blocked string) error {
	return s.withImmediate(func(q querier) error {
		return addBlock(q, blocker, blocked)
	})
}

func addBlock(q querier, blocker, blocked string) error {
	if err := requireTask(q, blocker); err != nil {
		return err
	}
	if err := requireTask(q, blocked); err != nil {
		return err
	}
	if blocker == blocked {
		return domain.ErrSelfBlock
	}
	cycle, err := hasDepCycle(q, blocker, blocked)
	if err != nil {
		return err
	}
	if cycle {
		return domain.ErrDependencyCycle
	}
	_, err = q.ExecContext(context.Background(),
		"INSERT INTO task_deps (blocker, blocked) VALUES (?, ?)", blocker, blocked)
	if err != nil {
		return fmt.Errorf("adding block: %w", err)
	}
	return nil
}

// RemoveBlock deletes a blocking edge.
func (s *Store) RemoveBlock(blocker, blocked string) error {
	return s.withImmediate(func(q querier) error {
		return removeBlock(q, blocker, blocked)
	})
}

func removeBlock(q querier, blocker, blocked string) error {
	if err := requireTask(q, blocker); err != nil {
		return err
	}
	if err := requireTask(q, blocked); err != nil {
		return err
	}
	res, err := q.ExecContext(context.Background(),
		"DELETE FROM task_deps WHERE blocker = ? AND blocked = ?", blocker, blocked)
	if err != nil {
		return fmt.Errorf("removing block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("'%s' is not blocking '%s': %w", blocker, blocked, domain.ErrNotBlocking)
	}
	return nil
}

// Blockers lists the not-done tasks currently blocking name.
func (s *Store) Blockers(name string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT td.blocker FROM task_deps td
		INNER JOIN tasks t ON t.name = td.blocker AND t.status != 'done'
		WHERE td.blocked = ? ORDER BY td.blocker`, name)
	if err != nil {
		return nil, fmt.Errorf("listing blockers: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Dependents lists the tasks name blocks, regardless of their status.
func (s *Store) Dependents(name string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT blocked FROM task_deps WHERE blocker = ? ORDER BY blocked", name)
	if err != nil {
		return nil, fmt.Errorf("listing dependents: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// AllDeps batch-fetches blocked-by and blocks for every task in two
// queries, for the tree view.
func (s *Store) AllDeps() (map[string]domain.TaskDeps, error) {
	deps := make(map[string]domain.TaskDeps)

	rows, err := s.db.Query(`
		SELECT td.blocked, td.blocker FROM task_deps td
		INNER JOIN tasks t ON t.name = td.blocker AND t.status != 'done'
		ORDER BY td.blocked, td.blocker`)
	if err != nil {
		return nil, fmt.Errorf("listing blocked-by edges: %w", err)
	}
	for rows.Next() {
		var blocked, blocker string
		if err := rows.Scan(&blocked, &blocker); err != nil {
			rows.Close()
			return nil, err
		}
		d := deps[blocked]
		d.BlockedBy = append(d.BlockedBy, blocker)
		deps[blocked] = d
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.Query(
		"SELECT blocker, blocked FROM task_deps ORDER BY blocker, blocked")
	if err != nil {
		return nil, fmt.Errorf("listing blocks edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var blocker, blocked string
		if err := rows.Scan(&blocker, &blocked); err != nil {
			return nil, err
		}
		d := deps[blocker]
		d.Blocks = append(d.Blocks, blocked)
		deps[blocker] = d
	}
	return deps, rows.Err()
}

// hasDepCycle reports whether adding blocker -> blocked would create a
// cycle: BFS from blocker through reverse edges (who blocks the
// blocker); reaching blocked means the new edge closes a loop.
func hasDepCycle(q querier, blocker, blocked string) (bool, error) {
	if blocker == blocked {
		return true, nil
	}
	ctx := context.Background()
	visited := map[string]bool{blocker: true}
	queue := []string{blocker}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		rows, err := q.QueryContext(ctx,
			"SELECT blocker FROM task_deps WHERE blocked = ?", current)
		if err != nil {
			return false, fmt.Errorf("walking dependency graph: %w", err)
		}
		var next []string
		for rows.Next() {
			var b string
			if err := rows.Scan(&b); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, b)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, err
		}
		rows.Close()

		for _, b := range next {
			if b == blocked {
				return true, nil
			}
			if !visited[b] {
				visited[b] = true
				queue = append(queue, b)
			}
		}
	}
	return false, nil
}

// hasParentCycle reports whether setting name's parent to newParent
// would create a cycle: walk up from newParent; reaching name (or
// newParent == name) means a loop.
func hasParentCycle(q querier, name, newParent string) (bool, error) {
	if name == newParent {
		return true, nil
	}
	ctx := context.Background()
	current := newParent
	for {
		var parent *string
		err := q.QueryRowContext(ctx,
			"SELECT parent FROM tasks WHERE name = ?", current).Scan(&parent)
		if err != nil {
			return false, fmt.Errorf("walking parent chain: %w", err)
		}
		if parent == nil {
			return false, nil
		}
		if *parent == name {
			return true, nil
		}
		current = *parent
	}
}

func scanStrings(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
