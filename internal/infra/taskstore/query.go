package taskstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Get fetches one task by name.
func (s *Store) Get(name string) (*domain.Task, error) {
	return getTask(s.db, name)
}

func getTask(q querier, name string) (*domain.Task, error) {
	row := q.QueryRowContext(context.Background(),
		"SELECT "+taskColumns+" FROM tasks WHERE name = ?", name)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task '%s': %w", name, domain.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task: %w", err)
	}
	return task, nil
}

// List returns tasks matching the filter, in creation order; with Root
// set, the root comes first, then its descendants in the order
// collectDescendants yields them. Without All or an explicit status,
// done and paused tasks are excluded.
func (s *Store) List(filter domain.ListFilter) ([]domain.Task, error) {
	var tasks []domain.Task

	if filter.Root != "" {
		root, err := s.Get(filter.Root)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *root)
		descendants, err := collectDescendants(s.db, filter.Root)
		if err != nil {
			return nil, err
		}
		for _, name := range descendants {
			t, err := s.Get(name)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, *t)
		}
	} else {
		rows, err := s.db.Query("SELECT " + taskColumns + " FROM tasks ORDER BY id")
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, *t)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return applyFilter(tasks, filter), nil
}

// ListChildren returns the direct children of parent, filtered like List.
func (s *Store) ListChildren(parent string, filter domain.ListFilter) ([]domain.Task, error) {
	if err := requireTask(s.db, parent); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE parent = ? ORDER BY id", parent)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyFilter(tasks, filter), nil
}

func applyFilter(tasks []domain.Task, filter domain.ListFilter) []domain.Task {
	if filter.All {
		return tasks
	}
	filtered := tasks[:0]
	for _, t := range tasks {
		if filter.Status != nil {
			if t.Status == *filter.Status {
				filtered = append(filtered, t)
			}
			continue
		}
		if t.Status != domain.StatusDone && t.Status != domain.StatusPaused {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// AddNote appends a note to a task.
func (s *Store) AddNote(task, content string) error {
	return s.withImmediate(func(q querier) error {
		return addNote(q, task, content)
	})
}

func addNote(q querier, task, content string) error {
	if err := requireTask(q, task); err != nil {
		return err
	}
	_, err := q.ExecContext(context.Background(),
		"INSERT INTO notes (task, content) VALUES (?, ?)", task, content)
	if err != nil {
		return fmt.Errorf("adding note: %w", err)
	}
	return nil
}

// Notes returns a task's notes in append order.
func (s *Store) Notes(task string) ([]domain.Note, error) {
	if err := requireTask(s.db, task); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		"SELECT id, task, content, created_at FROM notes WHERE task = ? ORDER BY id", task)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.Task, &n.Content, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

const searchTasks = `
SELECT DISTINCT t.id, t.name, t.parent, t.description, t.status,
       t.assignee, t.status_changed_at, t.created_at, t.updated_at,
       CASE WHEN tfts.rowid IS NOT NULL THEN 1 ELSE 0 END AS task_match,
       CASE WHEN nfts.task IS NOT NULL THEN 1 ELSE 0 END AS note_match,
       COALESCE(MIN(COALESCE(tfts.rank, 0), COALESCE(nfts.best_rank, 0)), 0) AS best_rank
FROM tasks t
LEFT JOIN (
    SELECT rowid, rank FROM tasks_fts WHERE tasks_fts MATCH ?1
) tfts ON tfts.rowid = t.id
LEFT JOIN (
    SELECT n.task, MIN(nfts2.rank) AS best_rank
    FROM notes_fts nfts2
    JOIN notes n ON n.id = nfts2.rowid
    WHERE notes_fts MATCH ?1
    GROUP BY n.task
) nfts ON nfts.task = t.name
WHERE tfts.rowid IS NOT NULL OR nfts.task IS NOT NULL
ORDER BY best_rank ASC, t.id ASC
`

// Search runs an FTS query across task names, descriptions, and notes.
// Done tasks are included; each result reports which facets matched.
func (s *Store) Search(query string) ([]domain.SearchResult, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, domain.ErrEmptyQuery
	}

	rows, err := s.db.Query(searchTasks, ftsQuery)
	if err != nil {
		return nil, fmt.Errorf("searching tasks: %w", err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	for rows.Next() {
		var t domain.Task
		var parent, assignee, statusChanged sql.NullString
		var taskMatch, noteMatch bool
		var bestRank float64
		err := rows.Scan(&t.ID, &t.Name, &parent, &t.Description, &t.Status,
			&assignee, &statusChanged, &t.CreatedAt, &t.UpdatedAt,
			&taskMatch, &noteMatch, &bestRank)
		if err != nil {
			return nil, err
		}
		if parent.Valid {
			t.Parent = &parent.String
		}
		if assignee.Valid {
			t.Assignee = &assignee.String
		}
		if statusChanged.Valid {
			t.StatusChangedAt = &statusChanged.String
		}

		var matched []string
		if taskMatch {
			matched = append(matched, "task")
		}
		if noteMatch {
			matched = append(matched, "notes")
		}
		results = append(results, domain.SearchResult{Task: t, MatchedIn: matched})
	}
	return results, rows.Err()
}
