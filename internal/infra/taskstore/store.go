// Package taskstore implements the SQLite-backed task store. All
// mutating operations run under BEGIN IMMEDIATE so the writer lock is
// taken before any conflicting read; claim-shaped operations are
// compare-and-swap on the assignee column.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Ensure Store implements domain.TaskStore interface.
var _ domain.TaskStore = (*Store)(nil)

// Store manages database operations.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                 INTEGER PRIMARY KEY,
    name               TEXT NOT NULL UNIQUE CHECK(name NOT GLOB '*[^a-zA-Z0-9_-]*' AND length(name) > 0),
    parent             TEXT REFERENCES tasks(name) ON UPDATE CASCADE ON DELETE RESTRICT,
    description        TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'paused', 'active', 'done')),
    assignee           TEXT,
    status_changed_at  TEXT,
    created_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    CHECK((status = 'active') = (assignee IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS notes (
    id         INTEGER PRIMARY KEY,
    task       TEXT NOT NULL REFERENCES tasks(name) ON UPDATE CASCADE ON DELETE CASCADE,
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS task_deps (
    blocker TEXT NOT NULL REFERENCES tasks(name) ON UPDATE CASCADE ON DELETE CASCADE,
    blocked TEXT NOT NULL REFERENCES tasks(name) ON UPDATE CASCADE ON DELETE CASCADE,
    PRIMARY KEY (blocker, blocked),
    CHECK (blocker != blocked)
);

CREATE VIRTUAL TABLE IF NOT EXISTS tasks_fts USING fts5(
    name, description,
    content='tasks', content_rowid='id'
);

CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
    content,
    content='notes', content_rowid='id'
);
`

const triggers = `
CREATE TRIGGER IF NOT EXISTS tasks_fts_ai AFTER INSERT ON tasks BEGIN
    INSERT INTO tasks_fts(rowid, name, description) VALUES(new.id, new.name, new.description);
END;
CREATE TRIGGER IF NOT EXISTS tasks_fts_ad AFTER DELETE ON tasks BEGIN
    INSERT INTO tasks_fts(tasks_fts, rowid, name, description)
    VALUES('delete', old.id, old.name, old.description);
END;
CREATE TRIGGER IF NOT EXISTS tasks_fts_au AFTER UPDATE ON tasks BEGIN
    INSERT INTO tasks_fts(tasks_fts, rowid, name, description)
    VALUES('delete', old.id, old.name, old.description);
    INSERT INTO tasks_fts(rowid, name, description) VALUES(new.id, new.name, new.description);
END;

CREATE TRIGGER IF NOT EXISTS notes_fts_ai AFTER INSERT ON notes BEGIN
    INSERT INTO notes_fts(rowid, content) VALUES(new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS notes_fts_ad AFTER DELETE ON notes BEGIN
    INSERT INTO notes_fts(notes_fts, rowid, content) VALUES('delete', old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS notes_fts_au AFTER UPDATE ON notes BEGIN
    INSERT INTO notes_fts(notes_fts, rowid, content) VALUES('delete', old.id, old.content);
    INSERT INTO notes_fts(rowid, content) VALUES(new.id, new.content);
END;
`

// Open opens (creating if missing) the kbtz database at path and applies
// schema and pragmas. The connection pool is capped at one connection to
// keep the single-writer discipline explicit.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: ":memory:"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := s.db.Exec(triggers); err != nil {
		return fmt.Errorf("creating triggers: %w", err)
	}

	var version int64
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version < 2 {
		if _, err := s.db.Exec(`
			INSERT INTO tasks_fts(tasks_fts) VALUES('rebuild');
			INSERT INTO notes_fts(notes_fts) VALUES('rebuild');
			PRAGMA user_version = 2;
		`); err != nil {
			return fmt.Errorf("rebuilding FTS indexes: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is the common query surface of *sql.DB, *sql.Conn, and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withImmediate runs fn inside BEGIN IMMEDIATE ... COMMIT on a dedicated
// connection, rolling back if fn fails. BEGIN IMMEDIATE acquires the
// writer lock up front so reads inside fn cannot be invalidated by a
// concurrent writer before the following write.
func (s *Store) withImmediate(fn func(q querier) error) error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func taskExists(q querier, name string) (bool, error) {
	var count int64
	err := q.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM tasks WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking task existence: %w", err)
	}
	return count > 0, nil
}

func requireTask(q querier, name string) error {
	exists, err := taskExists(q, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("task '%s': %w", name, domain.ErrTaskNotFound)
	}
	return nil
}

func statusAndAssignee(q querier, name string) (domain.Status, *string, error) {
	var status string
	var assignee sql.NullString
	err := q.QueryRowContext(context.Background(),
		"SELECT status, assignee FROM tasks WHERE name = ?", name).Scan(&status, &assignee)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("task '%s': %w", name, domain.ErrTaskNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("reading task status: %w", err)
	}
	var a *string
	if assignee.Valid {
		a = &assignee.String
	}
	return domain.Status(status), a, nil
}

const taskColumns = "id, name, parent, description, status, assignee, status_changed_at, created_at, updated_at"

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var parent, assignee, statusChanged sql.NullString
	err := row.Scan(&t.ID, &t.Name, &parent, &t.Description, &t.Status,
		&assignee, &statusChanged, &t.CreatedAt, &t.UpdatedAt)
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
	return &t, nil
}
