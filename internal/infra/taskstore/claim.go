package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

const claimOpen = `
UPDATE tasks
SET status = 'active', assignee = ?,
    status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ? AND status = 'open'
`

const reclaimActive = `
UPDATE tasks
SET status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ? AND status = 'active' AND assignee = ?
`

const reassignActive = `
UPDATE tasks
SET assignee = ?,
    status_changed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE name = ? AND status = 'active'
`

// Claim CAS-claims an open task for who. Re-claiming by the current
// holder succeeds idempotently; any other state fails with a specific
// error.
func (s *Store) Claim(name, who string) error {
	return s.withImmediate(func(q querier) error {
		return claimTask(q, name, who)
	})
}

func claimTask(q querier, name, who string) error {
	ctx := context.Background()
	if err := requireTask(q, name); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, claimOpen, who, name)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Idempotent re-claim by the same assignee.
	res, err = q.ExecContext(ctx, reclaimActive, name, who)
	if err != nil {
		return fmt.Errorf("reclaiming task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	status, assignee, err := statusAndAssignee(q, name)
	if err != nil {
		return err
	}
	switch status {
	case domain.StatusActive:
		return fmt.Errorf("task '%s' is claimed by '%s': %w", name, *assignee, domain.ErrAlreadyClaimed)
	case domain.StatusPaused:
		return fmt.Errorf("task '%s' is paused: %w", name, domain.ErrAlreadyClaimed)
	case domain.StatusDone:
		return fmt.Errorf("task '%s' is done: %w", name, domain.ErrAlreadyClaimed)
	default:
		return fmt.Errorf("task '%s': %w", name, domain.ErrAlreadyClaimed)
	}
}

// Release clears the claim iff who holds it.
func (s *Store) Release(name, who string) error {
	return s.withImmediate(func(q querier) error {
		return releaseTask(q, name, who)
	})
}

func releaseTask(q querier, name, who string) error {
	status, assignee, err := statusAndAssignee(q, name)
	if err != nil {
		return err
	}
	if status != domain.StatusActive || assignee == nil {
		return fmt.Errorf("task '%s': %w", name, domain.ErrNotAssigned)
	}
	if *assignee != who {
		return fmt.Errorf("task '%s' is assigned to '%s', not '%s': %w",
			name, *assignee, who, domain.ErrNotOwner)
	}
	_, err = q.ExecContext(context.Background(), releaseToOpen, name)
	return err
}

// Steal unconditionally reassigns an active task to who, returning the
// previous assignee. Intended for user-initiated recovery; approval is
// gated above the store.
func (s *Store) Steal(name, who string) (string, error) {
	var prev string
	err := s.withImmediate(func(q querier) error {
		p, err := stealTask(q, name, who)
		if err != nil {
			return err
		}
		prev = p
		return nil
	})
	return prev, err
}

func stealTask(q querier, name, who string) (string, error) {
	status, assignee, err := statusAndAssignee(q, name)
	if err != nil {
		return "", err
	}
	if status != domain.StatusActive || assignee == nil {
		return "", fmt.Errorf("task '%s' (status: %s): %w", name, status, domain.ErrNotActive)
	}
	if _, err := q.ExecContext(context.Background(), reassignActive, who, name); err != nil {
		return "", err
	}
	return *assignee, nil
}

// ForceUnassign unconditionally clears an active task's claim.
func (s *Store) ForceUnassign(name string) error {
	return s.withImmediate(func(q querier) error {
		return forceUnassignTask(q, name)
	})
}

func forceUnassignTask(q querier, name string) error {
	status, _, err := statusAndAssignee(q, name)
	if err != nil {
		return err
	}
	if status != domain.StatusActive {
		return fmt.Errorf("task '%s' (status: %s): %w", name, status, domain.ErrNotActive)
	}
	_, err = q.ExecContext(context.Background(), releaseToOpen, name)
	return err
}

// claimNextAttempts bounds the CAS retry loop inside ClaimNext.
const claimNextAttempts = 3

const claimNextWithPrefer = `
SELECT t.name FROM tasks t
LEFT JOIN (
    SELECT rowid, rank FROM tasks_fts
    WHERE tasks_fts MATCH ?1
      AND rowid IN (SELECT id FROM tasks WHERE status = 'open')
) tfts ON tfts.rowid = t.id
LEFT JOIN (
    SELECT n.task, MIN(nfts.rank) AS best_rank
    FROM notes_fts nfts
    JOIN notes n ON n.id = nfts.rowid
    JOIN tasks t2 ON t2.name = n.task AND t2.status = 'open'
    WHERE notes_fts MATCH ?1
    GROUP BY n.task
) nfts ON nfts.task = t.name
LEFT JOIN (
    SELECT td.blocker, COUNT(*) AS cnt FROM task_deps td
    INNER JOIN tasks bt ON bt.name = td.blocked AND bt.status NOT IN ('done')
    GROUP BY td.blocker
) uc ON uc.blocker = t.name
WHERE t.status = 'open'
  AND NOT EXISTS (
      SELECT 1 FROM task_deps td2
      INNER JOIN tasks bt2 ON bt2.name = td2.blocker AND bt2.status NOT IN ('done')
      WHERE td2.blocked = t.name
  )
ORDER BY
    CASE WHEN tfts.rank IS NOT NULL OR nfts.best_rank IS NOT NULL THEN 0 ELSE 1 END,
    MIN(COALESCE(tfts.rank, 0), COALESCE(nfts.best_rank, 0)),
    COALESCE(uc.cnt, 0) DESC,
    t.id ASC, t.name ASC
LIMIT 1
`

const claimNextNoPrefer = `
SELECT t.name FROM tasks t
LEFT JOIN (
    SELECT td.blocker, COUNT(*) AS cnt FROM task_deps td
    INNER JOIN tasks bt ON bt.name = td.blocked AND bt.status NOT IN ('done')
    GROUP BY td.blocker
) uc ON uc.blocker = t.name
WHERE t.status = 'open'
  AND NOT EXISTS (
      SELECT 1 FROM task_deps td2
      INNER JOIN tasks bt2 ON bt2.name = td2.blocker AND bt2.status NOT IN ('done')
      WHERE td2.blocked = t.name
  )
ORDER BY
    COALESCE(uc.cnt, 0) DESC,
    t.id ASC, t.name ASC
LIMIT 1
`

// ClaimNext ranks claimable tasks and CAS-claims the best one for who,
// inside a single transaction. Candidates matching the prefer text (FTS
// over name, description, and notes) rank first; ties break on how many
// tasks the candidate unblocks, then on age, then on name. If the CAS
// loses to a concurrent writer the selection retries a bounded number
// of times before reporting ErrNoneAvailable.
func (s *Store) ClaimNext(who string, prefer string) (*domain.Task, error) {
	var claimed *domain.Task
	err := s.withImmediate(func(q querier) error {
		task, err := claimNext(q, who, prefer)
		if err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimNext is the transaction body of ClaimNext, shared with Exec so
// claim-next lines join the surrounding batch transaction.
func claimNext(q querier, who, prefer string) (*domain.Task, error) {
	ctx := context.Background()
	ftsQuery := sanitizeFTSQuery(prefer)

	for attempt := 0; attempt < claimNextAttempts; attempt++ {
		var name string
		var err error
		if ftsQuery != "" {
			err = q.QueryRowContext(ctx, claimNextWithPrefer, ftsQuery).Scan(&name)
		} else {
			err = q.QueryRowContext(ctx, claimNextNoPrefer).Scan(&name)
		}
		if err == sql.ErrNoRows {
			return nil, domain.ErrNoneAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("selecting next task: %w", err)
		}

		res, err := q.ExecContext(ctx, claimOpen, who, name)
		if err != nil {
			return nil, fmt.Errorf("claiming '%s': %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another writer claimed it between SELECT and UPDATE.
			continue
		}
		return getTask(q, name)
	}
	return nil, domain.ErrNoneAvailable
}

// ClaimableCount reports how many tasks ClaimNext could currently pick.
func (s *Store) ClaimableCount() (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks t
		WHERE t.status = 'open'
		  AND NOT EXISTS (
		      SELECT 1 FROM task_deps td
		      INNER JOIN tasks bt ON bt.name = td.blocker AND bt.status NOT IN ('done')
		      WHERE td.blocked = t.name
		  )`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting claimable tasks: %w", err)
	}
	return count, nil
}

// sanitizeFTSQuery turns free-form text into an FTS5 query: each word
// quoted, joined with OR. Returns "" when no words remain.
func sanitizeFTSQuery(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		cleaned := strings.ReplaceAll(w, `"`, "")
		quoted = append(quoted, `"`+cleaned+`"`)
	}
	return strings.Join(quoted, " OR ")
}
