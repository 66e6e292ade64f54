// Package domain contains core business entities and interfaces.
package domain

import "strings"

// Task represents a unit of work stored in the kbtz database.
// Fields are ordered to minimize memory padding.
type Task struct {
	Name            string  `json:"name"`                        // Immutable kebab-case identifier
	Parent          *string `json:"parent,omitempty"`            // Parent task name (nil = root task)
	Description     string  `json:"description"`                 // One-line description
	Status          Status  `json:"status"`                      // Current lifecycle status
	Assignee        *string `json:"assignee,omitempty"`          // Session ID holding the claim (nil unless active)
	StatusChangedAt *string `json:"status_changed_at,omitempty"` // RFC 3339 UTC, set on every status change
	CreatedAt       string  `json:"created_at"`                  // RFC 3339 UTC
	UpdatedAt       string  `json:"updated_at"`                  // RFC 3339 UTC
	ID              int64   `json:"-"`                           // Database rowid, used for ranking tie-breaks
}

// IsRoot returns true if this is a root task (no parent).
func (t *Task) IsRoot() bool {
	return t.Parent == nil
}

// IsClaimed returns true if the task currently has an assignee.
func (t *Task) IsClaimed() bool {
	return t.Assignee != nil
}

// Icon returns the single-character display marker for the tree view:
// x=done, *=active, ~=paused, .=open.
func (t *Task) Icon() string {
	switch t.Status {
	case StatusDone:
		return "x"
	case StatusActive:
		return "*"
	case StatusPaused:
		return "~"
	default:
		return "."
	}
}

// ValidateName checks that a task name is non-empty and contains only
// ASCII letters, digits, hyphens, and underscores. The same rule is
// enforced by a CHECK constraint in the store schema.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// Note is an append-only record attached to a task. Notes are never
// mutated; they disappear only when the owning task is deleted.
type Note struct {
	Task      string `json:"task"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	ID        int64  `json:"-"`
}

// BlockingEdge is a blocker -> blocked dependency between two tasks.
type BlockingEdge struct {
	Blocker string `json:"blocker"`
	Blocked string `json:"blocked"`
}

// SearchResult pairs a task with the facets the query matched in
// ("task" for name/description, "notes" for note content).
type SearchResult struct {
	Task      Task     `json:"task"`
	MatchedIn []string `json:"matched_in"`
}

// MatchedLabel renders the matched_in facets for list output.
func (r *SearchResult) MatchedLabel() string {
	return strings.Join(r.MatchedIn, ",")
}
