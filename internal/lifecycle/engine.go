// Package lifecycle holds the pure decision engine of the workspace:
// given a snapshot of tracked sessions, their task rows, process
// liveness, and free capacity, it returns the actions to take. It
// performs no I/O, reads no clocks, and is deterministic for equal
// inputs; the orchestrator is the only component with effects.
package lifecycle

import (
	"time"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// GracefulTimeout is how long a stopping session may linger after
// SIGTERM before it is force-killed.
const GracefulTimeout = 5 * time.Second

// Phase is a session's process state at snapshot time.
type Phase uint8

const (
	// PhaseRunning means the child is alive and no exit was requested.
	PhaseRunning Phase = iota
	// PhaseStopping means a graceful exit was requested at Since.
	PhaseStopping
	// PhaseExited means the child process is gone.
	PhaseExited
)

// SessionSnapshot is one tracked session as the engine sees it.
type SessionSnapshot struct {
	SessionID string
	Phase     Phase
	// Since is the stop request time, meaningful in PhaseStopping.
	Since time.Time
	// Task is the store row for the session's task; nil if the task
	// was deleted.
	Task *domain.TaskRow
	// Status is the last status-file state.
	Status domain.SessionStatus
	// ReportedStatus is what the engine last published for this
	// session; an UpdateStatus decision is emitted when it drifts.
	ReportedStatus domain.SessionStatus
}

// Snapshot is the engine's entire input.
type Snapshot struct {
	Sessions []SessionSnapshot
	// MaxConcurrency caps auto-spawned sessions; zero disables
	// spawning entirely (manual mode) while reaping continues.
	MaxConcurrency int
	// ClaimableTasks is the store's count of tasks claim-next could
	// pick right now.
	ClaimableTasks int
	// AutoSpawn gates Spawn decisions independently of capacity.
	AutoSpawn bool
	// Now is the snapshot time, passed in to keep the engine clock-free.
	Now time.Time
}

// ReapReason explains a Reap decision for UI display.
type ReapReason string

const (
	ReasonDone       ReapReason = "done"
	ReasonPaused     ReapReason = "paused"
	ReasonDeleted    ReapReason = "deleted"
	ReasonReleased   ReapReason = "released"
	ReasonReassigned ReapReason = "reassigned"
	ReasonExited     ReapReason = "exited"
)

// Decision is one action for the orchestrator to execute. Exactly one
// field group is meaningful per Kind.
type Decision struct {
	Kind      DecisionKind
	SessionID string
	Reason    ReapReason
	// Status is the new session status for UpdateStatus.
	Status domain.SessionStatus
	// Count is how many sessions Spawn may create.
	Count int
}

// DecisionKind discriminates Decision values.
type DecisionKind uint8

const (
	// Reap requests a graceful exit; the reason is recorded for the UI.
	Reap DecisionKind = iota
	// ForceKill terminates a session whose grace period expired.
	ForceKill
	// Remove drops an exited session from the tracked map.
	Remove
	// Spawn claims and starts up to Count new sessions (pick-next).
	Spawn
	// UpdateStatus publishes a changed status-file state to the UI.
	UpdateStatus
)

// Tick computes the ordered decision list for one snapshot.
func Tick(snap Snapshot) []Decision {
	var decisions []Decision
	running := 0

	for _, s := range snap.Sessions {
		if s.Status != s.ReportedStatus {
			decisions = append(decisions, Decision{
				Kind:      UpdateStatus,
				SessionID: s.SessionID,
				Status:    s.Status,
			})
		}

		switch s.Phase {
		case PhaseExited:
			decisions = append(decisions, Decision{
				Kind:      Remove,
				SessionID: s.SessionID,
				Reason:    ReasonExited,
			})
		case PhaseStopping:
			if snap.Now.Sub(s.Since) >= GracefulTimeout {
				decisions = append(decisions,
					Decision{Kind: ForceKill, SessionID: s.SessionID},
					Decision{Kind: Remove, SessionID: s.SessionID, Reason: ReasonExited},
				)
			}
			// Stopping sessions do not count toward concurrency.
		case PhaseRunning:
			if reason, reap := reapReason(s); reap {
				decisions = append(decisions, Decision{
					Kind:      Reap,
					SessionID: s.SessionID,
					Reason:    reason,
				})
				// Will transition to stopping; free the slot now.
			} else {
				running++
			}
		}
	}

	if snap.AutoSpawn && running < snap.MaxConcurrency && snap.ClaimableTasks > 0 {
		free := snap.MaxConcurrency - running
		if free > snap.ClaimableTasks {
			free = snap.ClaimableTasks
		}
		decisions = append(decisions, Decision{Kind: Spawn, Count: free})
	}

	return decisions
}

// reapReason decides whether a running session has lost its task.
func reapReason(s SessionSnapshot) (ReapReason, bool) {
	if s.Task == nil {
		return ReasonDeleted, true
	}
	switch s.Task.Status {
	case domain.StatusDone:
		return ReasonDone, true
	case domain.StatusPaused:
		return ReasonPaused, true
	case domain.StatusOpen:
		// The agent (or the user) released it.
		return ReasonReleased, true
	case domain.StatusActive:
		if s.Task.Assignee == nil || *s.Task.Assignee != s.SessionID {
			return ReasonReassigned, true
		}
	}
	return "", false
}
