package domain

import (
	"context"
	"time"
)

// TaskRow is the subset of task state the lifecycle engine consumes.
type TaskRow struct {
	Status   Status
	Assignee *string
}

// TaskStore is the persistence port for tasks, notes, and blocking
// edges. Implementations must make every mutating call atomic and
// enforce the status/assignee invariant at the store level.
type TaskStore interface {
	// CreateTask inserts a new task, optionally with parent, first note,
	// an initial claim, or paused state. Claim and paused are mutually
	// exclusive.
	CreateTask(name, description string, opts CreateOptions) error
	// Claim CAS-claims an open task for who. Re-claiming by the current
	// holder succeeds idempotently.
	Claim(name, who string) error
	// ClaimNext atomically ranks and claims the best claimable task.
	// Returns ErrNoneAvailable when nothing is claimable.
	ClaimNext(who string, prefer string) (*Task, error)
	// Release clears the claim iff who is the current assignee.
	Release(name, who string) error
	// Steal unconditionally reassigns an active task and returns the
	// previous assignee. Approval gating lives above the store.
	Steal(name, who string) (string, error)
	// ForceUnassign unconditionally clears an active task's claim.
	ForceUnassign(name string) error

	MarkDone(name string) error
	Reopen(name string) error
	Pause(name string) error
	Unpause(name string) error

	Describe(name, description string) error
	Reparent(name string, parent *string) error
	Remove(name string, recursive bool) error

	AddBlock(blocker, blocked string) error
	RemoveBlock(blocker, blocked string) error
	Blockers(name string) ([]string, error)
	Dependents(name string) ([]string, error)
	AllDeps() (map[string]TaskDeps, error)

	AddNote(task, content string) error
	Notes(task string) ([]Note, error)

	Get(name string) (*Task, error)
	List(filter ListFilter) ([]Task, error)
	ListChildren(parent string, filter ListFilter) ([]Task, error)
	Search(query string) ([]SearchResult, error)
	// ClaimableCount reports how many tasks claim-next could currently
	// pick, for the lifecycle engine's spawn decision.
	ClaimableCount() (int, error)

	// Exec runs a batch script of subcommands in one transaction.
	Exec(script string) error

	Close() error
}

// CreateOptions carries the optional parts of CreateTask.
type CreateOptions struct {
	Parent   *string
	Note     string
	Assignee string
	Paused   bool
}

// ListFilter narrows List/ListChildren output. With All unset and no
// Status, done and paused tasks are excluded.
type ListFilter struct {
	Status *Status
	Root   string
	All    bool
}

// TaskDeps is the (blocked_by, blocks) pair for a single task.
type TaskDeps struct {
	BlockedBy []string
	Blocks    []string
}

// ChangeWaiter blocks until the store file mutates on disk. Spurious
// wakeups are permitted; callers must re-check state.
type ChangeWaiter interface {
	WaitForChange(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// Liveness is the non-blocking result of probing a session's child.
type Liveness struct {
	Alive    bool
	ExitCode int
}

// SessionHandle is the uniform capability set a transport-backed session
// presents to the orchestrator.
type SessionHandle interface {
	TaskName() string
	SessionID() string
	Status() SessionStatus
	SetStatus(SessionStatus)

	// StoppingSince reports when a graceful exit was requested, if ever.
	StoppingSince() (time.Time, bool)
	MarkStopping()

	// PollLiveness never blocks. For shepherd transport it includes
	// socket health and may transparently reconnect a dead reader.
	PollLiveness() Liveness
	ProcessID() int

	// StartForwarding renders the emulator's visible screen to stdout
	// and begins raw byte forwarding from the reader goroutine.
	StartForwarding() error
	// StopForwarding halts raw forwarding and resets terminal input
	// modes the child may have left set.
	StopForwarding() error

	WriteInput(p []byte) error
	Resize(rows, cols uint16) error

	// EnterScrollMode freezes a snapshot of the main grid and returns
	// the scrollback depth available for paging.
	EnterScrollMode() (int, error)
	ExitScrollMode() error
	RenderScrollback(offset int) error
	ScrollbackDepth() (int, error)

	RequestExit()
	ForceKill()
}

// SessionSpawner abstracts how sessions are created so the orchestrator
// can be tested with stubs and switched between transports.
type SessionSpawner interface {
	Spawn(spec SpawnSpec) (SessionHandle, error)
}

// SpawnSpec is everything needed to start one child session.
type SpawnSpec struct {
	Command   string
	Args      []string
	TaskName  string
	SessionID string
	Rows      uint16
	Cols      uint16
	Env       map[string]string
}

// Backend defines how the workspace drives a specific coding agent:
// the binary, how prompts are injected, and how graceful exit is
// requested. Implementations must call MarkStopping after signaling so
// the lifecycle tick can enforce the force-kill timeout.
type Backend interface {
	Command() string
	WorkerArgs(protocolPrompt, taskPrompt string) []string
	ToplevelArgs(protocolPrompt, taskPrompt string) []string
	RequestExit(session SessionHandle)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Logger is the minimal leveled logging port used across the app.
type Logger interface {
	Debug(scope, category, msg string)
	Info(scope, category, msg string)
	Warn(scope, category, msg string)
	Error(scope, category, msg string)
}
