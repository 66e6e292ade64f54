// Package orchestrator ties the task store, the lifecycle engine, and
// the passthrough sessions together. It owns the session-ID counter,
// the session map, the workspace lock, and every side effect the
// engine's decisions require.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/filelock"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/taskstore"
	"github.com/kbtz-tools/kbtz-workspace/internal/lifecycle"
)

// Options configures an Orchestrator.
type Options struct {
	Store        *taskstore.Store
	WorkspaceDir string
	Concurrency  int
	Manual       bool
	Prefer       string
	Backend      domain.Backend
	Spawner      domain.SessionSpawner
	Logger       domain.Logger
	Clock        domain.Clock
	Rows         uint16
	Cols         uint16
	// SkipLock disables workspace locking, for tests that run several
	// orchestrators against one directory.
	SkipLock bool
}

// Orchestrator owns all sessions from spawn to reap.
type Orchestrator struct {
	store   *taskstore.Store
	backend domain.Backend
	spawner domain.SessionSpawner
	log     domain.Logger
	clock   domain.Clock

	workspaceDir string
	lock         *filelock.Lock

	mu       sync.Mutex
	sessions map[string]domain.SessionHandle // session ID -> session
	byTask   map[string]string               // task name -> session ID
	toplevel domain.SessionHandle
	counter  uint64
	rows     uint16
	cols     uint16

	concurrency int
	manual      bool
	prefer      string

	lastEvent string
}

// New acquires the workspace lock, prepares the directory, reconciles
// leftover broker children, and returns a ready orchestrator. The lock
// is non-blocking: a second orchestrator on the same workspace fails
// with domain.ErrWorkspaceLocked.
func New(opts Options) (*Orchestrator, error) {
	if err := os.MkdirAll(opts.WorkspaceDir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	var lock *filelock.Lock
	if !opts.SkipLock {
		var err error
		lock, err = filelock.Acquire(domain.LockPath(opts.WorkspaceDir))
		if err != nil {
			return nil, err
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}

	o := &Orchestrator{
		store:        opts.Store,
		backend:      opts.Backend,
		spawner:      opts.Spawner,
		log:          opts.Logger,
		clock:        clock,
		workspaceDir: opts.WorkspaceDir,
		lock:         lock,
		sessions:     make(map[string]domain.SessionHandle),
		byTask:       make(map[string]string),
		rows:         opts.Rows,
		cols:         opts.Cols,
		concurrency:  opts.Concurrency,
		manual:       opts.Manual,
		prefer:       opts.Prefer,
	}

	if err := o.reconcile(); err != nil {
		o.releaseLock()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) releaseLock() {
	if o.lock != nil {
		_ = o.lock.Release()
		o.lock = nil
	}
}

func (o *Orchestrator) logInfo(scope, category, msg string) {
	if o.log != nil {
		o.log.Info(scope, category, msg)
	}
}

func (o *Orchestrator) logWarn(scope, category, msg string) {
	if o.log != nil {
		o.log.Warn(scope, category, msg)
	}
}

// Tick runs one lifecycle round: snapshot, decide, execute. It returns
// a short description of notable events (kills, exits) for the status
// line, or "".
func (o *Orchestrator) Tick() string {
	snap := o.snapshot()
	decisions := lifecycle.Tick(snap)
	return o.execute(decisions)
}

// snapshot gathers the engine's inputs: per-session liveness and task
// rows, plus the claimable count.
func (o *Orchestrator) snapshot() lifecycle.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	sessions := make([]lifecycle.SessionSnapshot, 0, len(o.sessions))
	for id, s := range o.sessions {
		ss := lifecycle.SessionSnapshot{
			SessionID:      id,
			Status:         s.Status(),
			ReportedStatus: s.Status(),
		}

		if !s.PollLiveness().Alive {
			ss.Phase = lifecycle.PhaseExited
		} else if since, stopping := s.StoppingSince(); stopping {
			ss.Phase = lifecycle.PhaseStopping
			ss.Since = since
		} else {
			ss.Phase = lifecycle.PhaseRunning
		}

		if task, err := o.store.Get(s.TaskName()); err == nil {
			ss.Task = &domain.TaskRow{Status: task.Status, Assignee: task.Assignee}
		}
		sessions = append(sessions, ss)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionID < sessions[j].SessionID
	})

	claimable, err := o.store.ClaimableCount()
	if err != nil {
		claimable = 0
	}

	concurrency := o.concurrency
	if o.manual {
		concurrency = 0
	}
	return lifecycle.Snapshot{
		Sessions:       sessions,
		MaxConcurrency: concurrency,
		ClaimableTasks: claimable,
		AutoSpawn:      !o.manual,
		Now:            o.clock.Now(),
	}
}

// execute applies the engine's decisions. Transient and conflict
// errors are logged and retried naturally on the next tick.
func (o *Orchestrator) execute(decisions []lifecycle.Decision) string {
	var events []string

	for _, d := range decisions {
		switch d.Kind {
		case lifecycle.Reap:
			o.mu.Lock()
			s := o.sessions[d.SessionID]
			o.mu.Unlock()
			if s != nil {
				o.logInfo(d.SessionID, "lifecycle", fmt.Sprintf("reaping (%s)", d.Reason))
				o.backend.RequestExit(s)
			}
		case lifecycle.ForceKill:
			o.mu.Lock()
			s := o.sessions[d.SessionID]
			o.mu.Unlock()
			if s != nil {
				s.ForceKill()
				events = append(events, d.SessionID+" killed")
			}
		case lifecycle.Remove:
			if o.removeSession(d.SessionID) {
				if !containsPrefix(events, d.SessionID) {
					events = append(events, d.SessionID+" exited")
				}
			}
		case lifecycle.Spawn:
			if err := o.spawnUpTo(d.Count); err != nil {
				events = append(events, err.Error())
			}
		case lifecycle.UpdateStatus:
			// Status-file updates flow through ReadStatusFiles; the
			// decision is informational here.
		}
	}

	if len(events) == 0 {
		return ""
	}
	msg := strings.Join(events, ", ")
	o.mu.Lock()
	o.lastEvent = msg
	o.mu.Unlock()
	return msg
}

func containsPrefix(events []string, prefix string) bool {
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// spawnUpTo claims and starts up to count sessions. The claim happens
// before the session exists; a spawn failure releases the claim and
// rolls the counter back. Claim-next finding nothing stops the loop.
func (o *Orchestrator) spawnUpTo(count int) error {
	for i := 0; i < count; i++ {
		o.mu.Lock()
		o.counter++
		sessionID := domain.SessionID(o.counter)
		o.mu.Unlock()

		task, err := o.store.ClaimNext(sessionID, o.prefer)
		if err != nil {
			o.rollbackCounter()
			if err == domain.ErrNoneAvailable {
				return nil
			}
			return fmt.Errorf("claim next: %w", err)
		}

		if err := o.startSession(task, sessionID); err != nil {
			_ = o.store.Release(task.Name, sessionID)
			o.rollbackCounter()
			o.logWarn(sessionID, "spawn", err.Error())
			return fmt.Errorf("failed to spawn session: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) rollbackCounter() {
	o.mu.Lock()
	o.counter--
	o.mu.Unlock()
}

// SpawnForTask claims a specific task and starts a session for it.
func (o *Orchestrator) SpawnForTask(taskName string) error {
	o.mu.Lock()
	if _, exists := o.byTask[taskName]; exists {
		o.mu.Unlock()
		return domain.ErrSessionExists
	}
	o.counter++
	sessionID := domain.SessionID(o.counter)
	o.mu.Unlock()

	if err := o.store.Claim(taskName, sessionID); err != nil {
		o.rollbackCounter()
		return err
	}
	task, err := o.store.Get(taskName)
	if err != nil {
		_ = o.store.Release(taskName, sessionID)
		o.rollbackCounter()
		return err
	}
	if err := o.startSession(task, sessionID); err != nil {
		_ = o.store.Release(taskName, sessionID)
		o.rollbackCounter()
		return err
	}
	return nil
}

// startSession builds the spawn spec, writes the initial status file,
// and registers the new session.
func (o *Orchestrator) startSession(task *domain.Task, sessionID string) error {
	args := o.backend.WorkerArgs(AgentPrompt, taskPrompt(task.Name, task.Description))

	spec := domain.SpawnSpec{
		Command:   o.backend.Command(),
		Args:      args,
		TaskName:  task.Name,
		SessionID: sessionID,
		Rows:      o.rows,
		Cols:      o.cols,
		Env: map[string]string{
			domain.EnvDB:           o.store.Path(),
			domain.EnvTask:         task.Name,
			domain.EnvSessionID:    sessionID,
			domain.EnvWorkspaceDir: o.workspaceDir,
		},
	}

	s, err := o.spawner.Spawn(spec)
	if err != nil {
		return err
	}

	statusPath := domain.StatusFilePath(o.workspaceDir, sessionID)
	if err := os.WriteFile(statusPath, []byte(domain.SessionStarting), 0o644); err != nil {
		o.logWarn(sessionID, "status", "write initial status file: "+err.Error())
	}

	o.mu.Lock()
	o.byTask[task.Name] = sessionID
	o.sessions[sessionID] = s
	o.mu.Unlock()

	o.logInfo(sessionID, "spawn", "started for task "+task.Name)
	return nil
}

// removeSession drops a session from the map, releases its claim, and
// deletes its status file. The task mapping is only cleared when it
// still points at this session; a newer session may have reclaimed the
// same task after a pause/unpause cycle.
func (o *Orchestrator) removeSession(sessionID string) bool {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.sessions, sessionID)
	taskName := s.TaskName()
	if o.byTask[taskName] == sessionID {
		delete(o.byTask, taskName)
	}
	o.mu.Unlock()

	_ = s.StopForwarding()
	_ = o.store.Release(taskName, sessionID)
	_ = os.Remove(domain.StatusFilePath(o.workspaceDir, sessionID))
	o.logInfo(sessionID, "lifecycle", "removed")
	return true
}

// RestartSession kills and releases a task's session so a new one can
// be spawned.
func (o *Orchestrator) RestartSession(taskName string) {
	o.mu.Lock()
	sessionID, ok := o.byTask[taskName]
	var s domain.SessionHandle
	if ok {
		s = o.sessions[sessionID]
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if s != nil {
		s.ForceKill()
	}
	o.removeSession(sessionID)
}

// ReadStatusFiles refreshes every session's status from its file.
// Unreadable files keep the previous state.
func (o *Orchestrator) ReadStatusFiles() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sessionID, s := range o.sessions {
		content, err := os.ReadFile(domain.StatusFilePath(o.workspaceDir, sessionID))
		if err != nil {
			continue
		}
		status := domain.ParseSessionStatus(string(content))
		if s.Status() != status {
			s.SetStatus(status)
		}
	}
}

// HandleResize propagates a terminal resize to every session.
func (o *Orchestrator) HandleResize(rows, cols uint16) {
	o.mu.Lock()
	o.rows, o.cols = rows, cols
	sessions := o.handleList()
	toplevel := o.toplevel
	o.mu.Unlock()

	for _, s := range sessions {
		_ = s.Resize(rows, cols)
	}
	if toplevel != nil {
		_ = toplevel.Resize(rows, cols)
	}
}

func (o *Orchestrator) handleList() []domain.SessionHandle {
	out := make([]domain.SessionHandle, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

// Session returns the handle for a session ID.
func (o *Orchestrator) Session(sessionID string) (domain.SessionHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

// SessionForTask returns the session currently working a task.
func (o *Orchestrator) SessionForTask(taskName string) (domain.SessionHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.byTask[taskName]
	if !ok {
		return nil, false
	}
	s, ok := o.sessions[id]
	return s, ok
}

// SessionIDs returns tracked session IDs in sorted order for cycling.
func (o *Orchestrator) SessionIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextNeedsInput finds the next session whose status is needs_input,
// cycling after the current task's session. Returns its task name.
func (o *Orchestrator) NextNeedsInput(currentTask string) (string, bool) {
	ids := o.SessionIDs()

	o.mu.Lock()
	defer o.mu.Unlock()

	var needing []string
	for _, id := range ids {
		if s, ok := o.sessions[id]; ok && s.Status() == domain.SessionNeedsInput {
			needing = append(needing, id)
		}
	}
	if len(needing) == 0 {
		return "", false
	}

	current := ""
	if currentTask != "" {
		current = o.byTask[currentTask]
	}
	idx := 0
	if current != "" {
		for i, id := range needing {
			if id > current {
				idx = i
				break
			}
		}
	}
	s := o.sessions[needing[idx]]
	return s.TaskName(), true
}

// CycleSession returns the task of the next (or previous) session
// after the one working currentTask.
func (o *Orchestrator) CycleSession(currentTask string, backwards bool) (string, bool) {
	ids := o.SessionIDs()
	if len(ids) == 0 {
		return "", false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current, ok := o.byTask[currentTask]
	if !ok {
		return "", false
	}
	pos := -1
	for i, id := range ids {
		if id == current {
			pos = i
			break
		}
	}
	if pos < 0 {
		return "", false
	}
	var next int
	if backwards {
		next = (pos - 1 + len(ids)) % len(ids)
	} else {
		next = (pos + 1) % len(ids)
	}
	return o.sessions[ids[next]].TaskName(), true
}

// SessionSummary is the UI-facing view of one tracked session.
type SessionSummary struct {
	SessionID string
	TaskName  string
	Status    domain.SessionStatus
}

// SessionsSnapshot returns a stable view of all tracked sessions for
// the tree view.
func (o *Orchestrator) SessionsSnapshot() []SessionSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionSummary, 0, len(o.sessions))
	for id, s := range o.sessions {
		out = append(out, SessionSummary{
			SessionID: id,
			TaskName:  s.TaskName(),
			Status:    s.Status(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// LastEvent returns the most recent notable event description.
func (o *Orchestrator) LastEvent() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastEvent
}

// Toplevel returns the manager session, spawning or respawning it as
// needed.
func (o *Orchestrator) Toplevel() (domain.SessionHandle, error) {
	o.mu.Lock()
	t := o.toplevel
	o.mu.Unlock()

	if t != nil && t.PollLiveness().Alive {
		return t, nil
	}
	return o.spawnToplevel()
}

func (o *Orchestrator) spawnToplevel() (domain.SessionHandle, error) {
	args := o.backend.ToplevelArgs(ToplevelPrompt, toplevelTaskPrompt)
	spec := domain.SpawnSpec{
		Command:   o.backend.Command(),
		Args:      args,
		TaskName:  domain.ToplevelTaskName,
		SessionID: domain.ToplevelSessionID,
		Rows:      o.rows,
		Cols:      o.cols,
		Env: map[string]string{
			domain.EnvDB: o.store.Path(),
		},
	}
	s, err := o.spawner.Spawn(spec)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.toplevel = s
	o.mu.Unlock()
	return s, nil
}

// Shutdown stops everything: exit requests go to all sessions in
// parallel, stragglers past the grace period are killed, claims are
// released, status files removed, and the lock dropped.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sessions := o.handleList()
	toplevel := o.toplevel
	o.toplevel = nil
	o.mu.Unlock()

	for _, s := range sessions {
		_ = s.StopForwarding()
		o.backend.RequestExit(s)
	}
	if toplevel != nil {
		_ = toplevel.StopForwarding()
		o.backend.RequestExit(toplevel)
	}

	deadline := o.clock.Now().Add(lifecycle.GracefulTimeout)
	for o.clock.Now().Before(deadline) {
		allDead := true
		for _, s := range sessions {
			if s.PollLiveness().Alive {
				allDead = false
				break
			}
		}
		if allDead && (toplevel == nil || !toplevel.PollLiveness().Alive) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, s := range sessions {
		if s.PollLiveness().Alive {
			s.ForceKill()
		}
		_ = o.store.Release(s.TaskName(), s.SessionID())
	}
	if toplevel != nil && toplevel.PollLiveness().Alive {
		toplevel.ForceKill()
	}

	o.mu.Lock()
	o.sessions = make(map[string]domain.SessionHandle)
	o.byTask = make(map[string]string)
	o.mu.Unlock()

	o.cleanStatusFiles()
	o.releaseLock()
	o.logInfo("", "lifecycle", "shutdown complete")
}

func (o *Orchestrator) cleanStatusFiles() {
	entries, err := os.ReadDir(o.workspaceDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == ".lock" {
			continue
		}
		if strings.HasSuffix(name, ".sock") || strings.HasSuffix(name, ".pid") || strings.HasSuffix(name, ".log") {
			continue
		}
		_ = os.Remove(filepath.Join(o.workspaceDir, name))
	}
}
