package orchestrator

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/taskstore"
)

// stubSession is an in-memory SessionHandle for orchestrator tests.
type stubSession struct {
	taskName      string
	sessionID     string
	status        domain.SessionStatus
	alive         bool
	stoppingSince time.Time
	killed        bool
	exitRequested bool
}

func newStubSession(taskName, sessionID string, alive bool) *stubSession {
	return &stubSession{
		taskName:  taskName,
		sessionID: sessionID,
		status:    domain.SessionStarting,
		alive:     alive,
	}
}

func (s *stubSession) TaskName() string                      { return s.taskName }
func (s *stubSession) SessionID() string                     { return s.sessionID }
func (s *stubSession) Status() domain.SessionStatus          { return s.status }
func (s *stubSession) SetStatus(st domain.SessionStatus)     { s.status = st }
func (s *stubSession) StoppingSince() (time.Time, bool)      { return s.stoppingSince, !s.stoppingSince.IsZero() }
func (s *stubSession) MarkStopping()                         {
	if s.stoppingSince.IsZero() {
		s.stoppingSince = time.Now()
	}
}
func (s *stubSession) PollLiveness() domain.Liveness         { return domain.Liveness{Alive: s.alive} }
func (s *stubSession) ProcessID() int                        { return 0 }
func (s *stubSession) StartForwarding() error                { return nil }
func (s *stubSession) StopForwarding() error                 { return nil }
func (s *stubSession) WriteInput(p []byte) error             { return nil }
func (s *stubSession) Resize(rows, cols uint16) error        { return nil }
func (s *stubSession) EnterScrollMode() (int, error)         { return 0, nil }
func (s *stubSession) ExitScrollMode() error                 { return nil }
func (s *stubSession) RenderScrollback(offset int) error     { return nil }
func (s *stubSession) ScrollbackDepth() (int, error)         { return 0, nil }
func (s *stubSession) RequestExit()                          { s.exitRequested = true; s.MarkStopping() }
func (s *stubSession) ForceKill()                            { s.killed = true; s.alive = false }

// stubSpawner records spawned sessions.
type stubSpawner struct {
	spawned []*stubSession
	fail    bool
}

func (sp *stubSpawner) Spawn(spec domain.SpawnSpec) (domain.SessionHandle, error) {
	if sp.fail {
		return nil, os.ErrPermission
	}
	s := newStubSession(spec.TaskName, spec.SessionID, true)
	sp.spawned = append(sp.spawned, s)
	return s, nil
}

type stubBackend struct{}

func (stubBackend) Command() string { return "true" }
func (stubBackend) WorkerArgs(protocolPrompt, taskPrompt string) []string {
	return nil
}
func (stubBackend) ToplevelArgs(protocolPrompt, taskPrompt string) []string {
	return nil
}
func (stubBackend) RequestExit(s domain.SessionHandle) { s.RequestExit() }

func testOrchestrator(t *testing.T, concurrency int) (*Orchestrator, *taskstore.Store, *stubSpawner) {
	t.Helper()
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	spawner := &stubSpawner{}
	o, err := New(Options{
		Store:        store,
		WorkspaceDir: t.TempDir(),
		Concurrency:  concurrency,
		Backend:      stubBackend{},
		Spawner:      spawner,
		Rows:         24,
		Cols:         80,
	})
	require.NoError(t, err)
	return o, store, spawner
}

func mustAdd(t *testing.T, store *taskstore.Store, name string) {
	t.Helper()
	require.NoError(t, store.CreateTask(name, "desc", domain.CreateOptions{}))
}

// Scenario C: two slots, three open tasks, one tick: two sessions,
// third task still open.
func TestTickSpawnsUpToCapacity(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 2)
	mustAdd(t, store, "a")
	mustAdd(t, store, "b")
	mustAdd(t, store, "c")

	o.Tick()

	require.Len(t, spawner.spawned, 2)
	assert.Equal(t, "ws/1", spawner.spawned[0].sessionID)
	assert.Equal(t, "ws/2", spawner.spawned[1].sessionID)

	c, err := store.Get("c")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, c.Status)

	a, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, a.Status)
}

func TestSpawnWritesStatusFileAndEnv(t *testing.T) {
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	dir := t.TempDir()
	var got domain.SpawnSpec
	spawner := spawnFunc(func(spec domain.SpawnSpec) (domain.SessionHandle, error) {
		got = spec
		return newStubSession(spec.TaskName, spec.SessionID, true), nil
	})

	o, err := New(Options{
		Store: store, WorkspaceDir: dir, Concurrency: 1,
		Backend: stubBackend{}, Spawner: spawner, Rows: 24, Cols: 80,
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateTask("env-task", "d", domain.CreateOptions{}))
	o.Tick()

	assert.Equal(t, "env-task", got.Env[domain.EnvTask])
	assert.Equal(t, "ws/1", got.Env[domain.EnvSessionID])
	assert.Equal(t, dir, got.Env[domain.EnvWorkspaceDir])

	content, err := os.ReadFile(domain.StatusFilePath(dir, "ws/1"))
	require.NoError(t, err)
	assert.Equal(t, "starting", string(content))
}

type spawnFunc func(domain.SpawnSpec) (domain.SessionHandle, error)

func (f spawnFunc) Spawn(spec domain.SpawnSpec) (domain.SessionHandle, error) { return f(spec) }

func TestSpawnFailureReleasesClaim(t *testing.T) {
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	spawner := &stubSpawner{fail: true}
	o, err := New(Options{
		Store: store, WorkspaceDir: t.TempDir(), Concurrency: 1,
		Backend: stubBackend{}, Spawner: spawner, Rows: 24, Cols: 80,
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateTask("t", "d", domain.CreateOptions{}))
	o.Tick()

	task, err := store.Get("t")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, task.Status, "claim must be released on spawn failure")
	assert.Nil(t, task.Assignee)

	// The counter rolled back: the next successful spawn is ws/1.
	spawner.fail = false
	o.Tick()
	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, "ws/1", spawner.spawned[0].sessionID)
}

// Scenario D: force-unassign externally, next tick reaps with reason
// released (the claim was cleared from under the session).
func TestExternalForceUnassignReapsSession(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 1)
	mustAdd(t, store, "a")
	o.Tick()
	require.Len(t, spawner.spawned, 1)
	s := spawner.spawned[0]

	require.NoError(t, store.ForceUnassign("a"))
	o.Tick()

	assert.True(t, s.exitRequested, "session must receive an exit request")
	_, stopping := s.StoppingSince()
	assert.True(t, stopping)
}

func TestDoneTaskReapedAndRemovedAfterExit(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 1)
	mustAdd(t, store, "a")
	o.Tick()
	s := spawner.spawned[0]

	require.NoError(t, store.MarkDone("a"))
	o.Tick()
	assert.True(t, s.exitRequested)

	// Child exits; next tick removes it from the map.
	s.alive = false
	o.Tick()
	_, tracked := o.Session("ws/1")
	assert.False(t, tracked)
}

func TestRemoveSessionPreservesNewerMapping(t *testing.T) {
	o, store, _ := testOrchestrator(t, 0)
	mustAdd(t, store, "task-a")
	require.NoError(t, store.Claim("task-a", "ws/1"))

	old := newStubSession("task-a", "ws/1", false)
	o.mu.Lock()
	o.sessions["ws/1"] = old
	// A newer session already claimed the same task.
	o.byTask["task-a"] = "ws/2"
	o.mu.Unlock()

	o.removeSession("ws/1")

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.NotContains(t, o.sessions, "ws/1")
	assert.Equal(t, "ws/2", o.byTask["task-a"])
}

func TestManualModeNeverSpawns(t *testing.T) {
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	spawner := &stubSpawner{}
	o, err := New(Options{
		Store: store, WorkspaceDir: t.TempDir(), Concurrency: 4, Manual: true,
		Backend: stubBackend{}, Spawner: spawner, Rows: 24, Cols: 80,
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateTask("t", "d", domain.CreateOptions{}))
	o.Tick()
	assert.Empty(t, spawner.spawned)

	// Manual spawning still works.
	require.NoError(t, o.SpawnForTask("t"))
	require.Len(t, spawner.spawned, 1)

	assert.ErrorIs(t, o.SpawnForTask("t"), domain.ErrSessionExists)
}

func TestReadStatusFiles(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 1)
	mustAdd(t, store, "a")
	o.Tick()
	s := spawner.spawned[0]

	path := domain.StatusFilePath(o.workspaceDir, s.sessionID)
	require.NoError(t, os.WriteFile(path, []byte("needs_input"), 0o644))
	o.ReadStatusFiles()
	assert.Equal(t, domain.SessionNeedsInput, s.Status())

	// Unreadable file keeps the previous state.
	require.NoError(t, os.Remove(path))
	o.ReadStatusFiles()
	assert.Equal(t, domain.SessionNeedsInput, s.Status())
}

func TestShutdownReleasesClaimsAndStatusFiles(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 2)
	mustAdd(t, store, "a")
	mustAdd(t, store, "b")
	o.Tick()
	require.Len(t, spawner.spawned, 2)

	// Sessions exit promptly on request in this stub world.
	for _, s := range spawner.spawned {
		s.alive = false
	}
	o.Shutdown()

	for _, name := range []string{"a", "b"} {
		task, err := store.Get(name)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusOpen, task.Status, name)
		assert.Nil(t, task.Assignee, name)
	}

	entries, err := os.ReadDir(o.workspaceDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".lock", e.Name(), "only the lock file may remain")
	}
}

func TestCounterResumesFromReconciledIDs(t *testing.T) {
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	dir := t.TempDir()
	// A stale pid file for ws/7 whose process is long gone.
	require.NoError(t, os.WriteFile(dir+"/ws-7.pid", []byte("999999"), 0o644))

	spawner := &stubSpawner{}
	o, err := New(Options{
		Store: store, WorkspaceDir: dir, Concurrency: 1,
		Backend: stubBackend{}, Spawner: spawner, Rows: 24, Cols: 80,
	})
	require.NoError(t, err)

	// The record was discarded (no live process), but the counter
	// still starts past it so IDs never repeat.
	require.NoError(t, store.CreateTask("t", "d", domain.CreateOptions{}))
	o.Tick()
	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, "ws/8", spawner.spawned[0].sessionID)

	_, err = os.Stat(dir + "/ws-7.pid")
	assert.True(t, os.IsNotExist(err), "stale pid file must be cleaned up")
}

func TestOrphanStatusFilesRemovedAtStartup(t *testing.T) {
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/ws-3", []byte("idle"), 0o644))

	_, err = New(Options{
		Store: store, WorkspaceDir: dir, Concurrency: 0,
		Backend: stubBackend{}, Spawner: &stubSpawner{}, Rows: 24, Cols: 80,
	})
	require.NoError(t, err)

	_, err = os.Stat(dir + "/ws-3")
	assert.True(t, os.IsNotExist(err))
}

func TestWorkspaceLockContention(t *testing.T) {
	store, err := taskstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	dir := t.TempDir()
	o1, err := New(Options{
		Store: store, WorkspaceDir: dir, Concurrency: 0,
		Backend: stubBackend{}, Spawner: &stubSpawner{}, Rows: 24, Cols: 80,
	})
	require.NoError(t, err)
	defer o1.Shutdown()

	_, err = New(Options{
		Store: store, WorkspaceDir: dir, Concurrency: 0,
		Backend: stubBackend{}, Spawner: &stubSpawner{}, Rows: 24, Cols: 80,
	})
	assert.ErrorIs(t, err, domain.ErrWorkspaceLocked)
}

func TestNextNeedsInputCycles(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 3)
	mustAdd(t, store, "t-a")
	mustAdd(t, store, "t-b")
	mustAdd(t, store, "t-c")
	o.Tick()
	require.Len(t, spawner.spawned, 3)

	spawner.spawned[0].SetStatus(domain.SessionNeedsInput) // ws/1
	spawner.spawned[2].SetStatus(domain.SessionNeedsInput) // ws/3

	task, ok := o.NextNeedsInput("")
	require.True(t, ok)
	assert.Equal(t, spawner.spawned[0].taskName, task)

	task, ok = o.NextNeedsInput(spawner.spawned[0].taskName)
	require.True(t, ok)
	assert.Equal(t, spawner.spawned[2].taskName, task)

	// Wraps past the end.
	task, ok = o.NextNeedsInput(spawner.spawned[2].taskName)
	require.True(t, ok)
	assert.Equal(t, spawner.spawned[0].taskName, task)
}

func TestCycleSession(t *testing.T) {
	o, store, spawner := testOrchestrator(t, 2)
	mustAdd(t, store, "t-a")
	mustAdd(t, store, "t-b")
	o.Tick()
	require.Len(t, spawner.spawned, 2)

	next, ok := o.CycleSession(spawner.spawned[0].taskName, false)
	require.True(t, ok)
	assert.Equal(t, spawner.spawned[1].taskName, next)

	prev, ok := o.CycleSession(spawner.spawned[0].taskName, true)
	require.True(t, ok)
	assert.Equal(t, spawner.spawned[1].taskName, prev)
}

func TestToplevelRespawnsWhenDead(t *testing.T) {
	o, _, spawner := testOrchestrator(t, 0)

	first, err := o.Toplevel()
	require.NoError(t, err)
	assert.Equal(t, domain.ToplevelSessionID, first.SessionID())

	again, err := o.Toplevel()
	require.NoError(t, err)
	assert.Same(t, first, again)

	spawner.spawned[len(spawner.spawned)-1].alive = false
	replacement, err := o.Toplevel()
	require.NoError(t, err)
	assert.NotSame(t, first, replacement)
}
