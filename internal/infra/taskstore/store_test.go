package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, name string) {
	t.Helper()
	require.NoError(t, s.CreateTask(name, "", domain.CreateOptions{}))
}

func strptr(s string) *string { return &s }

func TestCreateAndGet(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("test-task", "A test", domain.CreateOptions{}))

	task, err := s.Get("test-task")
	require.NoError(t, err)
	assert.Equal(t, "test-task", task.Name)
	assert.Equal(t, "A test", task.Description)
	assert.Equal(t, domain.StatusOpen, task.Status)
	assert.Nil(t, task.Assignee)
	assert.Nil(t, task.Parent)
	assert.NotEmpty(t, task.CreatedAt)
}

func TestCreateDuplicateFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "dup")
	err := s.CreateTask("dup", "", domain.CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
}

func TestCreateInvalidNameFails(t *testing.T) {
	s := testStore(t)
	err := s.CreateTask("foo bar", "", domain.CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidName)
}

func TestCreateWithParent(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "parent")
	require.NoError(t, s.CreateTask("child", "", domain.CreateOptions{Parent: strptr("parent")}))

	child, err := s.Get("child")
	require.NoError(t, err)
	require.NotNil(t, child.Parent)
	assert.Equal(t, "parent", *child.Parent)
}

func TestCreateWithMissingParentFails(t *testing.T) {
	s := testStore(t)
	err := s.CreateTask("child", "", domain.CreateOptions{Parent: strptr("nonexistent")})
	assert.ErrorIs(t, err, domain.ErrParentNotFound)
}

func TestCreateWithClaim(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("t", "work", domain.CreateOptions{Assignee: "agent-1"}))

	task, err := s.Get("t")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, task.Status)
	require.NotNil(t, task.Assignee)
	assert.Equal(t, "agent-1", *task.Assignee)
	assert.NotNil(t, task.StatusChangedAt)
}

func TestCreatePausedAndClaimedFails(t *testing.T) {
	s := testStore(t)
	err := s.CreateTask("t", "", domain.CreateOptions{Assignee: "a", Paused: true})
	assert.Error(t, err)
}

func TestCreatePaused(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("t", "work", domain.CreateOptions{Paused: true}))

	task, err := s.Get("t")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, task.Status)
	assert.Nil(t, task.Assignee)
	assert.NotNil(t, task.StatusChangedAt)
}

// status = active <=> assignee != nil, through a whole lifecycle walk.
func TestClaimReleaseInvariant(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")

	check := func() {
		task, err := s.Get("t")
		require.NoError(t, err)
		assert.Equal(t, task.Status == domain.StatusActive, task.Assignee != nil,
			"invariant violated at status %s", task.Status)
	}

	check()
	require.NoError(t, s.Claim("t", "agent-123"))
	check()
	assert.ErrorIs(t, s.Release("t", "wrong-agent"), domain.ErrNotOwner)
	check()
	require.NoError(t, s.Release("t", "agent-123"))
	check()
	require.NoError(t, s.Claim("t", "agent-123"))
	require.NoError(t, s.Pause("t"))
	check()
	require.NoError(t, s.Unpause("t"))
	check()
	require.NoError(t, s.MarkDone("t"))
	check()
	require.NoError(t, s.Reopen("t"))
	check()
}

func TestClaimAlreadyClaimedFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Claim("t", "agent-1"))

	err := s.Claim("t", "agent-2")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	task, _ := s.Get("t")
	assert.Equal(t, "agent-1", *task.Assignee)
}

func TestClaimIdempotentForSameAssignee(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Claim("t", "agent-1"))
	require.NoError(t, s.Claim("t", "agent-1"))

	task, _ := s.Get("t")
	assert.Equal(t, "agent-1", *task.Assignee)
}

func TestClaimPausedFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Pause("t"))
	assert.ErrorIs(t, s.Claim("t", "agent"), domain.ErrAlreadyClaimed)
}

func TestMarkDoneClearsAssignee(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Claim("t", "agent"))
	require.NoError(t, s.MarkDone("t"))

	task, _ := s.Get("t")
	assert.Equal(t, domain.StatusDone, task.Status)
	assert.Nil(t, task.Assignee)
}

func TestReopenNonDoneFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	assert.ErrorIs(t, s.Reopen("t"), domain.ErrNotDone)

	require.NoError(t, s.Claim("t", "agent"))
	assert.ErrorIs(t, s.Reopen("t"), domain.ErrNotDone)
}

func TestPauseTransitions(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")

	// Pause from open.
	require.NoError(t, s.Pause("t"))
	task, _ := s.Get("t")
	assert.Equal(t, domain.StatusPaused, task.Status)

	// Double pause fails.
	assert.ErrorIs(t, s.Pause("t"), domain.ErrAlreadyPaused)

	// Unpause back to open.
	require.NoError(t, s.Unpause("t"))
	task, _ = s.Get("t")
	assert.Equal(t, domain.StatusOpen, task.Status)

	// Unpause of non-paused fails.
	assert.ErrorIs(t, s.Unpause("t"), domain.ErrNotPaused)

	// Pause from active clears the claim.
	require.NoError(t, s.Claim("t", "agent"))
	require.NoError(t, s.Pause("t"))
	task, _ = s.Get("t")
	assert.Equal(t, domain.StatusPaused, task.Status)
	assert.Nil(t, task.Assignee)

	// Pause of done fails.
	require.NoError(t, s.Unpause("t"))
	require.NoError(t, s.MarkDone("t"))
	assert.ErrorIs(t, s.Pause("t"), domain.ErrTaskDone)
}

func TestStealActiveTask(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Claim("t", "agent-1"))

	prev, err := s.Steal("t", "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", prev)

	task, _ := s.Get("t")
	assert.Equal(t, domain.StatusActive, task.Status)
	assert.Equal(t, "agent-2", *task.Assignee)
}

func TestStealNonActiveFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	_, err := s.Steal("t", "agent-2")
	assert.ErrorIs(t, err, domain.ErrNotActive)

	require.NoError(t, s.Pause("t"))
	_, err = s.Steal("t", "agent-2")
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestForceUnassign(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Claim("t", "agent-1"))
	require.NoError(t, s.ForceUnassign("t"))

	task, _ := s.Get("t")
	assert.Equal(t, domain.StatusOpen, task.Status)
	assert.Nil(t, task.Assignee)
}

func TestForceUnassignNonActiveFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	assert.ErrorIs(t, s.ForceUnassign("t"), domain.ErrNotActive)

	assert.ErrorIs(t, s.ForceUnassign("nope"), domain.ErrTaskNotFound)
}

func TestReparent(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")

	require.NoError(t, s.Reparent("b", strptr("a")))
	task, _ := s.Get("b")
	assert.Equal(t, "a", *task.Parent)

	require.NoError(t, s.Reparent("b", nil))
	task, _ = s.Get("b")
	assert.Nil(t, task.Parent)
}

func TestReparentCycleDetected(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	require.NoError(t, s.CreateTask("b", "", domain.CreateOptions{Parent: strptr("a")}))
	require.NoError(t, s.CreateTask("c", "", domain.CreateOptions{Parent: strptr("b")}))

	assert.ErrorIs(t, s.Reparent("a", strptr("c")), domain.ErrParentCycle)
	assert.ErrorIs(t, s.Reparent("a", strptr("a")), domain.ErrParentCycle)
}

func TestRemoveLeaf(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.Remove("t", false))
	_, err := s.Get("t")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRemoveParentWithoutRecursiveFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "parent")
	require.NoError(t, s.CreateTask("child", "", domain.CreateOptions{Parent: strptr("parent")}))
	assert.ErrorIs(t, s.Remove("parent", false), domain.ErrHasChildren)
}

func TestRemoveRecursive(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "parent")
	require.NoError(t, s.CreateTask("child", "", domain.CreateOptions{Parent: strptr("parent")}))
	require.NoError(t, s.CreateTask("grandchild", "", domain.CreateOptions{Parent: strptr("child")}))

	require.NoError(t, s.Remove("parent", true))
	for _, name := range []string{"parent", "child", "grandchild"} {
		_, err := s.Get(name)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound, name)
	}
}

func TestNotesCascadeOnDelete(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.AddNote("t", "a note"))
	require.NoError(t, s.Remove("t", false))

	var count int64
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM notes").Scan(&count))
	assert.Zero(t, count)
}

func TestDepsCascadeOnDelete(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	require.NoError(t, s.AddBlock("a", "b"))
	require.NoError(t, s.Remove("a", false))

	blockers, err := s.Blockers("b")
	require.NoError(t, err)
	assert.Empty(t, blockers)
}

func TestNotesAppendOnly(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "t")
	require.NoError(t, s.AddNote("t", "note 1"))
	require.NoError(t, s.AddNote("t", "note 2"))

	notes, err := s.Notes("t")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "note 1", notes[0].Content)
	assert.Equal(t, "note 2", notes[1].Content)
}

func TestBlockingRelationships(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	require.NoError(t, s.AddBlock("a", "b"))

	blockers, err := s.Blockers("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, blockers)

	deps, err := s.Dependents("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, deps)

	require.NoError(t, s.RemoveBlock("a", "b"))
	blockers, err = s.Blockers("b")
	require.NoError(t, err)
	assert.Empty(t, blockers)

	assert.ErrorIs(t, s.RemoveBlock("a", "b"), domain.ErrNotBlocking)
}

func TestSelfBlockFails(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	assert.ErrorIs(t, s.AddBlock("a", "a"), domain.ErrSelfBlock)
}

// AddBlock succeeds iff the pre-state graph plus the new edge is acyclic.
func TestDepCycleDetected(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	mustCreate(t, s, "c")
	require.NoError(t, s.AddBlock("a", "b"))
	require.NoError(t, s.AddBlock("b", "c"))
	assert.ErrorIs(t, s.AddBlock("c", "a"), domain.ErrDependencyCycle)
	// A diamond is fine: a->b, a->c, b->c plus c has no path back.
	require.NoError(t, s.AddBlock("a", "c"))
}

func TestAllDeps(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	mustCreate(t, s, "c")
	require.NoError(t, s.AddBlock("a", "b"))
	require.NoError(t, s.AddBlock("a", "c"))
	require.NoError(t, s.AddBlock("b", "c"))

	deps, err := s.AllDeps()
	require.NoError(t, err)

	assert.Empty(t, deps["a"].BlockedBy)
	assert.Equal(t, []string{"b", "c"}, deps["a"].Blocks)
	assert.Equal(t, []string{"a"}, deps["b"].BlockedBy)
	assert.Equal(t, []string{"c"}, deps["b"].Blocks)
	assert.Equal(t, []string{"a", "b"}, deps["c"].BlockedBy)
	assert.Empty(t, deps["c"].Blocks)
}

func TestAllDepsExcludesDoneBlockers(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	require.NoError(t, s.AddBlock("a", "b"))
	require.NoError(t, s.MarkDone("a"))

	deps, err := s.AllDeps()
	require.NoError(t, err)
	assert.Empty(t, deps["b"].BlockedBy)
	assert.Equal(t, []string{"b"}, deps["a"].Blocks)
}

func TestListExcludesDoneAndPausedByDefault(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "open-task")
	mustCreate(t, s, "done-task")
	mustCreate(t, s, "paused-task")
	require.NoError(t, s.MarkDone("done-task"))
	require.NoError(t, s.Pause("paused-task"))

	tasks, err := s.List(domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "open-task", tasks[0].Name)

	all, err := s.List(domain.ListFilter{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListStatusFilter(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "open-task")
	mustCreate(t, s, "active-task")
	require.NoError(t, s.Claim("active-task", "agent"))

	active := domain.StatusActive
	tasks, err := s.List(domain.ListFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "active-task", tasks[0].Name)
}

func TestListWithRoot(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "root")
	require.NoError(t, s.CreateTask("child", "", domain.CreateOptions{Parent: strptr("root")}))
	mustCreate(t, s, "other")

	tasks, err := s.List(domain.ListFilter{Root: "root"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestListChildren(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "root")
	require.NoError(t, s.CreateTask("child1", "", domain.CreateOptions{Parent: strptr("root")}))
	require.NoError(t, s.CreateTask("child2", "", domain.CreateOptions{Parent: strptr("root")}))
	require.NoError(t, s.CreateTask("grandchild", "", domain.CreateOptions{Parent: strptr("child1")}))
	mustCreate(t, s, "unrelated")

	children, err := s.ListChildren("root", domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "child1", children[0].Name)
	assert.Equal(t, "child2", children[1].Name)

	_, err = s.ListChildren("nonexistent", domain.ListFilter{})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	leaves, err := s.ListChildren("grandchild", domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

func TestSearch(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("auth-login", "handles login", domain.CreateOptions{}))
	require.NoError(t, s.CreateTask("billing", "payment processing", domain.CreateOptions{}))
	require.NoError(t, s.AddNote("billing", "needs database migration work"))

	results, err := s.Search("auth")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "auth-login", results[0].Task.Name)
	assert.Contains(t, results[0].MatchedIn, "task")

	results, err = s.Search("migration")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "billing", results[0].Task.Name)
	assert.Contains(t, results[0].MatchedIn, "notes")

	results, err = s.Search("nonexistent-xyz")
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = s.Search("   ")
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)
}

func TestSearchIncludesDoneTasks(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("done-task", "completed authentication work", domain.CreateOptions{}))
	require.NoError(t, s.MarkDone("done-task"))

	results, err := s.Search("authentication")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusDone, results[0].Task.Status)
}

func TestSearchDeduplicatesTaskAndNoteMatches(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("auth-task", "authentication system", domain.CreateOptions{}))
	require.NoError(t, s.AddNote("auth-task", "authentication details here"))

	results, err := s.Search("authentication")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].MatchedIn, "task")
	assert.Contains(t, results[0].MatchedIn, "notes")
}
