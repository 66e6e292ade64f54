package taskstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

func TestClaimNextEmptyStore(t *testing.T) {
	s := testStore(t)
	_, err := s.ClaimNext("agent", "")
	assert.ErrorIs(t, err, domain.ErrNoneAvailable)
}

func TestClaimNextPicksOldest(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "second")
	mustCreate(t, s, "third")

	task, err := s.ClaimNext("agent", "")
	require.NoError(t, err)
	assert.Equal(t, "second", task.Name)
	assert.Equal(t, domain.StatusActive, task.Status)
	require.NotNil(t, task.Assignee)
	assert.Equal(t, "agent", *task.Assignee)
}

func TestClaimNextSkipsDoneAssignedAndPaused(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "done-task")
	require.NoError(t, s.MarkDone("done-task"))
	mustCreate(t, s, "claimed-task")
	require.NoError(t, s.Claim("claimed-task", "other-agent"))
	mustCreate(t, s, "paused-task")
	require.NoError(t, s.Pause("paused-task"))
	mustCreate(t, s, "available")

	task, err := s.ClaimNext("agent", "")
	require.NoError(t, err)
	assert.Equal(t, "available", task.Name)
}

func TestClaimNextSkipsBlockedTasks(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "blocker")
	mustCreate(t, s, "blocked")
	require.NoError(t, s.AddBlock("blocker", "blocked"))

	task, err := s.ClaimNext("agent", "")
	require.NoError(t, err)
	assert.Equal(t, "blocker", task.Name)

	// The only remaining open task is blocked.
	_, err = s.ClaimNext("s2", "")
	assert.ErrorIs(t, err, domain.ErrNoneAvailable)

	// Finishing the blocker unblocks the dependent.
	require.NoError(t, s.MarkDone("blocker"))
	task, err = s.ClaimNext("s2", "")
	require.NoError(t, err)
	assert.Equal(t, "blocked", task.Name)
}

func TestClaimNextPrefersUnblockers(t *testing.T) {
	s := testStore(t)
	// "plain" is older, but "unblocker" unblocks "downstream".
	mustCreate(t, s, "plain")
	mustCreate(t, s, "unblocker")
	mustCreate(t, s, "downstream")
	require.NoError(t, s.AddBlock("unblocker", "downstream"))

	task, err := s.ClaimNext("agent", "")
	require.NoError(t, err)
	assert.Equal(t, "unblocker", task.Name)
}

func TestClaimNextWithPreference(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("backend", "server-side API work", domain.CreateOptions{}))
	require.NoError(t, s.CreateTask("frontend", "UI components for dashboard", domain.CreateOptions{}))

	task, err := s.ClaimNext("agent", "UI components")
	require.NoError(t, err)
	assert.Equal(t, "frontend", task.Name)
}

func TestClaimNextPreferenceMatchesNotes(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("task-a", "generic task", domain.CreateOptions{}))
	require.NoError(t, s.CreateTask("task-b", "another generic task", domain.CreateOptions{}))
	require.NoError(t, s.AddNote("task-b", "needs database migration work"))

	task, err := s.ClaimNext("agent", "database migration")
	require.NoError(t, err)
	assert.Equal(t, "task-b", task.Name)
}

func TestClaimNextPreferenceIsSoft(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateTask("only-task", "some work", domain.CreateOptions{}))

	task, err := s.ClaimNext("agent", "nonexistent-xyz")
	require.NoError(t, err)
	assert.Equal(t, "only-task", task.Name)
}

func TestClaimableCount(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	mustCreate(t, s, "c")
	require.NoError(t, s.AddBlock("a", "b"))
	require.NoError(t, s.Claim("c", "agent"))

	count, err := s.ClaimableCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count) // only "a": b blocked, c active
}

// Each task is claimed by at most one caller; the number of successful
// claims equals the number of initially claimable tasks.
func TestConcurrentClaimNextNoDoubleClaim(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir + "/kbtz.db")
	require.NoError(t, err)
	defer s.Close()

	const tasks = 8
	const callers = 16
	names := []string{"t-0", "t-1", "t-2", "t-3", "t-4", "t-5", "t-6", "t-7"}
	for _, n := range names {
		require.NoError(t, s.CreateTask(n, "", domain.CreateOptions{}))
	}

	var mu sync.Mutex
	claimedBy := make(map[string]string)
	var wins int

	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			who := domain.SessionID(uint64(id + 1))
			for {
				task, err := s.ClaimNext(who, "")
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrNoneAvailable)
					return
				}
				mu.Lock()
				prev, dup := claimedBy[task.Name]
				claimedBy[task.Name] = who
				wins++
				mu.Unlock()
				assert.False(t, dup, "task %s claimed twice: %s and %s", task.Name, prev, who)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, tasks, wins, "sum of successful claims must equal claimable tasks")
	assert.Len(t, claimedBy, tasks)
}
