package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

func ids(ss ...string) []protocol.TestId {
	out := make([]protocol.TestId, len(ss))
	for i, s := range ss {
		out[i] = protocol.TestId(s)
	}
	return out
}

func TestTakeBatchFromPending(t *testing.T) {
	q := New(ids("A", "B", "C"))

	batch := q.TakeBatch(1, 2)
	assert.Len(t, batch, 2)

	pending, suspicious, confirmed := q.Depths()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, suspicious)
	assert.Equal(t, 0, confirmed)

	assigned := q.GetAssigned(1)
	assert.ElementsMatch(t, batch, assigned)
}

func TestTakeBatchEmptyWhenPendingDrainedAndNotSizeOne(t *testing.T) {
	q := New(nil)
	q.MarkConfirmed(1, nil) // no-op, exercises empty input path

	q.pending = nil
	q.confirmed = ids("Z")
	batch := q.TakeBatch(1, 5)
	assert.Empty(t, batch, "size>1 must never pull from Confirmed")
}

func TestTakeBatchSizeOnePullsFromConfirmed(t *testing.T) {
	q := New(nil)
	q.confirmed = ids("Z")

	batch := q.TakeBatch(2, 1)
	require.Len(t, batch, 1)
	assert.Equal(t, protocol.TestId("Z"), batch[0])

	pending, _, confirmed := q.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, confirmed)
}

func TestMarkCompletedRemovesFromAssigned(t *testing.T) {
	q := New(ids("A", "B"))
	batch := q.TakeBatch(1, 2)
	require.Len(t, batch, 2)

	q.MarkCompleted(1, batch[0])
	assigned := q.GetAssigned(1)
	assert.Len(t, assigned, 1)
	assert.NotContains(t, assigned, batch[0])
}

func TestMarkSuspiciousAndConfirmedMoveOnlyAssignedTests(t *testing.T) {
	q := New(ids("A", "B", "C"))
	batch := q.TakeBatch(1, 3)
	require.Len(t, batch, 3)

	q.MarkSuspicious(1, batch[:1])
	q.MarkConfirmed(1, batch[1:2])

	// Re-requesting a test not currently assigned to sup is a no-op.
	q.MarkSuspicious(1, ids("not-assigned"))

	pending, suspicious, confirmed := q.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, suspicious)
	assert.Equal(t, 1, confirmed)
	assert.Len(t, q.GetAssigned(1), 1)
}

func TestWorkerCrashedSalvagesEntireAssignedSet(t *testing.T) {
	q := New(ids("A", "B", "C"))
	batch := q.TakeBatch(1, 3)
	require.Len(t, batch, 3)

	moved := q.WorkerCrashed(1)
	assert.ElementsMatch(t, batch, moved)
	assert.Empty(t, q.GetAssigned(1))

	_, suspicious, _ := q.Depths()
	assert.Equal(t, 3, suspicious)
}

func TestPromoteSuspiciousMovesAllToPending(t *testing.T) {
	q := New(ids("A", "B"))
	batch := q.TakeBatch(1, 2)
	q.MarkSuspicious(1, batch)

	moved := q.PromoteSuspicious()
	assert.Equal(t, 2, moved)

	pending, suspicious, _ := q.Depths()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, suspicious)
}

func TestBusyCountCountsSupervisorsWithAssignedTests(t *testing.T) {
	q := New(ids("A", "B", "C", "D"))
	assert.Equal(t, 0, q.BusyCount())

	batch1 := q.TakeBatch(1, 2)
	require.Len(t, batch1, 2)
	assert.Equal(t, 1, q.BusyCount())

	batch2 := q.TakeBatch(2, 2)
	require.Len(t, batch2, 2)
	assert.Equal(t, 2, q.BusyCount())

	q.MarkCompleted(1, batch1[0])
	q.MarkCompleted(1, batch1[1])
	assert.Equal(t, 1, q.BusyCount())
}

func TestIsCompleteRequiresAllTiersAndAssignmentsEmpty(t *testing.T) {
	q := New(ids("A"))
	assert.False(t, q.IsComplete())

	batch := q.TakeBatch(1, 1)
	require.Len(t, batch, 1)
	assert.False(t, q.IsComplete(), "assigned-but-not-completed test keeps the queue incomplete")

	q.MarkCompleted(1, batch[0])
	assert.True(t, q.IsComplete())
}

func TestQuiescenceHelpersMatchTierPromotionPrecondition(t *testing.T) {
	q := New(ids("A", "B"))
	batch := q.TakeBatch(1, 2)
	require.Len(t, batch, 2)

	assert.True(t, q.PendingEmpty())
	assert.False(t, q.NoSupervisorBusy(), "promotion must not happen while a supervisor holds assigned tests")

	q.MarkSuspicious(1, batch)
	assert.True(t, q.NoSupervisorBusy())
}

// TestConcurrentTakeBatchNeverDoubleAssigns exercises invariant I2-adjacent
// behavior under concurrency: every test handed out by TakeBatch across N
// racing supervisors is handed out exactly once.
func TestConcurrentTakeBatchNeverDoubleAssigns(t *testing.T) {
	const total = 500
	testIDs := make([]protocol.TestId, total)
	for i := range testIDs {
		testIDs[i] = protocol.TestId(fmt.Sprintf("t%d", i))
	}
	q := New(testIDs)

	var mu sync.Mutex
	seen := make(map[protocol.TestId]int)

	var wg sync.WaitGroup
	for sup := 0; sup < 8; sup++ {
		wg.Add(1)
		go func(sup SupervisorId) {
			defer wg.Done()
			for {
				batch := q.TakeBatch(sup, 7)
				if len(batch) == 0 {
					if q.IsComplete() {
						return
					}
					continue
				}
				mu.Lock()
				for _, id := range batch {
					seen[id]++
				}
				mu.Unlock()
				for _, id := range batch {
					q.MarkCompleted(sup, id)
				}
			}
		}(SupervisorId(sup))
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "test %s was assigned %d times", id, count)
	}
}
