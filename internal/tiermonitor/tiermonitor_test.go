package tiermonitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmtest/resilient-runner/internal/batchsize"
	"github.com/swarmtest/resilient-runner/internal/protocol"
	"github.com/swarmtest/resilient-runner/internal/queue"
)

func ids(prefix string, n int) []protocol.TestId {
	out := make([]protocol.TestId, n)
	for i := range out {
		out[i] = protocol.TestId(fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

func TestTickDoesNotPromoteWhilePendingStillHasWork(t *testing.T) {
	tests := ids("t", 10)
	q := queue.New(tests)
	bs := batchsize.New(10, 1)

	batch := q.TakeBatch(0, 3)
	q.MarkSuspicious(0, batch) // 3 tests suspicious, 7 still pending

	m := New(q, bs)
	m.tick(context.Background())

	_, suspicious, _ := q.Depths()
	assert.Equal(t, 3, suspicious, "promotion must not run while Pending is non-empty")
	assert.Equal(t, 0, m.TierCount())
}

func TestTickPromotesSuspiciousAndStepsBatchSize(t *testing.T) {
	tests := ids("t", 100)
	q := queue.New(tests)
	bs := batchsize.New(100, 1)

	batch := q.TakeBatch(0, 100)
	q.MarkSuspicious(0, batch)

	before := bs.Current()
	m := New(q, bs)
	m.tick(context.Background())

	pending, suspicious, _ := q.Depths()
	assert.Equal(t, 100, pending)
	assert.Equal(t, 0, suspicious)
	assert.Less(t, bs.Current(), before)
	assert.Equal(t, 1, m.TierCount())
}

func TestTickDoesNotPromoteWhileSupervisorBusy(t *testing.T) {
	tests := ids("t", 5)
	q := queue.New(tests)
	bs := batchsize.New(5, 1)

	q.TakeBatch(0, 5) // still assigned, never released

	m := New(q, bs)
	m.tick(context.Background())

	pending, _, _ := q.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, m.TierCount())
}

func TestTickStepsControllerEvenWithoutSuspiciousToConverge(t *testing.T) {
	tests := ids("t", 4)
	q := queue.New(tests)
	bs := batchsize.New(4, 1)

	batch := q.TakeBatch(0, bs.Current())
	require.Len(t, batch, 4)
	q.MarkConfirmed(0, batch) // direct-to-confirmed residue, bypassing Suspicious entirely

	before := bs.Current()
	m := New(q, bs)
	m.tick(context.Background())

	assert.Less(t, bs.Current(), before, "controller must still step down so Confirmed residue eventually becomes reachable at batch size 1")
}

func TestRunExitsWhenQueueCompletes(t *testing.T) {
	q := queue.New(nil)
	bs := batchsize.New(0, 1)
	m := New(q, bs).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, m.Run(ctx))
}
