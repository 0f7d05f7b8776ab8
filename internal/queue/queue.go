// Package queue implements the Work Queue: the three-tier store of test
// identities (pending, suspicious, confirmed) plus per-supervisor
// assignment bookkeeping described by the core's scheduling model.
//
// Like the teacher's internal/common.DbQueue, every public method is a
// short, lock-held critical section — there is no long-running work
// here, only bookkeeping, so a single mutex is sufficient.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

// SupervisorId identifies one worker-supervisor slot.
type SupervisorId int

// Queue is the shared, mutable, serialized Work Queue of spec §4.1.
type Queue struct {
	mu sync.Mutex

	pending    []protocol.TestId
	suspicious []protocol.TestId
	confirmed  []protocol.TestId

	assigned map[SupervisorId]map[protocol.TestId]struct{}
}

// New creates a Queue with every given test starting in Pending, per
// spec §3's lifecycle rule.
func New(tests []protocol.TestId) *Queue {
	pending := make([]protocol.TestId, len(tests))
	copy(pending, tests)
	return &Queue{
		pending:  pending,
		assigned: make(map[SupervisorId]map[protocol.TestId]struct{}),
	}
}

func (q *Queue) assignedSet(sup SupervisorId) map[protocol.TestId]struct{} {
	set, ok := q.assigned[sup]
	if !ok {
		set = make(map[protocol.TestId]struct{})
		q.assigned[sup] = set
	}
	return set
}

// TakeBatch removes up to maxSize tests from Pending and records them
// as assigned to sup. If maxSize == 1 and Pending is empty, it instead
// pulls one test from Confirmed. Returns an empty slice otherwise.
func (q *Queue) TakeBatch(sup SupervisorId, maxSize int) []protocol.TestId {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	opID := uuid.NewString()[:8]

	if maxSize <= 0 {
		return nil
	}

	var batch []protocol.TestId
	if len(q.pending) > 0 {
		n := maxSize
		if n > len(q.pending) {
			n = len(q.pending)
		}
		batch = append(batch, q.pending[:n]...)
		q.pending = q.pending[n:]
	} else if maxSize == 1 && len(q.confirmed) > 0 {
		batch = append(batch, q.confirmed[0])
		q.confirmed = q.confirmed[1:]
	}

	if len(batch) > 0 {
		set := q.assignedSet(sup)
		for _, id := range batch {
			set[id] = struct{}{}
		}
	}

	log.Debug().
		Str("op_id", opID).
		Int("supervisor", int(sup)).
		Int("requested", maxSize).
		Int("taken", len(batch)).
		Dur("lock_wait", time.Since(start)).
		Msg("queue: take batch")

	return batch
}

// MarkCompleted removes testId from sup's assigned set. Must be called
// before the caller records the outcome in the sink.
func (q *Queue) MarkCompleted(sup SupervisorId, testId protocol.TestId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.assignedSet(sup), testId)
}

// MarkSuspicious moves the given tests from sup's assigned set into
// Suspicious.
func (q *Queue) MarkSuspicious(sup SupervisorId, tests []protocol.TestId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	set := q.assignedSet(sup)
	for _, id := range tests {
		if _, ok := set[id]; ok {
			delete(set, id)
			q.suspicious = append(q.suspicious, id)
		}
	}
}

// MarkConfirmed moves the given tests from sup's assigned set into
// Confirmed.
func (q *Queue) MarkConfirmed(sup SupervisorId, tests []protocol.TestId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	set := q.assignedSet(sup)
	for _, id := range tests {
		if _, ok := set[id]; ok {
			delete(set, id)
			q.confirmed = append(q.confirmed, id)
		}
	}
}

// WorkerCrashed transfers sup's entire assigned set to Suspicious and
// returns the tests moved, for logging by the caller.
func (q *Queue) WorkerCrashed(sup SupervisorId) []protocol.TestId {
	q.mu.Lock()
	defer q.mu.Unlock()
	set := q.assignedSet(sup)
	moved := make([]protocol.TestId, 0, len(set))
	for id := range set {
		moved = append(moved, id)
	}
	q.suspicious = append(q.suspicious, moved...)
	q.assigned[sup] = make(map[protocol.TestId]struct{})

	log.Warn().
		Int("supervisor", int(sup)).
		Int("count", len(moved)).
		Msg("queue: worker crashed, salvaging assigned set to suspicious")

	return moved
}

// GetAssigned returns a snapshot of sup's assigned set.
func (q *Queue) GetAssigned(sup SupervisorId) []protocol.TestId {
	q.mu.Lock()
	defer q.mu.Unlock()
	set := q.assignedSet(sup)
	out := make([]protocol.TestId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// PromoteSuspicious moves all of Suspicious into Pending and returns
// the count moved.
func (q *Queue) PromoteSuspicious() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.suspicious)
	if n == 0 {
		return 0
	}
	q.pending = append(q.pending, q.suspicious...)
	q.suspicious = nil

	log.Info().Int("count", n).Msg("queue: promoted suspicious to pending")

	return n
}

// IsComplete reports whether all three queues and every supervisor's
// assigned set are empty.
func (q *Queue) IsComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isCompleteLocked()
}

func (q *Queue) isCompleteLocked() bool {
	if len(q.pending) != 0 || len(q.suspicious) != 0 || len(q.confirmed) != 0 {
		return false
	}
	for _, set := range q.assigned {
		if len(set) != 0 {
			return false
		}
	}
	return true
}

// PendingEmpty reports whether Pending is currently empty — used by
// the Tier Promotion Monitor's quiescence check (spec §4.5).
func (q *Queue) PendingEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// NoSupervisorBusy reports whether every supervisor's assigned set is
// empty — the second half of the monitor's quiescence check.
func (q *Queue) NoSupervisorBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, set := range q.assigned {
		if len(set) != 0 {
			return false
		}
	}
	return true
}

// BusyCount reports how many supervisors currently hold a non-empty
// assigned set, for metrics/diagnostics.
func (q *Queue) BusyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, set := range q.assigned {
		if len(set) != 0 {
			n++
		}
	}
	return n
}

// Depths reports the current size of each tier, for metrics/diagnostics.
func (q *Queue) Depths() (pending, suspicious, confirmed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.suspicious), len(q.confirmed)
}
