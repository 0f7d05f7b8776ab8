// Package sink implements the Outcome Sink: the write-once store of
// per-test outcomes, with an optional pluggable notifier for live
// callbacks (spec §4.6).
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swarmtest/resilient-runner/internal/obsv"
	"github.com/swarmtest/resilient-runner/internal/protocol"
)

// Outcome is the authoritative per-test result record (spec §6,
// "sink-facing outcomes").
type Outcome struct {
	TestId       protocol.TestId
	DisplayName  string
	Status       protocol.OutcomeKind
	DurationMs   int64
	ErrorMessage string
	StackTrace   string
	Output       string
	Truncated    bool
	SkipReason   string
	Reason       string
	RecordedAt   time.Time
}

// Notifier is a pluggable live-callback channel the Sink dispatches
// recorded outcomes to, styled on the teacher's notifications
// DeliveryChannel interface (Name / Deliver).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, o Outcome)
}

// Sink records each test's authoritative outcome exactly once.
type Sink struct {
	mu        sync.Mutex
	outcomes  map[protocol.TestId]Outcome
	notifiers []Notifier
}

// New creates an empty Sink.
func New() *Sink {
	return &Sink{outcomes: make(map[protocol.TestId]Outcome)}
}

// AddNotifier registers a live-callback channel. Must be called before
// any Record to avoid missing early outcomes; not safe for concurrent
// use with Record.
func (s *Sink) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Record stores o as the final outcome for o.TestId. Once recorded, an
// outcome is immutable (invariants I2/I3): a second call for the same
// TestId is a programming error and panics rather than silently
// corrupting the record, mirroring the teacher's "completion is one-way"
// discipline around task status transitions.
func (s *Sink) Record(ctx context.Context, o Outcome) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}

	s.mu.Lock()
	if _, exists := s.outcomes[o.TestId]; exists {
		s.mu.Unlock()
		panic(fmt.Sprintf("sink: outcome for %q already recorded", o.TestId))
	}
	s.outcomes[o.TestId] = o
	notifiers := s.notifiers
	s.mu.Unlock()

	log.Info().
		Str("test_id", string(o.TestId)).
		Str("status", string(o.Status)).
		Int64("duration_ms", o.DurationMs).
		Msg("sink: outcome recorded")

	obsv.RecordOutcome(ctx, o.Status)

	for _, n := range notifiers {
		if o.Status != protocol.Hanging && o.Status != protocol.Crashed {
			continue
		}
		n.Notify(ctx, o)
	}
}

// Get returns the recorded outcome for id, if any.
func (s *Sink) Get(id protocol.TestId) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[id]
	return o, ok
}

// Count returns the number of outcomes recorded so far.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

// All returns a snapshot of every recorded outcome, for exit-code
// evaluation and for handoff to the adjacent history/TUI systems this
// core does not itself implement.
func (s *Sink) All() map[protocol.TestId]Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[protocol.TestId]Outcome, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out
}

// ExitCode implements spec §6's exit code policy: non-zero if any test
// ended Failed, Hanging, or Crashed; zero otherwise.
func (s *Sink) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outcomes {
		switch o.Status {
		case protocol.Failed, protocol.Hanging, protocol.Crashed:
			return 1
		}
	}
	return 0
}
