package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

type recordingNotifier struct {
	name string
	got  []Outcome
}

func (r *recordingNotifier) Name() string { return r.name }
func (r *recordingNotifier) Notify(ctx context.Context, o Outcome) {
	r.got = append(r.got, o)
}

func TestRecordAndGet(t *testing.T) {
	s := New()
	s.Record(context.Background(), Outcome{TestId: "A", Status: protocol.Passed})

	o, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, protocol.Passed, o.Status)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestRecordTwiceForSameTestPanics(t *testing.T) {
	s := New()
	s.Record(context.Background(), Outcome{TestId: "A", Status: protocol.Passed})

	assert.Panics(t, func() {
		s.Record(context.Background(), Outcome{TestId: "A", Status: protocol.Failed})
	})
}

func TestNotifierFiresOnlyForHangingAndCrashed(t *testing.T) {
	s := New()
	n := &recordingNotifier{name: "test"}
	s.AddNotifier(n)

	s.Record(context.Background(), Outcome{TestId: "A", Status: protocol.Passed})
	s.Record(context.Background(), Outcome{TestId: "B", Status: protocol.Failed})
	s.Record(context.Background(), Outcome{TestId: "C", Status: protocol.Skipped})
	s.Record(context.Background(), Outcome{TestId: "D", Status: protocol.Hanging})
	s.Record(context.Background(), Outcome{TestId: "E", Status: protocol.Crashed})

	require.Len(t, n.got, 2)
	assert.Equal(t, protocol.TestId("D"), n.got[0].TestId)
	assert.Equal(t, protocol.TestId("E"), n.got[1].TestId)
}

func TestExitCodePolicy(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     int
	}{
		{"all passed", []Outcome{{TestId: "A", Status: protocol.Passed}, {TestId: "B", Status: protocol.Skipped}}, 0},
		{"one failed", []Outcome{{TestId: "A", Status: protocol.Passed}, {TestId: "B", Status: protocol.Failed}}, 1},
		{"one hanging", []Outcome{{TestId: "A", Status: protocol.Hanging}}, 1},
		{"one crashed", []Outcome{{TestId: "A", Status: protocol.Crashed}}, 1},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for _, o := range tt.outcomes {
				s.Record(context.Background(), o)
			}
			assert.Equal(t, tt.want, s.ExitCode())
		})
	}
}

func TestAllReturnsIndependentSnapshot(t *testing.T) {
	s := New()
	s.Record(context.Background(), Outcome{TestId: "A", Status: protocol.Passed})

	snap := s.All()
	snap["A"] = Outcome{TestId: "A", Status: protocol.Failed}

	o, _ := s.Get("A")
	assert.Equal(t, protocol.Passed, o.Status, "mutating the snapshot must not affect the sink")
}
