// Package supervisor implements the Worker Supervisor: the per-slot
// loop that claims batches from the Work Queue, spawns a worker
// subprocess to run them, and drives the execution state machine that
// turns the worker's event stream into queue tier transitions and
// sink outcomes (spec §4.3).
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/swarmtest/resilient-runner/internal/batchsize"
	"github.com/swarmtest/resilient-runner/internal/protocol"
	"github.com/swarmtest/resilient-runner/internal/queue"
	"github.com/swarmtest/resilient-runner/internal/sink"
	"github.com/swarmtest/resilient-runner/internal/subproc"
)

// Config holds the timing and process parameters shared by every
// supervisor in a run.
type Config struct {
	WorkerPath          string
	WorkerArgs          []string
	AssemblyPath        string
	HangTimeout         time.Duration
	StreamTimeout       time.Duration
	SmallBatchThreshold int
	// RespawnLimit bounds how often a supervisor may spawn a fresh
	// worker subprocess, guarding against a tight crash-respawn loop
	// saturating the host. A limiter with no burst headroom behaves
	// like a fixed minimum spacing.
	RespawnLimit rate.Limit
	RespawnBurst int
}

// Supervisor runs the outer claim/execute loop for one worker slot.
type Supervisor struct {
	id      queue.SupervisorId
	cfg     Config
	queue   *queue.Queue
	batches *batchsize.Controller
	sink    *sink.Sink
	limiter *rate.Limiter
}

// New creates a Supervisor identified by id, pulling from q and
// batches and recording into s.
func New(id queue.SupervisorId, cfg Config, q *queue.Queue, batches *batchsize.Controller, s *sink.Sink) *Supervisor {
	if cfg.RespawnLimit == 0 {
		cfg.RespawnLimit = rate.Every(200 * time.Millisecond)
	}
	if cfg.RespawnBurst == 0 {
		cfg.RespawnBurst = 1
	}
	return &Supervisor{
		id:      id,
		cfg:     cfg,
		queue:   q,
		batches: batches,
		sink:    s,
		limiter: rate.NewLimiter(cfg.RespawnLimit, cfg.RespawnBurst),
	}
}

// Run executes the outer loop from spec §4.3 until the queue reports
// completion or ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	log.Info().Int("supervisor_id", int(sv.id)).Msg("supervisor: starting")
	defer log.Info().Int("supervisor_id", int(sv.id)).Msg("supervisor: stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch := sv.queue.TakeBatch(sv.id, sv.batches.Current())
		if len(batch) == 0 {
			if sv.queue.IsComplete() {
				return nil
			}
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		sv.runBatchSafely(ctx, batch)
	}
}

// runBatchSafely wraps execute with the recover+Sentry discipline the
// teacher applies around each task's processing goroutine, so a bug in
// this loop degrades to one salvaged batch instead of taking the whole
// supervisor fleet down.
func (sv *Supervisor) runBatchSafely(ctx context.Context, batch []protocol.TestId) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.Error().
				Int("supervisor_id", int(sv.id)).
				Interface("panic", r).
				Msg("supervisor: internal exception, salvaging batch")
			sv.queue.WorkerCrashed(sv.id)
		}
	}()

	if err := sv.limiter.Wait(ctx); err != nil {
		sv.queue.WorkerCrashed(sv.id)
		return
	}

	if err := sv.execute(ctx, batch); err != nil {
		log.Warn().Int("supervisor_id", int(sv.id)).Err(err).Msg("supervisor: batch execution ended with error")
	}
}

// maxOutputBytes caps the per-test output buffer a supervisor holds in
// memory while a test is running (spec §6, "bounded buffering").
const maxOutputBytes = 4 * 1024 * 1024

type runningTest struct {
	displayName string
	startedAt   time.Time
	output      []byte
	truncated   bool
}

func (rt *runningTest) appendOutput(text string) {
	if rt.truncated {
		return
	}
	remaining := maxOutputBytes - len(rt.output)
	if remaining <= 0 {
		rt.truncated = true
		return
	}
	if len(text) > remaining {
		text = text[:remaining]
		rt.truncated = true
	}
	rt.output = append(rt.output, text...)
}

// execute is the state machine in spec §4.3: AwaitingStart/Streaming
// consume the event stream; Draining handles RunCompleted/Error;
// Terminated is reached on return.
func (sv *Supervisor) execute(ctx context.Context, batch []protocol.TestId) error {
	ch, err := subproc.Spawn(ctx, sv.cfg.WorkerPath, sv.cfg.WorkerArgs)
	if err != nil {
		// Could not even start the worker: treat exactly like an
		// abnormal exit before RunCompleted.
		sv.settleResidue(ctx, batch, batch, nil, protocol.Crashed, "worker failed to start")
		return fmt.Errorf("supervisor: spawn worker: %w", err)
	}
	defer ch.Kill()

	if err := ch.Send(protocol.Command{
		Kind:           protocol.CommandRun,
		AssemblyPath:   sv.cfg.AssemblyPath,
		Tests:          batch,
		TimeoutSeconds: int(sv.cfg.HangTimeout.Seconds()),
	}); err != nil {
		sv.settleResidue(ctx, batch, batch, nil, protocol.Crashed, "worker failed to start")
		return fmt.Errorf("supervisor: send run command: %w", err)
	}

	unresolved := make(map[protocol.TestId]struct{}, len(batch))
	for _, id := range batch {
		unresolved[id] = struct{}{}
	}
	running := make(map[protocol.TestId]*runningTest)

	for {
		select {
		case <-ctx.Done():
			sv.queue.WorkerCrashed(sv.id)
			return ctx.Err()

		case ev, ok := <-ch.Events():
			if !ok {
				// Stream closed without RunCompleted: abnormal exit.
				sv.settleResidue(ctx, batch, remainingOf(unresolved), running, protocol.Crashed, "worker exited unexpectedly")
				return fmt.Errorf("supervisor: worker exited (code %d) before run completed", ch.ExitCode())
			}

			switch ev.Kind {
			case protocol.EventTestStarted:
				running[ev.Id] = &runningTest{displayName: ev.DisplayName, startedAt: ev.ReceivedAt}

			case protocol.EventTestOutput:
				if rt, ok := running[ev.Id]; ok {
					rt.appendOutput(ev.Text)
				}

			case protocol.EventTestPassed, protocol.EventTestFailed, protocol.EventTestSkipped:
				var output string
				var truncated bool
				if rt, ok := running[ev.Id]; ok {
					output, truncated = string(rt.output), rt.truncated
				}
				delete(running, ev.Id)
				delete(unresolved, ev.Id)
				sv.queue.MarkCompleted(sv.id, ev.Id)
				outcome := outcomeFor(ev)
				outcome.Output = output
				outcome.Truncated = truncated
				sv.sink.Record(ctx, outcome)

			case protocol.EventRunCompleted, protocol.EventError:
				sv.drain(ctx, running, unresolved)
				return nil
			}

			if sv.enforceAbsoluteDeadlines(ctx, running, unresolved, len(batch)) {
				ch.Kill()
				sv.settleResidue(ctx, batch, remainingOf(unresolved), running, protocol.Hanging, "exceeded absolute deadline")
				return nil
			}

		case <-time.After(sv.cfg.StreamTimeout):
			ch.Kill()
			sv.settleResidue(ctx, batch, remainingOf(unresolved), running, protocol.Hanging, "stream idle timeout exceeded")
			return fmt.Errorf("supervisor: stream idle timeout exceeded")
		}
	}
}

// drain implements the RunCompleted/Error branch: anything still
// running is Crashed with a fixed reason regardless of batch size;
// anything assigned but never started is salvaged to Suspicious.
func (sv *Supervisor) drain(ctx context.Context, running map[protocol.TestId]*runningTest, unresolved map[protocol.TestId]struct{}) {
	var neverStarted []protocol.TestId
	for id := range unresolved {
		if rt, started := running[id]; started {
			sv.sink.Record(ctx, sink.Outcome{
				TestId:      id,
				DisplayName: rt.displayName,
				Status:      protocol.Crashed,
				Reason:      "did not report completion",
			})
			sv.queue.MarkCompleted(sv.id, id)
		} else {
			neverStarted = append(neverStarted, id)
		}
	}
	if len(neverStarted) > 0 {
		sv.queue.MarkSuspicious(sv.id, neverStarted)
	}
}

// enforceAbsoluteDeadlines implements the per-test absolute deadline
// check, evaluated after every event. It returns true when it found
// and handled at least one offending test, meaning the caller must
// kill the subprocess and terminate the batch.
func (sv *Supervisor) enforceAbsoluteDeadlines(ctx context.Context, running map[protocol.TestId]*runningTest, unresolved map[protocol.TestId]struct{}, batchSize int) bool {
	now := time.Now()
	var hanging, demoted []protocol.TestId

	for id, rt := range running {
		elapsed := now.Sub(rt.startedAt)
		switch {
		case elapsed > 2*sv.cfg.HangTimeout:
			hanging = append(hanging, id)
		case elapsed > time.Duration(float64(sv.cfg.HangTimeout)*0.75):
			demoted = append(demoted, id)
		}
	}

	if len(hanging) == 0 && len(demoted) == 0 {
		return false
	}

	for _, id := range hanging {
		rt := running[id]
		sv.sink.Record(ctx, sink.Outcome{TestId: id, DisplayName: rt.displayName, Status: protocol.Hanging, Reason: "exceeded absolute deadline"})
		sv.queue.MarkCompleted(sv.id, id)
		delete(running, id)
		delete(unresolved, id)
	}
	if len(demoted) > 0 {
		sv.queue.MarkSuspicious(sv.id, demoted)
		for _, id := range demoted {
			delete(running, id)
			delete(unresolved, id)
		}
	}

	log.Warn().
		Int("supervisor_id", int(sv.id)).
		Int("hanging", len(hanging)).
		Int("demoted_suspicious", len(demoted)).
		Int("batch_size", batchSize).
		Msg("supervisor: per-test absolute deadline exceeded, terminating batch")

	return true
}

// settleResidue applies the blame-attribution policy from spec §4.3's
// summary to whatever of originalBatch remains unresolved after an
// idle-stream timeout or abnormal exit: a batch of exactly one test
// attributes the outcome to that test directly (terminalStatus); a
// multi-test batch cannot attribute, so it demotes one tier — to
// Confirmed if already small enough to isolate with size-1 retries,
// otherwise to Suspicious so the batch-size controller keeps halving
// it down. running, if non-nil, supplies display names for the
// direct-attribution path.
func (sv *Supervisor) settleResidue(ctx context.Context, originalBatch []protocol.TestId, residue []protocol.TestId, running map[protocol.TestId]*runningTest, terminalStatus protocol.OutcomeKind, terminalReason string) {
	if len(residue) == 0 {
		return
	}

	if len(originalBatch) == 1 {
		id := residue[0]
		var displayName string
		if running != nil {
			if rt, ok := running[id]; ok {
				displayName = rt.displayName
			}
		}
		sv.sink.Record(ctx, sink.Outcome{TestId: id, DisplayName: displayName, Status: terminalStatus, Reason: terminalReason})
		sv.queue.MarkCompleted(sv.id, id)
		return
	}

	if len(originalBatch) <= sv.cfg.SmallBatchThreshold {
		sv.queue.MarkConfirmed(sv.id, residue)
		return
	}
	sv.queue.MarkSuspicious(sv.id, residue)
}

func remainingOf(unresolved map[protocol.TestId]struct{}) []protocol.TestId {
	out := make([]protocol.TestId, 0, len(unresolved))
	for id := range unresolved {
		out = append(out, id)
	}
	return out
}

func outcomeFor(ev protocol.Timestamped) sink.Outcome {
	o := sink.Outcome{
		TestId:       ev.Id,
		DisplayName:  ev.DisplayName,
		DurationMs:   ev.DurationMs,
		ErrorMessage: ev.ErrorMessage,
		StackTrace:   ev.StackTrace,
		Reason:       ev.Reason,
	}
	switch ev.Kind {
	case protocol.EventTestPassed:
		o.Status = protocol.Passed
	case protocol.EventTestFailed:
		o.Status = protocol.Failed
	case protocol.EventTestSkipped:
		o.Status = protocol.Skipped
		o.SkipReason = ev.Reason
	}
	return o
}

// discoverGroup dedupes concurrent Discover calls against the same
// assembly path, mirroring the teacher's jobInfoGroup singleflight use
// around its own one-fetch-per-key cache.
var discoverGroup singleflight.Group

// Discover spawns path as a worker, sends a Discover command, and
// returns the tests it reports. Concurrent calls for the same
// assemblyPath collapse into a single subprocess spawn.
func Discover(ctx context.Context, workerPath string, workerArgs []string, assemblyPath string) ([]protocol.DiscoveredTest, error) {
	val, err, _ := discoverGroup.Do(assemblyPath, func() (interface{}, error) {
		ch, err := subproc.Spawn(ctx, workerPath, workerArgs)
		if err != nil {
			return nil, fmt.Errorf("supervisor: spawn discover worker: %w", err)
		}
		defer ch.Kill()

		if err := ch.Send(protocol.Command{Kind: protocol.CommandDiscover, AssemblyPath: assemblyPath}); err != nil {
			return nil, fmt.Errorf("supervisor: send discover command: %w", err)
		}

		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return nil, fmt.Errorf("supervisor: worker exited before discovery response (code %d)", ch.ExitCode())
			}
			if ev.Kind != protocol.EventDiscovered {
				return nil, fmt.Errorf("supervisor: expected discovered event, got %q", ev.Kind)
			}
			return ev.Tests, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	return val.([]protocol.DiscoveredTest), nil
}
