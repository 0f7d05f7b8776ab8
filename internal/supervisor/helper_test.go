package supervisor

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

// TestHelperProcess re-execs this test binary as a scripted stand-in
// worker, the same os/exec helper-process idiom used in
// internal/subproc, so the supervisor state machine can be driven over
// a real subprocess without a real test-runner binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	runHelperWorker()
}

func runHelperWorker() {
	scanner := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	behavior := os.Getenv("HELPER_BEHAVIOR")

	for scanner.Scan() {
		var cmd protocol.Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}

		switch cmd.Kind {
		case protocol.CommandDiscover:
			var tests []protocol.DiscoveredTest
			for _, id := range strings.Split(os.Getenv("HELPER_DISCOVER_TESTS"), ",") {
				if id == "" {
					continue
				}
				tests = append(tests, protocol.DiscoveredTest{Id: protocol.TestId(id), DisplayName: id})
			}
			enc.Encode(protocol.Event{Kind: protocol.EventDiscovered, Tests: tests})
			return

		case protocol.CommandRun:
			runHelperBatch(enc, behavior, cmd.Tests)
			if behavior == "hang-one" {
				time.Sleep(10 * time.Second)
				return
			}
		}
	}
}

func runHelperBatch(enc *json.Encoder, behavior string, tests []protocol.TestId) {
	hung := false
	for _, id := range tests {
		if behavior == "hang-one" && id == protocol.TestId(os.Getenv("HELPER_HANG_ID")) {
			enc.Encode(protocol.Event{Kind: protocol.EventTestStarted, Id: id, DisplayName: string(id)})
			hung = true
			continue
		}

		enc.Encode(protocol.Event{Kind: protocol.EventTestStarted, Id: id, DisplayName: string(id)})

		switch behavior {
		case "crash-mid":
			if id == protocol.TestId(os.Getenv("HELPER_CRASH_AFTER")) {
				os.Stdout.Sync()
				os.Exit(1)
			}
			enc.Encode(protocol.Event{Kind: protocol.EventTestPassed, Id: id, DisplayName: string(id), DurationMs: 1})
		case "fail-one":
			if id == protocol.TestId(os.Getenv("HELPER_FAIL_ID")) {
				enc.Encode(protocol.Event{Kind: protocol.EventTestFailed, Id: id, DisplayName: string(id), DurationMs: 1, ErrorMessage: "boom"})
			} else {
				enc.Encode(protocol.Event{Kind: protocol.EventTestPassed, Id: id, DisplayName: string(id), DurationMs: 1})
			}
		default:
			enc.Encode(protocol.Event{Kind: protocol.EventTestPassed, Id: id, DisplayName: string(id), DurationMs: 1})
		}
	}
	if hung {
		// The hung test never reports completion, so neither does the
		// run; the supervisor must time the batch out.
		return
	}
	enc.Encode(protocol.Event{Kind: protocol.EventRunCompleted})
}

func helperWorkerPath(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe
}

func helperEnv(extra ...string) []string {
	env := append(append([]string{}, os.Environ()...), "GO_WANT_HELPER_PROCESS=1")
	return append(env, extra...)
}
