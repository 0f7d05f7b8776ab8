// Package protocol defines the wire contract spoken between a Worker
// Supervisor and the worker subprocess it manages: the commands a
// supervisor may send, and the events a worker may emit in response.
//
// The worker itself is an external collaborator (spec §1) — this
// package only names the shapes its messages take on the line-delimited
// JSON channel defined in internal/subproc.
package protocol

import "time"

// TestId uniquely names a test within one binary. Opaque to the core:
// it is never parsed, only compared and stored.
type TestId string

// OutcomeKind is one of the five terminal states a test may reach.
type OutcomeKind string

const (
	Passed   OutcomeKind = "passed"
	Failed   OutcomeKind = "failed"
	Skipped  OutcomeKind = "skipped"
	Hanging  OutcomeKind = "hanging"
	Crashed  OutcomeKind = "crashed"
)

// CommandKind identifies which command a Command carries.
type CommandKind string

const (
	CommandDiscover CommandKind = "discover"
	CommandRun      CommandKind = "run"
	CommandCancel   CommandKind = "cancel"
)

// Command is a supervisor-to-worker message. Only the fields relevant
// to Kind are populated.
type Command struct {
	Kind           CommandKind `json:"kind"`
	AssemblyPath   string      `json:"assemblyPath,omitempty"`
	Tests          []TestId    `json:"tests,omitempty"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`
}

// EventKind identifies which event an Event carries.
type EventKind string

const (
	EventDiscovered   EventKind = "discovered"
	EventTestStarted  EventKind = "testStarted"
	EventTestOutput   EventKind = "testOutput"
	EventTestPassed   EventKind = "testPassed"
	EventTestFailed   EventKind = "testFailed"
	EventTestSkipped  EventKind = "testSkipped"
	EventRunCompleted EventKind = "runCompleted"
	EventError        EventKind = "error"
)

// DiscoveredTest is one entry of a Discovered event's test list.
type DiscoveredTest struct {
	Id          TestId `json:"id"`
	DisplayName string `json:"displayName"`
	SkipReason  string `json:"skipReason,omitempty"`
}

// Event is a worker-to-supervisor message. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`

	// EventDiscovered
	Tests []DiscoveredTest `json:"tests,omitempty"`

	// EventTestStarted / EventTestOutput / EventTestPassed /
	// EventTestFailed / EventTestSkipped
	Id          TestId `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Text        string `json:"text,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	StackTrace   string `json:"stackTrace,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// ReceivedAt is stamped by the subproc channel on read, not part of the
// wire format — kept out of Event so Event stays a pure mirror of §6.
type Timestamped struct {
	Event
	ReceivedAt time.Time
}
