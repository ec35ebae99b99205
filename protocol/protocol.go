// Package protocol defines the wire format spoken between the test client
// (tester side) and the test server running inside the testee process.
//
// The protocol is line oriented and textual: the client sends plain commands
// terminated by a newline, the server replies with one JSON object per line.
// The reply stream for a single run command always ends with a record of kind
// RunFinished.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/src-d/go-errors.v1"
)

// Command is a textual command sent from the client to the test server.
type Command string

const (
	// CommandRun requests the execution of a single test. It is followed by
	// a space and the test identifier on the same line.
	CommandRun = Command("run")
	// CommandTerminate asks the server to shut down. It takes no argument
	// and produces no reply.
	CommandTerminate = Command("terminate")
)

// String returns the string value of the Command.
func (c Command) String() string {
	return string(c)
}

// ServerMarker identifies the test server implementation in the port
// announcement line written to the testee's diagnostic channel.
const ServerMarker = "crossrun.TestServer"

// EnvLaunchedFromClient is set in the testee's environment when it was
// launched by the bridge. A testee binary checks it to decide whether to
// start its test server instead of its regular entry point.
const EnvLaunchedFromClient = "CROSSRUN_LAUNCHED_FROM_CLIENT"

// ErrBadAnnouncement is returned when a port announcement line carries a
// value that cannot be parsed as a port.
var ErrBadAnnouncement = errors.NewKind("malformed port announcement: %q")

// FormatPortLine returns the announcement line the server writes to its
// diagnostic channel once it is listening.
func FormatPortLine(port int) string {
	return fmt.Sprintf("%s: port=%d", ServerMarker, port)
}

// ParsePortLine reports whether line is a port announcement and, if so,
// returns the announced port. A line carrying the marker but a malformed
// port value yields an error.
func ParsePortLine(line string) (int, bool, error) {
	const prefix = ServerMarker + ": port="
	if !strings.HasPrefix(line, prefix) {
		return 0, false, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil || port <= 0 || port > 0xffff {
		return 0, true, ErrBadAnnouncement.New(line)
	}
	return port, true, nil
}

var _ json.Unmarshaler = (*ResultKind)(nil)

// ResultKind is the kind of a Result record. It is a closed enumeration;
// RunFinished is the terminal kind closing the reply stream of a run command.
type ResultKind string

const (
	// Started is emitted right before an individual test executes.
	Started = ResultKind("started")
	// Finished is emitted after an individual test executed successfully.
	Finished = ResultKind("finished")
	// Failure is emitted when an individual test failed.
	Failure = ResultKind("failure")
	// AssumptionFailure is emitted when a test assumption did not hold and
	// the test was abandoned without being counted as failed.
	AssumptionFailure = ResultKind("assumptionFailure")
	// Ignored is emitted for a test that was skipped.
	Ignored = ResultKind("ignored")
	// RunStarted is emitted once before the first test of a run command.
	RunStarted = ResultKind("runStarted")
	// RunFinished is emitted exactly once per run command, after all other
	// records, and carries the run summary.
	RunFinished = ResultKind("runFinished")
)

var kinds = map[ResultKind]bool{
	Started:           true,
	Finished:          true,
	Failure:           true,
	AssumptionFailure: true,
	Ignored:           true,
	RunStarted:        true,
	RunFinished:       true,
}

// String returns the string value of the ResultKind.
func (k ResultKind) String() string {
	return string(k)
}

// Terminal reports whether the kind closes the reply stream of a run.
func (k ResultKind) Terminal() bool {
	return k == RunFinished
}

func (k *ResultKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	kind, ok := kindOf(str)
	if !ok {
		return fmt.Errorf("unknown result kind: %q", str)
	}
	*k = kind
	return nil
}

// kindOf matches a wire spelling against the kind set without regard to
// case, so "runFinished", "RunFinished" and "RUNFINISHED" all decode to the
// same kind.
func kindOf(s string) (ResultKind, bool) {
	for k := range kinds {
		if strings.EqualFold(string(k), s) {
			return k, true
		}
	}
	return "", false
}

// RunSummary aggregates the outcome of a single run command.
type RunSummary struct {
	// RunCount is the number of tests executed.
	RunCount int `json:"runCount"`
	// FailureCount is the number of tests that failed.
	FailureCount int `json:"failureCount"`
	// IgnoreCount is the number of tests that were skipped.
	IgnoreCount int `json:"ignoreCount"`
	// RunTime is the wall-clock duration of the run.
	RunTime time.Duration `json:"-"`

	// RunTimeMs carries RunTime on the wire in milliseconds.
	RunTimeMs int64 `json:"runTimeMs"`
}

// FailureDetail describes a test failure or assumption failure.
type FailureDetail struct {
	// Description identifies the failing test.
	Description string `json:"description"`
	// Message is the failure message.
	Message string `json:"message"`
	// Trace is an optional stack trace or cause chain.
	Trace string `json:"trace,omitempty"`
}

// Result is the unit of wire traffic from the test server to the client.
// Exactly one field beyond Kind and Description is populated, depending on
// the kind.
type Result struct {
	// Kind discriminates the record.
	Kind ResultKind `json:"kind"`
	// Description identifies the test the record refers to. It may be empty
	// for RunStarted and RunFinished records.
	Description string `json:"description,omitempty"`
	// Summary is only present on RunFinished records.
	Summary *RunSummary `json:"summary,omitempty"`
	// Failure is only present on Failure and AssumptionFailure records.
	Failure *FailureDetail `json:"failure,omitempty"`
}

// Validate checks the kind/payload invariants of the record.
func (r *Result) Validate() error {
	if !kinds[r.Kind] {
		return fmt.Errorf("unknown result kind: %q", r.Kind)
	}
	switch r.Kind {
	case Failure, AssumptionFailure:
		if r.Failure == nil {
			return fmt.Errorf("%s record without failure detail", r.Kind)
		}
	case RunFinished:
		if r.Summary == nil {
			return fmt.Errorf("runFinished record without summary")
		}
	case RunStarted:
		// description is optional on run-level records
	default:
		if r.Description == "" {
			return fmt.Errorf("%s record without test description", r.Kind)
		}
	}
	if r.Kind != Failure && r.Kind != AssumptionFailure && r.Failure != nil {
		return fmt.Errorf("%s record with failure detail", r.Kind)
	}
	if r.Kind != RunFinished && r.Summary != nil {
		return fmt.Errorf("%s record with summary", r.Kind)
	}
	return nil
}

// NewRunSummary builds a summary with RunTimeMs kept in sync with RunTime.
func NewRunSummary(run, failed, ignored int, elapsed time.Duration) *RunSummary {
	return &RunSummary{
		RunCount:     run,
		FailureCount: failed,
		IgnoreCount:  ignored,
		RunTime:      elapsed,
		RunTimeMs:    int64(elapsed / time.Millisecond),
	}
}

// Elapsed returns the run duration, reconstructing it from the wire field
// when the record was decoded.
func (s *RunSummary) Elapsed() time.Duration {
	if s.RunTime != 0 {
		return s.RunTime
	}
	return time.Duration(s.RunTimeMs) * time.Millisecond
}
