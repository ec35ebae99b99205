package client

import (
	"gopkg.in/src-d/go-log.v1"

	"github.com/crossrun/sdk/protocol"
)

// Listener receives the lifecycle events of remotely executed tests, in the
// order their records arrived on the wire. Implementations run on the drain
// goroutine and should return quickly; a panicking listener is recovered and
// never breaks the protocol loop.
type Listener interface {
	// TestRunStarted is called once before the first test of a run command.
	TestRunStarted(description string)
	// TestStarted is called right before an individual test executes.
	TestStarted(description string)
	// TestFinished is called after an individual test executed successfully.
	TestFinished(description string)
	// TestIgnored is called for a skipped test.
	TestIgnored(description string)
	// TestFailure is called when an individual test failed.
	TestFailure(failure protocol.FailureDetail)
	// TestAssumptionFailure is called when a test assumption did not hold.
	TestAssumptionFailure(failure protocol.FailureDetail)
	// TestRunFinished is called exactly once per run command, last.
	TestRunFinished(summary protocol.RunSummary)
}

// NopListener discards all events. Embed it to implement only a subset of
// Listener.
type NopListener struct{}

func (NopListener) TestRunStarted(string)                        {}
func (NopListener) TestStarted(string)                           {}
func (NopListener) TestFinished(string)                          {}
func (NopListener) TestIgnored(string)                           {}
func (NopListener) TestFailure(protocol.FailureDetail)           {}
func (NopListener) TestAssumptionFailure(protocol.FailureDetail) {}
func (NopListener) TestRunFinished(protocol.RunSummary)          {}

var _ Listener = NopListener{}

// dispatch maps a decoded record to exactly one listener callback. A panic
// raised by the listener is swallowed here so a misbehaving listener cannot
// abort the reply stream.
func dispatch(l Listener, rec *protocol.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Warningf("listener panicked on %s record: %v", rec.Kind, r)
		}
	}()

	switch rec.Kind {
	case protocol.RunStarted:
		l.TestRunStarted(rec.Description)
	case protocol.Started:
		l.TestStarted(rec.Description)
	case protocol.Finished:
		l.TestFinished(rec.Description)
	case protocol.Ignored:
		l.TestIgnored(rec.Description)
	case protocol.Failure:
		l.TestFailure(*rec.Failure)
	case protocol.AssumptionFailure:
		l.TestAssumptionFailure(*rec.Failure)
	case protocol.RunFinished:
		l.TestRunFinished(*rec.Summary)
	}
}
