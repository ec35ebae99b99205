package server

import (
	"fmt"
	"runtime/debug"

	"github.com/crossrun/sdk/protocol"
)

// T is handed to every TestFunc to report its outcome. The zero outcome is
// a pass; the first failure, skip or assumption failure wins.
type T struct {
	name string

	failed     bool
	skipped    bool
	assumption bool
	message    string
	trace      string
}

// stop aborts the running TestFunc; recovered in execute.
type stop struct{}

// Name returns the identifier the test was registered under.
func (t *T) Name() string {
	return t.name
}

// Errorf marks the test as failed and keeps it running.
func (t *T) Errorf(format string, args ...interface{}) {
	if !t.failed {
		t.failed = true
		t.message = fmt.Sprintf(format, args...)
	}
}

// Fatalf marks the test as failed and stops it immediately.
func (t *T) Fatalf(format string, args ...interface{}) {
	t.Errorf(format, args...)
	panic(stop{})
}

// Skipf marks the test as ignored and stops it immediately.
func (t *T) Skipf(format string, args ...interface{}) {
	if !t.failed {
		t.skipped = true
		t.message = fmt.Sprintf(format, args...)
	}
	panic(stop{})
}

// Assumef checks a precondition of the test. When the condition does not
// hold the test stops with an assumption failure, which the tester reports
// separately from a real failure.
func (t *T) Assumef(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	if !t.failed {
		t.assumption = true
		t.message = fmt.Sprintf(format, args...)
	}
	panic(stop{})
}

// execute runs fn and folds its outcome into a single result record. A
// panic other than the internal stop sentinel is recorded as a failure with
// its stack trace.
func execute(id string, fn TestFunc) *protocol.Result {
	t := &T{name: id}

	func() {
		defer func() {
			switch r := recover(); r {
			case nil:
			case stop{}:
			default:
				t.failed = true
				t.assumption = false
				t.skipped = false
				t.message = fmt.Sprintf("panic: %v", r)
				t.trace = string(debug.Stack())
			}
		}()
		fn(t)
	}()

	switch {
	case t.failed:
		return &protocol.Result{
			Kind:        protocol.Failure,
			Description: id,
			Failure: &protocol.FailureDetail{
				Description: id,
				Message:     t.message,
				Trace:       t.trace,
			},
		}
	case t.assumption:
		return &protocol.Result{
			Kind:        protocol.AssumptionFailure,
			Description: id,
			Failure: &protocol.FailureDetail{
				Description: id,
				Message:     t.message,
			},
		}
	case t.skipped:
		return &protocol.Result{Kind: protocol.Ignored, Description: id}
	default:
		return &protocol.Result{Kind: protocol.Finished, Description: id}
	}
}
