package server

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossrun/sdk/client"
	"github.com/crossrun/sdk/launch"
	"github.com/crossrun/sdk/protocol"
)

// events is a client.Listener capturing callbacks in order.
type events struct {
	mu  sync.Mutex
	seq []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = append(e.seq, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seq...)
}

func (e *events) TestRunStarted(d string) { e.add("runStarted " + d) }
func (e *events) TestStarted(d string)    { e.add("started " + d) }
func (e *events) TestFinished(d string)   { e.add("finished " + d) }
func (e *events) TestIgnored(d string)    { e.add("ignored " + d) }
func (e *events) TestFailure(f protocol.FailureDetail) {
	e.add("failure " + f.Description + ": " + f.Message)
}
func (e *events) TestAssumptionFailure(f protocol.FailureDetail) {
	e.add("assumptionFailure " + f.Description)
}
func (e *events) TestRunFinished(s protocol.RunSummary) {
	e.add(fmt.Sprintf("runFinished %d/%d", s.FailureCount, s.RunCount))
}

// fakeProcess stands in for the sandboxed testee, which in this test is a
// goroutine rather than a child process.
type fakeProcess struct {
	done chan struct{}
}

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Wait() error { <-p.done; return nil }
func (p *fakeProcess) Kill() error { return nil }

// The whole bridge end to end: the test server runs in process, announces
// on a pipe standing in for the testee's stderr, the client discovers the
// port through its relay, runs tests over a real socket and terminates.
func TestBridgeEndToEnd(t *testing.T) {
	require := require.New(t)

	ev := &events{}
	tc := client.NewTestClient(ev)

	// fr receives what the relay forwards, as the operator's stderr would
	fr, fw, err := os.Pipe()
	require.NoError(err)

	cfg := &launch.Config{Binary: "testee"}
	params := &launch.Params{Diagnostic: fw}
	require.NoError(tc.BeforeLaunch(cfg, params))
	require.Contains(params.Env, protocol.EnvLaunchedFromClient+"=true")

	// the "testee": a test server writing diagnostics to the intercepted
	// stream handed over by BeforeLaunch
	s := NewTestServer()
	s.Diagnostic = params.Diagnostic
	s.MustRegister("testA", func(t *T) {})
	s.MustRegister("testB", func(t *T) { t.Fatalf("boom") })

	proc := &fakeProcess{done: make(chan struct{})}
	served := make(chan error, 1)
	go func() {
		fmt.Fprintln(params.Diagnostic, "sandbox booted")
		served <- s.Serve()
		params.Diagnostic.Close()
		close(proc.done)
	}()

	require.NoError(tc.AfterLaunch(cfg, params, proc))

	tc.RunTests("testA", "testB").Flush()
	tc.Terminate()
	require.NoError(<-served)
	require.NoError(proc.Wait())
	tc.Cleanup()

	require.Equal([]string{
		"runStarted testA",
		"started testA",
		"finished testA",
		"runFinished 0/1",
		"runStarted testB",
		"started testB",
		"failure testB: boom",
		"runFinished 1/1",
	}, ev.all())

	// the relay forwarded the ordinary diagnostic line, without the
	// announcement, to the original sink
	fr.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(fr).ReadString('\n')
	require.NoError(err)
	require.Equal("sandbox booted\n", line)
	fr.Close()
}
