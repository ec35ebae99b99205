// Package client implements the tester half of the bridge: it launches the
// testee through a launch.Plugin hook pair, discovers the test server port
// announced on the testee's diagnostic stream, and drives the line-oriented
// test protocol over a single long-lived TCP connection.
package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/opentracing/opentracing-go"
	"gopkg.in/src-d/go-errors.v1"
	"gopkg.in/src-d/go-log.v1"

	"github.com/crossrun/sdk/launch"
	"github.com/crossrun/sdk/protocol"
	"github.com/crossrun/sdk/protocol/jsonlines"
)

const (
	// DefaultPollInterval is how often awaiting callers re-check the port
	// cell while the testee is starting up.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultDialTimeout bounds the connection attempt to the announced
	// port.
	DefaultDialTimeout = 15 * time.Second
)

var (
	// ErrConnection is returned when the socket to the announced port
	// cannot be opened.
	ErrConnection = errors.NewKind("cannot connect to test server at %s")
	// ErrProtocol is returned when the reply stream ends or desyncs before
	// the runFinished record of the current run.
	ErrProtocol = errors.NewKind("test protocol error")
	// ErrAlreadyConnected is returned by Connect when the socket was
	// already opened; the connection is opened exactly once per client.
	ErrAlreadyConnected = errors.NewKind("test client is already connected")
)

// TestClient bridges a tester (IDE, build tool, CI harness) to tests running
// inside a separately launched testee process. Run requests are queued and
// serviced strictly in order by a single drain goroutine, the sole owner of
// the socket; results come back as Listener callbacks.
//
// TestClient implements launch.Plugin: registered with a launch.Launcher it
// intercepts the testee's diagnostic stream, waits for the port announcement
// and connects on its own. Connect may also be called directly when the
// testee is managed elsewhere.
type TestClient struct {
	// PollInterval overrides DefaultPollInterval when set before launch.
	PollInterval time.Duration
	// DialTimeout overrides DefaultDialTimeout when set before launch.
	DialTimeout time.Duration

	listener Listener
	queue    *entryQueue

	forward   *os.File // original diagnostic sink; nil means inherited stderr
	intercept *os.File // read end of the diagnostic pipe
	pr        *portReader

	conn net.Conn
	w    *bufio.Writer
	dec  jsonlines.Decoder

	// wireErr is a sticky transport failure. It is written by Connect
	// before the drain loop starts and by the drain goroutine afterwards;
	// once set, remaining run requests fail fast until terminate.
	wireErr error

	mu          sync.Mutex
	connected   bool
	terminating bool
	done        chan struct{} // closed when the drain loop exits
}

// NewTestClient returns a client delivering events to the given listener.
// A nil listener discards all events.
func NewTestClient(l Listener) *TestClient {
	if l == nil {
		l = NopListener{}
	}
	return &TestClient{
		listener:     l,
		queue:        newEntryQueue(),
		PollInterval: DefaultPollInterval,
		DialTimeout:  DefaultDialTimeout,
		done:         make(chan struct{}),
	}
}

// RunTests queues the given test identifiers for execution. It never
// blocks; results arrive through the listener. Requests queued after
// Terminate are never serviced.
func (c *TestClient) RunTests(tests ...string) *TestClient {
	for _, id := range tests {
		c.queue.push(runRequest(id))
	}
	return c
}

// Flush blocks until every previously queued run request has completed, or
// until the client shuts down.
func (c *TestClient) Flush() *TestClient {
	b := newBarrier()
	c.queue.push(b)
	select {
	case <-b.done:
	case <-c.done:
	}
	return c
}

// Terminate queues the shutdown sentinel behind any pending run requests
// and blocks until the terminate command was sent and the socket closed.
// It is the last operation performed on the socket.
func (c *TestClient) Terminate() {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.terminating = true
	started := c.connected
	c.mu.Unlock()

	if !started {
		// never connected, so there is no drain loop to run the sentinel
		close(c.done)
		return
	}

	t := newTerminator()
	c.queue.push(t)
	<-c.done
}

// BeforeLaunch intercepts the testee's diagnostic stream by swapping it for
// a pipe, keeping the original destination for pass-through forwarding. It
// also marks the environment so the test server can tell it was launched
// from the bridge.
func (c *TestClient) BeforeLaunch(cfg *launch.Config, params *launch.Params) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("cannot create diagnostic pipe: %s", err)
	}
	c.forward = params.Diagnostic
	c.intercept = r
	params.Diagnostic = w
	params.Env = append(params.Env, protocol.EnvLaunchedFromClient+"=true")
	return nil
}

// AfterLaunch starts the diagnostic relay, block-polls for the port
// announcement and connects the socket. It fails if the testee exits before
// announcing, or if the socket cannot be opened; in the latter case the
// drain loop still runs so every queued request observes a terminal event.
func (c *TestClient) AfterLaunch(cfg *launch.Config, params *launch.Params, proc launch.Process) error {
	var out io.Writer = os.Stderr
	ownsOut := false
	if c.forward != nil {
		out = c.forward
		ownsOut = true
	}
	c.pr = startPortReader(c.intercept, out, ownsOut)

	port, err := c.pr.awaitPort(c.PollInterval)
	if err != nil {
		return err
	}
	return c.Connect(port)
}

// Cleanup stops the diagnostic relay. It is independent of the command
// queue lifecycle and safe to call at any point after launch.
func (c *TestClient) Cleanup() {
	if c.pr != nil {
		c.pr.stop()
	}
}

// Connect opens the socket to the test server and starts the drain loop.
// The socket is opened exactly once per client lifetime and reused by every
// subsequent run. On connection failure the drain loop starts anyway, in
// fail-fast mode, so queued runs are reported instead of hanging.
func (c *TestClient) Connect(port int) error {
	c.mu.Lock()
	if c.connected || c.terminating {
		c.mu.Unlock()
		return ErrAlreadyConnected.New()
	}
	c.connected = true
	c.mu.Unlock()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	log.Debugf("connecting to test server at %s", addr)

	conn, err := net.DialTimeout("tcp", addr, c.DialTimeout)
	if err != nil {
		if isConnRefused(err) {
			err = ErrConnection.Wrap(err, addr+" (local connection refused)")
		} else {
			err = ErrConnection.Wrap(err, addr+" (test server unreachable)")
		}
		c.wireErr = err
		go c.drain()
		return err
	}

	log.Debugf("connected to test server at %s", conn.RemoteAddr())
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.dec = jsonlines.NewDecoder(conn)
	go c.drain()
	return nil
}

// drain is the single consumer of the command queue and the only goroutine
// touching the socket. Entries are serviced strictly in FIFO order; a run
// request is not taken before the previous one fully completed.
func (c *TestClient) drain() {
	defer close(c.done)
	for {
		switch e := c.queue.pop().(type) {
		case runRequest:
			if err := c.runOne(string(e)); err != nil {
				log.Errorf(err, "test run %q failed", string(e))
			}
		case *terminator:
			c.shutdown()
			e.signal()
			return
		case *barrier:
			e.signal()
		}
	}
}

// runOne executes a single queued test: it writes the run command, then
// decodes and dispatches reply records until the terminal runFinished one.
// Any transport or protocol failure aborts this run, synthesizes a terminal
// event pair so the tester never waits forever, and leaves the client in
// fail-fast mode.
func (c *TestClient) runOne(id string) error {
	sp := opentracing.StartSpan("crossrun.client.run")
	sp.SetTag("test", id)
	defer sp.Finish()

	if c.wireErr != nil {
		c.failRun(id, c.wireErr)
		return c.wireErr
	}

	log.Debugf("running test %s", id)
	_, err := fmt.Fprintf(c.w, "%s %s\n", protocol.CommandRun, id)
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		return c.broken(id, ErrProtocol.Wrap(err, "cannot send run command"))
	}

	for {
		var rec protocol.Result
		if err := c.dec.Decode(&rec); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return c.broken(id, ErrProtocol.Wrap(err, "reply stream ended before runFinished"))
		}
		if err := rec.Validate(); err != nil {
			return c.broken(id, ErrProtocol.Wrap(err, "malformed result record"))
		}
		dispatch(c.listener, &rec)
		if rec.Kind.Terminal() {
			return nil
		}
	}
}

// broken records a fatal wire error and reports the current run as failed.
// After a desync there is no way to tell where the next record starts, so
// remaining runs fail fast with the same error until terminate is reached.
func (c *TestClient) broken(id string, err error) error {
	c.wireErr = err
	c.failRun(id, err)
	return err
}

// failRun synthesizes the terminal event pair for a run that could not be
// completed: a failure record carrying the transport error, then a
// runFinished summary counting it.
func (c *TestClient) failRun(id string, err error) {
	dispatch(c.listener, &protocol.Result{
		Kind:        protocol.Failure,
		Description: id,
		Failure: &protocol.FailureDetail{
			Description: id,
			Message:     err.Error(),
		},
	})
	dispatch(c.listener, &protocol.Result{
		Kind:    protocol.RunFinished,
		Summary: protocol.NewRunSummary(1, 1, 0, 0),
	})
}

// shutdown sends the terminate command and closes the socket. Nothing
// touches the socket afterwards.
func (c *TestClient) shutdown() {
	if c.conn == nil {
		return
	}
	log.Debugf("shutting down test server")
	if _, err := fmt.Fprintf(c.w, "%s\n", protocol.CommandTerminate); err == nil {
		_ = c.w.Flush()
	}
	_ = c.conn.Close()
}

// isConnRefused digs the syscall error out of a dial failure. Dial errors
// arrive wrapped as a *net.OpError around an *os.SyscallError.
func isConnRefused(err error) bool {
	op, ok := err.(*net.OpError)
	if !ok {
		return false
	}
	sc, ok := op.Err.(*os.SyscallError)
	if !ok {
		return false
	}
	return sc.Err == syscall.ECONNREFUSED
}

var _ launch.Plugin = (*TestClient)(nil)
