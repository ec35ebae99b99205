// Package server implements the testee half of the bridge: a TestServer
// runs inside the sandboxed process, announces its listening port on the
// diagnostic channel and executes registered tests on request, streaming
// lifecycle records back over the socket.
package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"gopkg.in/src-d/go-errors.v1"
	"gopkg.in/src-d/go-log.v1"

	"github.com/crossrun/sdk/protocol"
	"github.com/crossrun/sdk/protocol/jsonlines"
)

var (
	// ErrAlreadyServing is returned by Serve when the server is already
	// listening; a testee process serves at most once.
	ErrAlreadyServing = errors.NewKind("test server is already serving")
	// ErrDuplicateTest is returned when two tests register under the same
	// identifier.
	ErrDuplicateTest = errors.NewKind("test %q is already registered")
)

// TestFunc is the body of a registered test. It reports its outcome through
// the passed T; a panic is caught and recorded as a failure.
type TestFunc func(t *T)

// TestServer executes registered tests on behalf of a remote client. It
// listens on an OS-assigned port, announces it exactly once per process on
// the diagnostic channel, and then speaks the line protocol: textual
// commands in, one JSON record per line out.
type TestServer struct {
	// Logger is used for the server's own diagnostics. Defaults to the
	// package logger.
	Logger log.Logger
	// Diagnostic is the channel the port announcement is written to.
	// Defaults to os.Stderr, the only stream the sandboxed runtime
	// reliably inherits.
	Diagnostic io.Writer
	// Addr is the listen address. Defaults to "127.0.0.1:0", leaving the
	// port choice to the operating system.
	Addr string

	mu       sync.Mutex
	tests    map[string]TestFunc
	announce sync.Once
	ln       net.Listener
	serving  bool
}

// NewTestServer returns an empty test server.
func NewTestServer() *TestServer {
	return &TestServer{tests: map[string]TestFunc{}}
}

// Register adds a test under the given identifier.
func (s *TestServer) Register(name string, fn TestFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tests[name]; dup {
		return ErrDuplicateTest.New(name)
	}
	s.tests[name] = fn
	return nil
}

// MustRegister is Register, panicking on a duplicate identifier. Meant for
// package-level test registration in the testee binary.
func (s *TestServer) MustRegister(name string, fn TestFunc) {
	if err := s.Register(name, fn); err != nil {
		panic(err)
	}
}

func (s *TestServer) logger() log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	if log.DefaultLogger == nil {
		log.DefaultLogger = log.New(nil)
	}
	return log.DefaultLogger
}

// Serve listens, announces the port on the diagnostic channel and serves
// connections until a terminate command arrives. A dropped connection is
// tolerated: the sandbox may restart the tester side, so the server goes
// back to accepting. The announcement is written at most once per process,
// even if the sandbox restarts the server loop in place.
func (s *TestServer) Serve() error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrAlreadyServing.New()
	}
	s.serving = true
	s.mu.Unlock()

	addr := s.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	s.announce.Do(func() {
		out := s.Diagnostic
		if out == nil {
			out = os.Stderr
		}
		fmt.Fprintln(out, protocol.FormatPortLine(port))
	})
	s.logger().Infof("test server listening on port %d", port)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		terminated := s.handle(conn)
		conn.Close()
		if terminated {
			return nil
		}
		s.logger().Warningf("tester disconnected without terminating, accepting again")
	}
}

// handle serves one connection. It returns true once the terminate command
// was received.
func (s *TestServer) handle(conn net.Conn) bool {
	br := bufio.NewReader(conn)
	enc := jsonlines.NewEncoder(conn)

	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			if s.command(enc, line) {
				return true
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger().Errorf(err, "cannot read command stream")
			}
			return false
		}
	}
}

// command parses and executes one command line. It returns true for
// terminate.
func (s *TestServer) command(enc jsonlines.Encoder, line string) bool {
	parts := strings.SplitN(line, " ", 2)
	switch protocol.Command(parts[0]) {
	case protocol.CommandRun:
		if len(parts) != 2 || parts[1] == "" {
			s.logger().Warningf("run command without a test identifier")
			return false
		}
		s.runTest(enc, parts[1])
	case protocol.CommandTerminate:
		s.logger().Infof("terminate received, shutting down")
		return true
	default:
		s.logger().Warningf("ignoring unknown command %q", parts[0])
	}
	return false
}

// runTest executes one registered test and streams its record sequence:
// runStarted, started, one outcome record, runFinished. The reply stream of
// a run always ends with the runFinished record, whatever happened.
func (s *TestServer) runTest(enc jsonlines.Encoder, id string) {
	sp := opentracing.StartSpan("crossrun.server.run")
	sp.SetTag("test", id)
	defer sp.Finish()

	start := time.Now()
	s.send(enc, &protocol.Result{Kind: protocol.RunStarted, Description: id})

	s.mu.Lock()
	fn, ok := s.tests[id]
	s.mu.Unlock()

	summary := &runState{}
	if !ok {
		s.send(enc, &protocol.Result{
			Kind:        protocol.Failure,
			Description: id,
			Failure: &protocol.FailureDetail{
				Description: id,
				Message:     fmt.Sprintf("unknown test: %q", id),
			},
		})
		summary.failed++
	} else {
		s.send(enc, &protocol.Result{Kind: protocol.Started, Description: id})
		outcome := execute(id, fn)
		s.send(enc, outcome)
		summary.run++
		switch outcome.Kind {
		case protocol.Failure:
			summary.failed++
		case protocol.Ignored:
			summary.ignored++
		}
	}

	s.send(enc, &protocol.Result{
		Kind:    protocol.RunFinished,
		Summary: protocol.NewRunSummary(summary.run, summary.failed, summary.ignored, time.Since(start)),
	})
}

type runState struct {
	run, failed, ignored int
}

func (s *TestServer) send(enc jsonlines.Encoder, rec *protocol.Result) {
	if err := enc.Encode(rec); err != nil {
		s.logger().Errorf(err, "cannot send %s record", rec.Kind)
	}
}

// Close stops the listener, aborting Serve.
func (s *TestServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
