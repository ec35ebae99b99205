package client

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/src-d/go-errors.v1"
	"gopkg.in/src-d/go-log.v1"

	"github.com/crossrun/sdk/protocol"
)

// ErrProcessDied is returned by awaitPort when the testee process exits
// without ever announcing a port.
var ErrProcessDied = errors.NewKind("testee process stopped before announcing a port")

// portReader consumes the testee's diagnostic stream on its own goroutine.
// Lines carrying the port announcement populate the port cell; every other
// line is forwarded verbatim to out, so the operator still sees the testee's
// original diagnostic output.
//
// The reader doubles as the port discovery gate: the port cell is written at
// most once and read by any number of awaitPort callers.
type portReader struct {
	in      io.ReadCloser
	out     io.Writer
	ownsOut bool

	stopping int32

	mu      sync.Mutex
	port    int
	hasPort bool
	done    bool
}

// startPortReader attaches a reader to the intercepted diagnostic stream and
// starts relaying. When ownsOut is set the sink is closed once the stream
// ends; a process-inherited sink must stay open and is left alone.
func startPortReader(in io.ReadCloser, out io.Writer, ownsOut bool) *portReader {
	pr := &portReader{in: in, out: out, ownsOut: ownsOut}
	go pr.run()
	return pr
}

func (pr *portReader) run() {
	defer pr.finish()

	br := bufio.NewReader(pr.in)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			pr.relay(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&pr.stopping) == 0 {
				log.Errorf(err, "cannot forward testee diagnostic stream")
			}
			return
		}
	}
}

func (pr *portReader) relay(line string) {
	port, announcement, err := protocol.ParsePortLine(line)
	if err != nil {
		log.Warningf("ignoring %s", err)
		return
	}
	if announcement {
		pr.publish(port)
		return
	}
	if _, err := io.WriteString(pr.out, line+"\n"); err != nil {
		log.Warningf("cannot forward diagnostic line: %s", err)
	}
}

func (pr *portReader) finish() {
	if pr.ownsOut {
		if c, ok := pr.out.(io.Closer); ok {
			_ = c.Close()
		}
	}
	_ = pr.in.Close()

	pr.mu.Lock()
	pr.done = true
	pr.mu.Unlock()
}

// publish sets the port cell once. A repeated announcement, which a testee
// restarted in place may produce, is a no-op; a conflicting one is dropped
// with a warning.
func (pr *portReader) publish(port int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.hasPort {
		if pr.port != port {
			log.Warningf("test server re-announced port %d, keeping %d", port, pr.port)
		}
		return
	}
	pr.port = port
	pr.hasPort = true
	log.Debugf("test server announced port %d", port)
}

// awaitPort blocks until a port was announced, polling at the given
// interval. It fails with ErrProcessDied once the diagnostic stream ended
// with no announcement seen.
func (pr *portReader) awaitPort(poll time.Duration) (int, error) {
	for {
		pr.mu.Lock()
		port, ok, done := pr.port, pr.hasPort, pr.done
		pr.mu.Unlock()
		if ok {
			return port, nil
		}
		if done {
			return 0, ErrProcessDied.New()
		}
		time.Sleep(poll)
	}
}

// stop aborts the relay out of band. It is decoupled from the command queue
// lifecycle; closing the input stream unblocks the reader goroutine.
func (pr *portReader) stop() {
	atomic.StoreInt32(&pr.stopping, 1)
	_ = pr.in.Close()
}
