package client

import (
	"bytes"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossrun/sdk/protocol"
)

// closableSink is a concurrency-safe sink recording forwarded lines and
// whether the relay closed it.
type closableSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *closableSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *closableSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *closableSink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := strings.TrimRight(s.buf.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func (s *closableSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitReaderDone(t *testing.T, pr *portReader) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pr.mu.Lock()
		done := pr.done
		pr.mu.Unlock()
		if done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("port reader did not stop")
}

func TestPortReaderForwardsEverythingButAnnouncement(t *testing.T) {
	require := require.New(t)

	in := ioutil.NopCloser(strings.NewReader(
		"booting sandbox\n" +
			"loading tests\n" +
			protocol.FormatPortLine(9000) + "\n" +
			"tests loaded\n"))
	sink := &closableSink{}
	pr := startPortReader(in, sink, true)

	port, err := pr.awaitPort(time.Millisecond)
	require.NoError(err)
	require.Equal(9000, port)

	waitReaderDone(t, pr)
	require.Equal([]string{"booting sandbox", "loading tests", "tests loaded"}, sink.lines())
	require.True(sink.isClosed())
}

func TestPortReaderAwaitFromManyGoroutines(t *testing.T) {
	require := require.New(t)

	r, w := io.Pipe()
	sink := &closableSink{}
	pr := startPortReader(r, sink, true)

	const waiters = 10
	ports := make(chan int, waiters)
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			port, err := pr.awaitPort(time.Millisecond)
			ports <- port
			errs <- err
		}()
	}

	io.WriteString(w, protocol.FormatPortLine(40123)+"\n")
	wg.Wait()
	w.Close()

	for i := 0; i < waiters; i++ {
		require.NoError(<-errs)
		require.Equal(40123, <-ports)
	}
}

func TestPortReaderProcessDied(t *testing.T) {
	require := require.New(t)

	r, w := io.Pipe()
	sink := &closableSink{}
	pr := startPortReader(r, sink, true)

	io.WriteString(w, "crashing early\n")
	w.Close() // the testee exited without announcing

	_, err := pr.awaitPort(time.Millisecond)
	require.Error(err)
	require.True(ErrProcessDied.Is(err))
	require.Equal([]string{"crashing early"}, sink.lines())
}

func TestPortReaderDuplicateAnnouncement(t *testing.T) {
	require := require.New(t)

	in := ioutil.NopCloser(strings.NewReader(
		protocol.FormatPortLine(9000) + "\n" +
			protocol.FormatPortLine(9000) + "\n" +
			protocol.FormatPortLine(9999) + "\n"))
	sink := &closableSink{}
	pr := startPortReader(in, sink, true)

	waitReaderDone(t, pr)

	// the first announcement wins; none of them is forwarded
	port, err := pr.awaitPort(time.Millisecond)
	require.NoError(err)
	require.Equal(9000, port)
	require.Nil(sink.lines())
}

func TestPortReaderMalformedAnnouncementDropped(t *testing.T) {
	require := require.New(t)

	r, w := io.Pipe()
	sink := &closableSink{}
	pr := startPortReader(r, sink, true)

	io.WriteString(w, protocol.ServerMarker+": port=bogus\n")
	io.WriteString(w, protocol.FormatPortLine(9000)+"\n")
	w.Close()

	port, err := pr.awaitPort(time.Millisecond)
	require.NoError(err)
	require.Equal(9000, port)

	waitReaderDone(t, pr)
	require.Nil(sink.lines())
}

func TestPortReaderStopOutOfBand(t *testing.T) {
	require := require.New(t)

	r, _ := io.Pipe()
	sink := &closableSink{}
	pr := startPortReader(r, sink, true)

	pr.stop()
	waitReaderDone(t, pr)

	_, err := pr.awaitPort(time.Millisecond)
	require.True(ErrProcessDied.Is(err))
}

// stderr-like sinks the relay does not own must stay open.
func TestPortReaderLeavesInheritedSinkOpen(t *testing.T) {
	require := require.New(t)

	in := ioutil.NopCloser(strings.NewReader("one line\n"))
	sink := &closableSink{}
	pr := startPortReader(in, sink, false)

	waitReaderDone(t, pr)
	require.Equal([]string{"one line"}, sink.lines())
	require.False(sink.isClosed())
}
