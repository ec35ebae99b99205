package client

import "sync"

// queue entries. A runRequest asks the drain loop to execute one test; a
// barrier wakes its owner once every earlier entry was processed; a
// terminator is a barrier that additionally shuts the connection down and
// stops the drain loop.
type entry interface{}

type runRequest string

type barrier struct {
	done chan struct{}
}

func newBarrier() *barrier {
	return &barrier{done: make(chan struct{})}
}

func (b *barrier) signal() {
	close(b.done)
}

func (b *barrier) await() {
	<-b.done
}

type terminator struct {
	*barrier
}

func newTerminator() *terminator {
	return &terminator{barrier: newBarrier()}
}

// entryQueue is an unbounded FIFO. Any goroutine may push; a single drain
// goroutine pops, blocking while the queue is empty.
type entryQueue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	entries  []entry
}

func newEntryQueue() *entryQueue {
	q := &entryQueue{}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *entryQueue) push(e entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	q.nonEmpty.Signal()
}

func (q *entryQueue) pop() entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 {
		q.nonEmpty.Wait()
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}
