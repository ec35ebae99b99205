package client

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryQueueFIFO(t *testing.T) {
	require := require.New(t)

	q := newEntryQueue()
	for i := 0; i < 100; i++ {
		q.push(runRequest(fmt.Sprintf("test_%d", i)))
	}
	for i := 0; i < 100; i++ {
		require.Equal(runRequest(fmt.Sprintf("test_%d", i)), q.pop())
	}
}

func TestEntryQueueBlocksWhenEmpty(t *testing.T) {
	require := require.New(t)

	q := newEntryQueue()
	got := make(chan entry, 1)
	go func() {
		got <- q.pop()
	}()

	q.push(runRequest("late"))
	require.Equal(runRequest("late"), <-got)
}

func TestEntryQueueConcurrentProducers(t *testing.T) {
	require := require.New(t)

	q := newEntryQueue()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(runRequest(fmt.Sprintf("p%d_%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	perProducerNext := map[string]int{}
	for i := 0; i < producers*perProducer; i++ {
		id := string(q.pop().(runRequest))
		var p, n int
		_, err := fmt.Sscanf(id, "p%d_%d", &p, &n)
		require.NoError(err)

		// entries of one producer must come out in push order
		key := fmt.Sprintf("p%d", p)
		require.Equal(perProducerNext[key], n)
		perProducerNext[key]++
	}
}

func TestBarrierSignalsOnce(t *testing.T) {
	b := newBarrier()

	done := make(chan struct{})
	go func() {
		b.await()
		close(done)
	}()

	b.signal()
	<-done
	b.await() // already signalled, must not block
}
