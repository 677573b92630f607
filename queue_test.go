package pgdispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoPreservesOrder(t *testing.T) {
	q := newFifo[int]()
	for i := 0; i < 5; i++ {
		q.push(i)
	}

	stop := make(chan struct{})
	for i := 0; i < 5; i++ {
		v, ok := q.pop(stop)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestFifoPopBlocksUntilPush(t *testing.T) {
	q := newFifo[string]()
	stop := make(chan struct{})

	done := make(chan string, 1)
	go func() {
		v, ok := q.pop(stop)
		if !ok {
			done <- ""
			return
		}
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.push("value")

	select {
	case v := <-done:
		assert.Equal(t, "value", v)
	case <-time.After(time.Second):
		t.Fatal("pop never returned")
	}
}

func TestFifoPopUnblocksOnStop(t *testing.T) {
	q := newFifo[int]()
	stop := make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop(stop)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop never unblocked on stop")
	}
}

func TestFifoConcurrentProducers(t *testing.T) {
	q := newFifo[int]()
	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 50

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(base*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	stop := make(chan struct{})
	seen := map[int]bool{}
	for i := 0; i < producers*perProducer; i++ {
		v, ok := q.pop(stop)
		require.True(t, ok)
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestTransportCellPutIfEmpty(t *testing.T) {
	c := newTransportCell()
	assert.Nil(t, c.get())

	first := NewTransportError(assert.AnError)
	c.put(first)
	assert.Same(t, first, c.get())

	second := NewTransportError(assert.AnError)
	c.put(second)
	assert.Same(t, first, c.get(), "second put must be a no-op")

	select {
	case <-c.closed():
	default:
		t.Fatal("closed() channel should be ready after put")
	}
}

func TestTransportCellConcurrentPut(t *testing.T) {
	c := newTransportCell()
	var wg sync.WaitGroup
	errs := make([]*TransportError, 10)
	for i := range errs {
		errs[i] = NewTransportError(assert.AnError)
	}

	for _, e := range errs {
		wg.Add(1)
		go func(e *TransportError) {
			defer wg.Done()
			c.put(e)
		}(e)
	}
	wg.Wait()

	got := c.get()
	require.NotNil(t, got)
	found := false
	for _, e := range errs {
		if e == got {
			found = true
		}
	}
	assert.True(t, found, "cell must hold one of the raced values")
}
