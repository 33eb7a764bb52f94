package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerDrainsUntilClosed(t *testing.T) {
	in := make(chan int, 10)
	var sum atomic.Int64
	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, WithWorkers[int](3))

	for i := 1; i <= 10; i++ {
		in <- i
	}
	close(in)

	l.Start(context.Background())
	l.Wait()
	require.Equal(t, int64(55), sum.Load())
}

func TestListenerReportsErrors(t *testing.T) {
	in := make(chan int, 3)
	var mu sync.Mutex
	var failed []int
	l := New(in, func(v int) error {
		if v%2 == 0 {
			return errors.New("even")
		}
		return nil
	}, WithErrorHandler(func(v int, err error) {
		mu.Lock()
		failed = append(failed, v)
		mu.Unlock()
	}))

	in <- 1
	in <- 2
	in <- 3
	close(in)
	l.Start(context.Background())
	l.Wait()

	require.Equal(t, []int{2}, failed)
}

func TestListenerStop(t *testing.T) {
	in := make(chan int)
	stopped := false
	l := New(in, func(int) error { return nil }, WithStopHandler[int](func() { stopped = true }))

	l.Start(context.Background())
	in <- 1
	l.Stop()
	require.True(t, stopped)
}
