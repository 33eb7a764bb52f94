package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener drains a channel with a fixed pool of workers. It stops when the
// channel is closed or the context passed to Start is cancelled.
type Listener[T any] struct {
	handler     func(input T) error
	onError     func(input T, err error)
	stopHandler func()
	workers     int

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithWorkers sets how many inputs are handled concurrently.
func WithWorkers[T any](n int) Option[T] {
	return func(l *Listener[T]) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithErrorHandler is called with every input the handler failed on.
// By default the error is logged and the listener keeps going.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(l *Listener[T]) { l.onError = fn }
}

// WithStopHandler runs once all workers exited.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = fn }
}

func New[T any](in <-chan T, handler func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		stopHandler: func() {},
		workers:     1,
		cancel:      func() {},
		onError: func(_ T, err error) {
			slog.Error("listener: failed to handle input", "error", err)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	for range l.workers {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for l.run(ctx) {
			}
		}()
	}
}

// run handles one input and reports whether the worker should continue.
func (l *Listener[T]) run(ctx context.Context) bool {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return false
		}
		if err := l.handler(inp); err != nil {
			l.onError(inp, err)
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Wait blocks until every worker exited, without cancelling them.
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
