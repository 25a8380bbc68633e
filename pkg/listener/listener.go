package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Listener runs handler for every value received on in, one at a time, on
// a single goroutine.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	errHandler  func(error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option func(*options)

type options struct {
	errHandler  func(error)
	stopHandler func()
}

// WithErrorHandler is called with every handler failure. The listener keeps
// running afterwards.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errHandler = fn }
}

// WithStopHandler runs once after the listener goroutine exits.
func WithStopHandler(fn func()) Option {
	return func(o *options) { o.stopHandler = fn }
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option,
) *Listener[T] {
	o := options{
		errHandler:  func(error) {},
		stopHandler: func() {},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		errHandler:  o.errHandler,
		stopHandler: o.stopHandler,
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.errHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(ctx, inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the context passed to the handler and waits for the
// listener goroutine to exit. Values still queued on in are not handled.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}

// Notify sends a wake-up on ch without blocking. With a buffer of one,
// signals sent while the listener is busy coalesce into a single run.
func Notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
