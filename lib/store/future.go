package store

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is the handle of an asynchronous write.
type Future struct {
	done chan struct{}
	err  error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already resolved with err.
func CompletedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the future. It must be called exactly once.
func (f *Future) Resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Futures collects pending writes so they can be awaited together.
// The zero value is ready to use.
type Futures struct {
	mu      sync.Mutex
	pending []*Future
}

// Add registers a future.
func (fs *Futures) Add(f *Future) {
	fs.mu.Lock()
	fs.pending = append(fs.pending, f)
	fs.mu.Unlock()
}

// Wait waits for all registered futures and returns the first error.
// Futures registered while Wait runs are not awaited.
func (fs *Futures) Wait(ctx context.Context) error {
	fs.mu.Lock()
	pending := fs.pending
	fs.pending = nil
	fs.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range pending {
		g.Go(func() error { return f.Wait(gctx) })
	}
	return g.Wait()
}
