package relorm

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// asyncPool bounds the number of datasets running in the background.
type asyncPool struct {
	sem *semaphore.Weighted
}

// WithAsyncPool lets AllAsync run up to n queries (with their eager loads)
// concurrently.
func WithAsyncPool(n int) Option {
	return func(d *Database) {
		if n > 0 {
			d.async = &asyncPool{sem: semaphore.NewWeighted(int64(n))}
		}
	}
}

// Future is the pending result of AllAsync.
type Future struct {
	done chan struct{}
	res  []*Instance
	err  error
}

// Wait blocks until the result is ready or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]*Instance, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the result is ready.
func (f *Future) Done() <-chan struct{} { return f.done }

// AllAsync runs All in the database's async pool. Without a pool the
// query runs before AllAsync returns.
func (ds *Dataset) AllAsync(ctx context.Context) *Future {
	f := &Future{done: make(chan struct{})}
	if ds.db == nil || ds.db.async == nil {
		f.res, f.err = ds.All(ctx)
		close(f.done)
		return f
	}
	pool := ds.db.async
	go func() {
		defer close(f.done)
		if err := pool.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer pool.sem.Release(1)
		f.res, f.err = ds.All(ctx)
	}()
	return f
}
