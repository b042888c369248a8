// Package sched provides the execution primitives the applier runs on: a
// single-goroutine serial executor, a key-routed writer pool, and a
// single-resolution future.
package sched

import (
	"context"
	"sync"

	"github.com/percona/percona-resharding-applier/errors"
)

// ErrShutdownInProgress is returned for work submitted to, or still queued on,
// an executor or writer pool that has been shut down.
var ErrShutdownInProgress = errors.New("shutdown in progress")

// Future is resolved exactly once with an error or nil.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// FailedFuture returns a future already resolved with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)

	return f
}

// Resolve completes the future. Only the first call has effect.
func (f *Future) Resolve(err error) bool {
	resolved := false

	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})

	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsReady reports whether the future has been resolved.
func (f *Future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error. It must only be called after Done is closed.
func (f *Future) Err() error {
	<-f.done

	return f.err
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
