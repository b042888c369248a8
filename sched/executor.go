package sched

import (
	"sync"

	"github.com/percona/percona-resharding-applier/log"
)

// Task is run by the Executor. err is nil when the task runs normally and
// ErrShutdownInProgress when the executor drops it during shutdown.
type Task func(err error)

// Executor runs tasks one at a time, in submission order, on a single goroutine.
type Executor struct {
	mu       sync.Mutex
	queue    []Task
	shutdown bool

	wakeCh chan struct{}
	doneCh chan struct{}
}

// NewExecutor starts an executor.
func NewExecutor() *Executor {
	e := &Executor{
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	go e.run()

	return e
}

// Schedule queues task. It fails with ErrShutdownInProgress after Shutdown.
func (e *Executor) Schedule(task Task) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()

		return ErrShutdownInProgress
	}

	e.queue = append(e.queue, task)
	e.mu.Unlock()

	e.wake()

	return nil
}

// Shutdown stops accepting tasks. Tasks still queued are invoked with
// ErrShutdownInProgress. A task already running finishes normally.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()

		return
	}

	e.shutdown = true
	e.mu.Unlock()

	e.wake()

	log.New("sched:executor").Debug("Executor shutting down")
}

// Join waits for the executor goroutine to exit. Call after Shutdown.
func (e *Executor) Join() {
	<-e.doneCh
}

// IsShutdown reports whether Shutdown has been called.
func (e *Executor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.shutdown
}

func (e *Executor) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Executor) run() {
	defer close(e.doneCh)

	for range e.wakeCh {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				stopped := e.shutdown
				e.mu.Unlock()

				if stopped {
					return
				}

				break
			}

			task := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			stopped := e.shutdown
			e.mu.Unlock()

			if stopped {
				task(ErrShutdownInProgress)
			} else {
				task(nil)
			}
		}
	}
}
