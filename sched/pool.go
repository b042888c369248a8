package sched

import (
	"hash/fnv"
	"runtime"
	"strconv"
	"sync"

	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/metrics"
)

// queueSize is the per-writer inbound task buffer.
const queueSize = 64

// writer runs the tasks routed to it in arrival order.
type writer struct {
	id     int
	name   string
	taskCh chan func()
}

func (w *writer) run() {
	lg := log.New("sched:writer").With(log.Int64("id", int64(w.id)))
	lg.Trace("Writer started")

	for task := range w.taskCh {
		metrics.SetWriterQueueSize(w.name, len(w.taskCh))
		task()
	}

	lg.Trace("Writer stopped (channel closed)")
}

// WriterPool runs tasks on a fixed set of writers. Tasks submitted with the
// same key always land on the same writer and run in submission order.
type WriterPool struct {
	workers []*writer

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewWriterPool starts a pool with numWorkers writers.
// If numWorkers is 0, it defaults to runtime.NumCPU().
func NewWriterPool(numWorkers int) *WriterPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	p := &WriterPool{workers: make([]*writer, numWorkers)}

	for i := range numWorkers {
		w := &writer{
			id:     i,
			name:   strconv.Itoa(i),
			taskCh: make(chan func(), queueSize),
		}
		p.workers[i] = w

		p.wg.Go(w.run)
	}

	log.New("sched:pool").With(log.Int64("workers", int64(numWorkers))).
		Debug("Writer pool started")

	return p
}

// Submit routes task to the writer owning key.
// It fails with ErrShutdownInProgress once the pool is shut down.
func (p *WriterPool) Submit(key []byte, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrShutdownInProgress
	}

	w := p.workers[hashKey(key, len(p.workers))]
	w.taskCh <- task
	metrics.SetWriterQueueSize(w.name, len(w.taskCh))

	return nil
}

// Shutdown rejects further tasks and waits for accepted ones to finish.
func (p *WriterPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()

		return
	}

	p.stopped = true
	for _, w := range p.workers {
		close(w.taskCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	log.New("sched:pool").Debug("Writer pool stopped")
}

// IsShutdown reports whether Shutdown has been called.
func (p *WriterPool) IsShutdown() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.stopped
}

// NumWorkers returns the number of writers in the pool.
func (p *WriterPool) NumWorkers() int {
	return len(p.workers)
}

// hashKey maps key onto [0, numWorkers) with FNV-1a.
func hashKey(key []byte, numWorkers int) int {
	if numWorkers <= 1 {
		return 0
	}

	h := fnv.New32a()
	h.Write(key) //nolint:errcheck

	return int(h.Sum32() % uint32(numWorkers)) //nolint:gosec
}
