// Package applier applies a resharding donor's buffered oplog to the
// recipient's temporary collection in bounded batches and records durable
// progress after each fully applied batch.
package applier

import (
	"context"
	"sync"
	"time"

	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/metrics"
	"github.com/percona/percona-resharding-applier/sched"
)

// State is the applier lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateCloning         State = "cloning"
	StateBoundaryReached State = "boundary-reached"
	StateCatchUp         State = "catch-up"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

type phase string

const (
	phaseCloning phase = "cloning"
	phaseCatchUp phase = "catchup"
)

// Executor runs scheduled tasks one at a time.
type Executor interface {
	Schedule(task sched.Task) error
}

// Deps are the collaborators an Applier works with.
type Deps struct {
	Source     ChangeSource
	Collection Collection
	Ledger     RetryLedger
	Progress   ProgressStore
	Executor   Executor
	Writers    WriterPool
}

// Options tune batching.
type Options struct {
	// BatchOps is the maximum number of records per batch.
	BatchOps int
	// BatchBytes is the maximum accumulated record size per batch.
	// A batch always holds at least one record.
	BatchBytes int64
}

// Status is a point-in-time view of an Applier.
type Status struct {
	State          State
	Boundary       Position
	LastCommitted  Position
	RecordsApplied int64
	BatchesApplied int64
	Err            error
}

// Applier drives the two application phases for one donor stream.
type Applier struct {
	id       SourceID
	builder  batchBuilder
	dispatch dispatcher
	progress ProgressStore
	executor Executor

	mu             sync.Mutex
	state          State
	boundary       Position
	remainderStart bool
	lastCommitted  Position
	recordsApplied int64
	batchesApplied int64
	err            error

	// pending is the record pulled from the source but not yet applied.
	// Only the executor goroutine touches it.
	pending *ChangeRecord
}

// New returns an idle Applier for the donor stream id.
func New(id SourceID, deps Deps, opts Options) *Applier {
	if opts.BatchOps <= 0 {
		opts.BatchOps = 1
	}

	if opts.BatchBytes <= 0 {
		opts.BatchBytes = 1<<63 - 1
	}

	return &Applier{
		id: id,
		builder: batchBuilder{
			source:   deps.Source,
			maxOps:   opts.BatchOps,
			maxBytes: opts.BatchBytes,
		},
		dispatch: dispatcher{
			coll:   deps.Collection,
			pool:   deps.Writers,
			ledger: &ledgerAdapter{ledger: deps.Ledger},
		},
		progress: deps.Progress,
		executor: deps.Executor,
		state:    StateIdle,
	}
}

// ApplyUntilBoundary applies every record positioned at or before boundary.
// It may be called once, before ApplyRemainder.
func (a *Applier) ApplyUntilBoundary(ctx context.Context, boundary Position) *sched.Future {
	a.mu.Lock()
	if a.state != StateIdle {
		state := a.state
		a.mu.Unlock()

		return sched.FailedFuture(errors.Wrapf(ErrInvalidState,
			"apply until boundary called in %q state", state))
	}

	a.state = StateCloning
	a.boundary = boundary
	a.mu.Unlock()

	lg := log.New("applier").With(
		log.Source(a.id.MigrationID.String(), a.id.DonorShard),
		log.OpTime(boundary.ClusterTime.T, boundary.ClusterTime.I))
	lg.Info("Applying up to the clone boundary")

	ctx = lg.WithContext(ctx)
	f := sched.NewFuture()
	a.schedule(ctx, f, phaseCloning)

	return f
}

// ApplyRemainder applies the remaining records until the source is exhausted.
// It may be called once, after ApplyUntilBoundary completed successfully.
func (a *Applier) ApplyRemainder(ctx context.Context) *sched.Future {
	a.mu.Lock()
	if a.state == StateFailed {
		err := a.err
		a.mu.Unlock()

		return sched.FailedFuture(err)
	}

	if a.remainderStart || (a.state != StateBoundaryReached && a.state != StateDone) {
		state := a.state
		a.mu.Unlock()

		return sched.FailedFuture(errors.Wrapf(ErrInvalidState,
			"apply remainder called in %q state", state))
	}

	a.remainderStart = true
	a.state = StateCatchUp
	a.mu.Unlock()

	lg := log.New("applier").With(log.Source(a.id.MigrationID.String(), a.id.DonorShard))
	lg.Info("Applying the remaining records")

	ctx = lg.WithContext(ctx)
	f := sched.NewFuture()
	a.schedule(ctx, f, phaseCatchUp)

	return f
}

// CheckStoredProgress returns the committed progress of id.
func (a *Applier) CheckStoredProgress(ctx context.Context, id SourceID) (Position, bool, error) {
	pos, ok, err := a.progress.Lookup(ctx, id)
	if err != nil {
		return Position{}, false, errors.Wrap(err, "lookup progress")
	}

	return pos, ok, nil
}

// Status returns the current status.
func (a *Applier) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Status{
		State:          a.state,
		Boundary:       a.boundary,
		LastCommitted:  a.lastCommitted,
		RecordsApplied: a.recordsApplied,
		BatchesApplied: a.batchesApplied,
		Err:            a.err,
	}
}

func (a *Applier) schedule(ctx context.Context, f *sched.Future, ph phase) {
	err := a.executor.Schedule(func(err error) {
		a.step(ctx, f, ph, err)
	})
	if err != nil {
		a.fail(ctx, f, ph, err)
	}
}

// step builds and applies one batch, then either completes the phase or
// schedules the next step.
func (a *Applier) step(ctx context.Context, f *sched.Future, ph phase, schedErr error) {
	if schedErr != nil {
		a.fail(ctx, f, ph, schedErr)

		return
	}

	if err := ctx.Err(); err != nil {
		a.fail(ctx, f, ph, err)

		return
	}

	var boundary *Position
	if ph == phaseCloning {
		boundary = &a.boundary
	}

	batch, reason, err := a.builder.next(ctx, &a.pending, boundary)
	if err != nil {
		a.fail(ctx, f, ph, err)

		return
	}

	if len(batch) != 0 {
		err = a.applyBatch(ctx, ph, batch)
		if err != nil {
			a.fail(ctx, f, ph, err)

			return
		}
	}

	switch {
	case reason == stopExhausted:
		a.complete(ctx, f, StateDone)
	case reason == stopBoundary:
		a.complete(ctx, f, StateBoundaryReached)
	default:
		a.schedule(ctx, f, ph)
	}
}

func (a *Applier) applyBatch(ctx context.Context, ph phase, batch []*ChangeRecord) error {
	startedAt := time.Now()
	last := batch[len(batch)-1].Position

	a.mu.Lock()
	prev := a.lastCommitted
	a.mu.Unlock()

	if !prev.IsZero() && last.Compare(prev) <= 0 {
		return errors.Wrapf(ErrProgressRegression, "batch ends at %s, committed %s", last, prev)
	}

	err := a.dispatch.apply(ctx, batch)
	if err != nil {
		return err
	}

	err = a.progress.Commit(ctx, a.id, last)
	if err != nil {
		return errors.Wrap(err, "commit progress")
	}

	elapsed := time.Since(startedAt)

	var size int64
	for _, rec := range batch {
		size += int64(rec.Size())
	}

	a.mu.Lock()
	a.lastCommitted = last
	a.recordsApplied += int64(len(batch))
	a.batchesApplied++
	a.mu.Unlock()

	metrics.ObserveBatchApplied(string(ph), len(batch), elapsed)
	metrics.SetCommittedClusterTime(last.ClusterTime.T)

	log.Ctx(ctx).With(
		log.Count(int64(len(batch))),
		log.Size(size),
		log.OpTime(last.Ts.T, last.Ts.I),
		log.Elapsed(elapsed)).
		Debug("Batch applied")

	return nil
}

func (a *Applier) complete(ctx context.Context, f *sched.Future, state State) {
	a.mu.Lock()
	a.state = state
	committed := a.lastCommitted
	a.mu.Unlock()

	log.Ctx(ctx).With(log.OpTime(committed.Ts.T, committed.Ts.I)).
		Infof("Phase complete: %s", state)

	f.Resolve(nil)
}

func (a *Applier) fail(ctx context.Context, f *sched.Future, ph phase, err error) {
	a.mu.Lock()
	a.state = StateFailed
	a.err = err
	a.mu.Unlock()

	metrics.IncBatchFailures(string(ph))
	log.Ctx(ctx).With(log.Str("phase", string(ph))).Error(err, "Apply failed")

	f.Resolve(err)
}
