package applier

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/metrics"
)

// WriterPool runs tasks so that tasks submitted with equal keys run in
// submission order.
type WriterPool interface {
	Submit(key []byte, task func()) error
}

// dispatcher applies a batch on the writer pool.
type dispatcher struct {
	coll   Collection
	pool   WriterPool
	ledger *ledgerAdapter
}

// writeGroup is a run of records that must be applied in order by one writer.
type writeGroup struct {
	routeKey string
	records  []*ChangeRecord
}

// apply writes every record of batch. Records sharing a document _id or a
// session are applied in batch order on one writer; other groups run
// concurrently. The first failure stops further groups from starting and is
// returned. Writes already done are kept.
func (d *dispatcher) apply(ctx context.Context, batch []*ChangeRecord) error {
	grp, grpCtx := errgroup.WithContext(ctx)

	for _, g := range partition(batch) {
		if grpCtx.Err() != nil {
			break
		}

		grp.Go(func() error {
			doneCh := make(chan error, 1)

			err := d.pool.Submit([]byte(g.routeKey), func() {
				doneCh <- d.applyGroup(grpCtx, g.records)
			})
			if err != nil {
				return err //nolint:wrapcheck
			}

			return <-doneCh
		})
	}

	return grp.Wait() //nolint:wrapcheck
}

func (d *dispatcher) applyGroup(ctx context.Context, records []*ChangeRecord) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck
		}

		err := d.applyRecord(ctx, rec)
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *dispatcher) applyRecord(ctx context.Context, rec *ChangeRecord) error {
	var err error

	switch rec.Op {
	case Insert:
		err = d.coll.Insert(ctx, rec.Object)
	case Update:
		err = d.coll.Update(ctx, rec.Key, rec.Object)
	case Delete:
		err = d.coll.Delete(ctx, rec.Key)
	case Noop:
	}

	if err == nil && rec.Session != nil {
		err = d.ledger.update(ctx, rec)
	}

	if err != nil {
		log.Ctx(ctx).With(log.Op(rec.Op.String()), log.OpTime(rec.Position.Ts.T, rec.Position.Ts.I)).
			Tracef("write failed: %v", err)

		return &ApplyError{Position: rec.Position, Op: rec.Op, Err: err}
	}

	metrics.IncRecordsApplied(rec.Op.String())

	return nil
}

// partition splits batch into write groups. Two records end up in the same
// group when they share a document _id or a session, directly or through
// other records. Group order and in-group order follow the batch.
func partition(batch []*ChangeRecord) []*writeGroup {
	uf := newUnionFind(len(batch))
	routeKeys := make([]string, len(batch))

	byKey := make(map[string]int)
	bySession := make(map[string]int)

	for i, rec := range batch {
		if id, ok := rec.keyIdentity(); ok {
			routeKeys[i] = id

			if j, seen := byKey[id]; seen {
				uf.union(j, i)
			} else {
				byKey[id] = i
			}
		}

		if rec.Session != nil {
			sk := rec.Session.Key()
			if routeKeys[i] == "" {
				routeKeys[i] = sk
			}

			if j, seen := bySession[sk]; seen {
				uf.union(j, i)
			} else {
				bySession[sk] = i
			}
		}
	}

	var groups []*writeGroup

	byRoot := make(map[int]*writeGroup)

	for i, rec := range batch {
		root := uf.find(i)

		g := byRoot[root]
		if g == nil {
			g = &writeGroup{routeKey: routeKeys[i]}
			byRoot[root] = g
			groups = append(groups, g)
		}

		g.records = append(g.records, rec)
	}

	return groups
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}

	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}

	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}

	// keep the earliest index as root so group order follows first appearance
	if rb < ra {
		ra, rb = rb, ra
	}

	u.parent[rb] = ra
}
