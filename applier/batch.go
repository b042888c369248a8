package applier

import (
	"context"

	"github.com/percona/percona-resharding-applier/metrics"
)

type stopReason int

const (
	stopFull      stopReason = iota // op or byte limit reached
	stopExhausted                   // the source has no more records
	stopBoundary                    // the next record is past the boundary
)

// batchBuilder pulls records from the source into bounded batches.
type batchBuilder struct {
	source   ChangeSource
	maxOps   int
	maxBytes int64
}

// next builds one batch. pending is the lookahead slot: it is consumed
// before the source and receives a record that was pulled but does not
// belong in this batch. A non-nil boundary excludes records positioned
// after it. On error nothing pulled for the batch is returned.
func (b *batchBuilder) next(
	ctx context.Context,
	pending **ChangeRecord,
	boundary *Position,
) ([]*ChangeRecord, stopReason, error) {
	var (
		batch []*ChangeRecord
		size  int64
	)

	for len(batch) < b.maxOps {
		rec := *pending
		*pending = nil

		if rec == nil {
			if !b.source.HasMore() {
				return batch, stopExhausted, nil
			}

			var err error

			rec, err = b.source.GetNext(ctx)
			if err != nil {
				return nil, stopFull, &SourceError{Err: err}
			}

			if rec == nil {
				return batch, stopExhausted, nil
			}

			metrics.IncRecordsRead()
		}

		if boundary != nil && rec.Position.Compare(*boundary) > 0 {
			*pending = rec

			return batch, stopBoundary, nil
		}

		if len(batch) != 0 && size+int64(rec.Size()) > b.maxBytes {
			*pending = rec

			return batch, stopFull, nil
		}

		batch = append(batch, rec)
		size += int64(rec.Size())
	}

	return batch, stopFull, nil
}
