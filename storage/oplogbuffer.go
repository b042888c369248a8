package storage

import (
	"context"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/config"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/util"
)

// OplogBufferSource streams a donor's buffered oplog entries in _id order.
// The stream ends at the cursor's end or at the donor's final op marker.
type OplogBufferSource struct {
	cursor    *mongo.Cursor
	exhausted bool
}

// OpenOplogBuffer opens a cursor over coll. When after is not nil only
// entries positioned after it are returned.
func OpenOplogBuffer(
	ctx context.Context,
	coll *mongo.Collection,
	after *applier.Position,
	batchSize int32,
) (*OplogBufferSource, error) {
	filter := bson.D{}
	if after != nil {
		filter = bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: *after}}}}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if batchSize > 0 {
		opts.SetBatchSize(batchSize)
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find")
	}

	log.Ctx(ctx).With(log.NS(coll.Database().Name(), coll.Name())).
		Debug("Oplog buffer cursor opened")

	return &OplogBufferSource{cursor: cur}, nil
}

func (s *OplogBufferSource) HasMore() bool {
	return !s.exhausted
}

func (s *OplogBufferSource) GetNext(ctx context.Context) (*applier.ChangeRecord, error) {
	if s.exhausted {
		return nil, nil
	}

	if !s.cursor.Next(ctx) {
		err := s.cursor.Err()
		if err != nil {
			return nil, errors.Wrap(err, "cursor next")
		}

		s.exhausted = true

		return nil, nil
	}

	// Current is reused by the cursor once the next batch is fetched
	rec, err := applier.ParseChangeRecord(slices.Clone(s.cursor.Current))
	if err != nil {
		return nil, err
	}

	if rec.IsFinalOp() {
		s.exhausted = true

		return nil, nil
	}

	return rec, nil
}

// Close releases the cursor.
func (s *OplogBufferSource) Close(ctx context.Context) error {
	return util.Cleanup(ctx, config.CloseCursorTimeout, s.cursor.Close)
}
