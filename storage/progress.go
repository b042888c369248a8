package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/topo"
)

// progressKey is the _id of a progress document.
type progressKey struct {
	ReshardingUUID bson.Binary `bson:"reshardingUUID"`
	ShardID        string      `bson:"shardId"`
}

type progressDoc struct {
	ID        progressKey      `bson:"_id"`
	Progress  applier.Position `bson:"progress"`
	UpdatedAt time.Time        `bson:"updatedAt"`
}

func keyOf(id applier.SourceID) progressKey {
	return progressKey{
		ReshardingUUID: bson.Binary{Subtype: 0x04, Data: id.MigrationID[:]},
		ShardID:        id.DonorShard,
	}
}

// ProgressStore keeps progress markers in a MongoDB collection.
type ProgressStore struct {
	coll *mongo.Collection
}

func NewProgressStore(coll *mongo.Collection) *ProgressStore {
	return &ProgressStore{coll: coll}
}

func (s *ProgressStore) Commit(ctx context.Context, id applier.SourceID, pos applier.Position) error {
	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.coll.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: keyOf(id)}},
			bson.D{{Key: "$set", Value: bson.D{
				{Key: "progress", Value: pos},
				{Key: "updatedAt", Value: time.Now().UTC()},
			}}},
			options.UpdateOne().SetUpsert(true))

		return err //nolint:wrapcheck
	}, topo.DefaultRetryInterval, topo.DefaultMaxRetries)

	return errors.Wrapf(err, "commit progress for %s", id)
}

func (s *ProgressStore) Lookup(ctx context.Context, id applier.SourceID) (applier.Position, bool, error) {
	var doc progressDoc

	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: keyOf(id)}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return applier.Position{}, false, nil
		}

		return applier.Position{}, false, errors.Wrapf(err, "lookup progress for %s", id)
	}

	return doc.Progress, true, nil
}

// Reset removes the progress marker of id.
func (s *ProgressStore) Reset(ctx context.Context, id applier.SourceID) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: keyOf(id)}})

	return errors.Wrapf(err, "reset progress for %s", id)
}
