package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/topo"
)

// TxnRecordStore keeps retryable write ledger entries in a MongoDB collection,
// one document per session keyed by the raw lsid.
type TxnRecordStore struct {
	coll *mongo.Collection
}

func NewTxnRecordStore(coll *mongo.Collection) *TxnRecordStore {
	return &TxnRecordStore{coll: coll}
}

func (s *TxnRecordStore) Get(ctx context.Context, sessionID bson.Raw) (*applier.TxnRecord, error) {
	var rec applier.TxnRecord

	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: sessionID}}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil //nolint:nilnil
		}

		return nil, errors.Wrap(err, "find txn record")
	}

	return &rec, nil
}

func (s *TxnRecordStore) Put(ctx context.Context, rec *applier.TxnRecord) error {
	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.coll.ReplaceOne(ctx,
			bson.D{{Key: "_id", Value: rec.SessionID}},
			rec,
			options.Replace().SetUpsert(true))

		return err //nolint:wrapcheck
	}, topo.DefaultRetryInterval, topo.DefaultMaxRetries)

	return errors.Wrap(err, "put txn record")
}
