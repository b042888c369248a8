package topo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-resharding-applier/errors"
)

const (
	TypeCollection = "collection"
	TypeTimeseries = "timeseries"
	TypeView       = "view"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotWritable = errors.New("not a writable collection")
)

// GetCollectionSpec returns the listCollections entry of db.coll.
func GetCollectionSpec(
	ctx context.Context,
	m *mongo.Client,
	db string,
	coll string,
) (*mongo.CollectionSpecification, error) {
	specs, err := m.Database(db).ListCollectionSpecifications(ctx, bson.D{{Key: "name", Value: coll}})
	if err != nil {
		return nil, errors.Wrapf(err, "list collections of %s", db)
	}

	if len(specs) == 0 {
		return nil, ErrNotFound
	}

	spec := specs[0]

	return &spec, nil
}

// EnsureCollection checks that db.coll exists and is a plain collection that
// oplog records can be written to.
func EnsureCollection(ctx context.Context, m *mongo.Client, db, coll string) error {
	spec, err := GetCollectionSpec(ctx, m, db, coll)
	if err != nil {
		return errors.Wrapf(err, "%s.%s", db, coll)
	}

	if spec.Type != TypeCollection {
		return errors.Wrapf(ErrNotWritable, "%s.%s is a %s", db, coll, spec.Type)
	}

	return nil
}
