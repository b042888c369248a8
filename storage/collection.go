// Package storage holds the MongoDB and SQLite backed implementations of the
// applier's collaborators.
package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/topo"
)

// Collection applies change records to a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
}

func NewCollection(coll *mongo.Collection) *Collection {
	return &Collection{coll: coll}
}

// Insert upserts doc by _id so a redelivered insert replaces the stored copy.
func (c *Collection) Insert(ctx context.Context, doc bson.Raw) error {
	id := doc.Lookup("_id")
	if id.Type == 0 {
		return errors.New("insert: document has no _id")
	}

	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := c.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))

		return err //nolint:wrapcheck
	}, topo.DefaultRetryInterval, topo.DefaultMaxRetries)
	if err == nil {
		return nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(err, "insert")
	}

	return c.replaceAfterDuplicateKey(ctx, id, doc)
}

// replaceAfterDuplicateKey handles a duplicate key error on an upsert by
// deleting the document and inserting it again.
func (c *Collection) replaceAfterDuplicateKey(ctx context.Context, id bson.RawValue, doc bson.Raw) error {
	log.Ctx(ctx).With(log.NS(c.coll.Database().Name(), c.coll.Name())).
		Infof("Retrying with delete+insert fallback for _id: %v", id)

	_, err := c.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return errors.Wrap(err, "delete before insert")
	}

	_, err = c.coll.InsertOne(ctx, doc)

	return errors.Wrap(err, "insert after delete")
}

// Update applies an oplog update specification to the document with the given _id.
// A missing document is left missing.
func (c *Collection) Update(ctx context.Context, id bson.RawValue, update bson.Raw) error {
	u, kind, err := translateUpdate(update)
	if err != nil {
		return err
	}

	if len(u) == 0 && kind == updateModifier {
		return nil
	}

	filter := bson.D{{Key: "_id", Value: id}}

	err = topo.RunWithRetry(ctx, func(ctx context.Context) error {
		var err error
		if kind == updateReplacement {
			_, err = c.coll.ReplaceOne(ctx, filter, u)
		} else {
			_, err = c.coll.UpdateOne(ctx, filter, u)
		}

		return err //nolint:wrapcheck
	}, topo.DefaultRetryInterval, topo.DefaultMaxRetries)

	return errors.Wrap(err, "update")
}

// Delete removes the document with the given _id.
func (c *Collection) Delete(ctx context.Context, id bson.RawValue) error {
	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := c.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})

		return err //nolint:wrapcheck
	}, topo.DefaultRetryInterval, topo.DefaultMaxRetries)

	return errors.Wrap(err, "delete")
}
