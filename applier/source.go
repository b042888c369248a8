package applier

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ChangeSource is a forward-only, non-restartable stream of change records
// for one donor. It is never called concurrently.
type ChangeSource interface {
	// HasMore is a non-blocking hint that more records may be available.
	HasMore() bool
	// GetNext returns the next record, or nil when the stream is exhausted.
	GetNext(ctx context.Context) (*ChangeRecord, error)
}

// Collection is the destination the records are applied to.
type Collection interface {
	// Insert stores doc. An existing document with the same _id is replaced.
	Insert(ctx context.Context, doc bson.Raw) error
	// Update applies an oplog update specification to the document with the given _id.
	Update(ctx context.Context, id bson.RawValue, update bson.Raw) error
	// Delete removes the document with the given _id.
	Delete(ctx context.Context, id bson.RawValue) error
}
