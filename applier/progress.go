package applier

import (
	"context"

	"github.com/google/uuid"
)

// SourceID identifies one donor stream of one resharding operation.
type SourceID struct {
	MigrationID uuid.UUID
	DonorShard  string
}

func (id SourceID) String() string {
	return id.MigrationID.String() + "/" + id.DonorShard
}

// ProgressStore persists the position of the last fully applied batch.
type ProgressStore interface {
	// Commit upserts the progress marker for id.
	Commit(ctx context.Context, id SourceID, pos Position) error
	// Lookup returns the stored marker. ok is false when none exists.
	Lookup(ctx context.Context, id SourceID) (pos Position, ok bool, err error)
}
