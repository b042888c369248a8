package main

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/config"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
	"github.com/percona/percona-resharding-applier/storage"
	"github.com/percona/percona-resharding-applier/util"
)

type resettableProgressStore interface {
	applier.ProgressStore
	Reset(ctx context.Context, id applier.SourceID) error
}

// progressStore is the configured progress backend bound to one donor stream.
type progressStore struct {
	resettableProgressStore

	id      applier.SourceID
	closeFn func(ctx context.Context) error
}

func (p *progressStore) close(ctx context.Context) error {
	if p.closeFn == nil {
		return nil
	}

	return p.closeFn(ctx)
}

// newProgressStore opens the configured backend. The mongodb backend keeps
// its markers on target.
func newProgressStore(
	ctx context.Context,
	cfg *config.Config,
	id applier.SourceID,
	target *mongo.Client,
) (*progressStore, error) {
	switch cfg.Progress.Backend() {
	case config.ProgressStoreSQLite:
		store, err := storage.OpenSQLiteProgressStore(ctx, cfg.Progress.DBPath())
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite progress store")
		}

		log.Ctx(ctx).Infof("Using sqlite progress store at %s", cfg.Progress.DBPath())

		return &progressStore{
			resettableProgressStore: store,
			id:                      id,
			closeFn:                 func(context.Context) error { return store.Close() },
		}, nil

	case config.ProgressStoreMongoDB:
		coll := target.Database(config.ProgressDB).Collection(config.ProgressColl)

		return &progressStore{
			resettableProgressStore: storage.NewProgressStore(coll),
			id:                      id,
		}, nil
	}

	return nil, errors.Errorf("unknown progress store %q", cfg.Progress.Store)
}

// openProgressStore opens the progress backend for the command line tools,
// connecting to the target cluster when the backend needs it.
func openProgressStore(ctx context.Context, cfg *config.Config) (*progressStore, error) {
	migrationID, err := cfg.Resharding.MigrationUUID()
	if err != nil {
		return nil, errors.Wrap(err, "--migration-id")
	}

	if cfg.Resharding.DonorShard == "" {
		return nil, errors.New("required flag --donor-shard not set")
	}

	id := applier.SourceID{MigrationID: migrationID, DonorShard: cfg.Resharding.DonorShard}

	if cfg.Progress.Backend() != config.ProgressStoreMongoDB {
		return newProgressStore(ctx, cfg, id, nil)
	}

	if cfg.Target == "" {
		return nil, errors.New("required flag --target or --source not set")
	}

	target, err := connectCluster(ctx, "target", cfg.Target, cfg)
	if err != nil {
		return nil, err
	}

	store, err := newProgressStore(ctx, cfg, id, target)
	if err != nil {
		_ = util.Cleanup(ctx, config.DisconnectTimeout, target.Disconnect)

		return nil, err
	}

	store.closeFn = func(ctx context.Context) error {
		return util.Cleanup(ctx, config.DisconnectTimeout, target.Disconnect)
	}

	return store, nil
}
