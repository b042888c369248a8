package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/percona/percona-resharding-applier/applier"
	"github.com/percona/percona-resharding-applier/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS applier_progress (
	migration_id TEXT NOT NULL,
	donor_shard  TEXT NOT NULL,
	cluster_t    INTEGER NOT NULL,
	cluster_i    INTEGER NOT NULL,
	ts_t         INTEGER NOT NULL,
	ts_i         INTEGER NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (migration_id, donor_shard)
);
`

// SQLiteProgressStore keeps progress markers in a local SQLite database.
type SQLiteProgressStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenSQLiteProgressStore opens (and creates if needed) the database at path.
func OpenSQLiteProgressStore(ctx context.Context, path string) (*SQLiteProgressStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, sqliteSchema)
	if err != nil {
		db.Close()

		return nil, errors.Wrap(err, "create tables")
	}

	return &SQLiteProgressStore{db: db}, nil
}

func (s *SQLiteProgressStore) Commit(ctx context.Context, id applier.SourceID, pos applier.Position) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO applier_progress
	(migration_id, donor_shard, cluster_t, cluster_i, ts_t, ts_i, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(migration_id, donor_shard) DO UPDATE SET
		cluster_t = excluded.cluster_t,
		cluster_i = excluded.cluster_i,
		ts_t = excluded.ts_t,
		ts_i = excluded.ts_i,
		updated_at = excluded.updated_at
	`,
		id.MigrationID.String(),
		id.DonorShard,
		int64(pos.ClusterTime.T),
		int64(pos.ClusterTime.I),
		int64(pos.Ts.T),
		int64(pos.Ts.I),
		time.Now().UTC(),
	)

	return errors.Wrapf(err, "commit progress for %s", id)
}

func (s *SQLiteProgressStore) Lookup(ctx context.Context, id applier.SourceID) (applier.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT cluster_t, cluster_i, ts_t, ts_i
	FROM applier_progress WHERE migration_id = ? AND donor_shard = ?
	`, id.MigrationID.String(), id.DonorShard)

	var ct, ci, tt, ti int64

	err := row.Scan(&ct, &ci, &tt, &ti)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return applier.Position{}, false, nil
		}

		return applier.Position{}, false, errors.Wrapf(err, "lookup progress for %s", id)
	}

	pos := applier.Position{
		ClusterTime: bson.Timestamp{T: uint32(ct), I: uint32(ci)}, //nolint:gosec
		Ts:          bson.Timestamp{T: uint32(tt), I: uint32(ti)}, //nolint:gosec
	}

	return pos, true, nil
}

// Reset removes the progress marker of id.
func (s *SQLiteProgressStore) Reset(ctx context.Context, id applier.SourceID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM applier_progress WHERE migration_id = ? AND donor_shard = ?`,
		id.MigrationID.String(), id.DonorShard)

	return errors.Wrapf(err, "reset progress for %s", id)
}

func (s *SQLiteProgressStore) Close() error {
	return errors.Wrap(s.db.Close(), "close database")
}
