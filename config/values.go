package config

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// Defaults.
const (
	DefaultServerPort              = 2243
	DefaultBatchOps                = 5000
	DefaultBatchBytes              = 100 * humanize.MiByte
	DefaultWriterThreads           = 4
	DefaultMongoDBOperationTimeout = 5 * time.Minute

	DisconnectTimeout  = 5 * time.Second
	CloseCursorTimeout = 10 * time.Second
)

// Progress store backends.
const (
	ProgressStoreMongoDB = "mongodb"
	ProgressStoreSQLite  = "sqlite"

	DefaultSQLitePath = "pra-progress.db"
)

// Internal namespaces used by resharding.
const (
	OplogBufferDB         = "config"
	OplogBufferCollPrefix = "localReshardingOplogBuffer."

	ProgressDB   = "config"
	ProgressColl = "localReshardingOperations.recipient.progress_applier"

	LedgerDB   = "config"
	LedgerColl = "localReshardingOperations.recipient.txnLedger"
)

// ServerPort returns the configured or default HTTP port.
func (c *Config) ServerPort() int {
	if c.Port == 0 {
		return DefaultServerPort
	}

	return c.Port
}

// Timeout returns the configured or default MongoDB operation timeout.
func (c *MongoDBConfig) Timeout() time.Duration {
	if c.OperationTimeout <= 0 {
		return DefaultMongoDBOperationTimeout
	}

	return c.OperationTimeout
}

// BatchLimitOps returns the configured or default batch record limit.
func (c *ApplyConfig) BatchLimitOps() int {
	if c.BatchOps <= 0 {
		return DefaultBatchOps
	}

	return c.BatchOps
}

// BatchLimitBytes returns the configured or default batch byte limit.
// The value is expected to have passed validation.
func (c *ApplyConfig) BatchLimitBytes() int64 {
	if c.BatchBytes == "" || c.BatchBytes == "0" {
		return DefaultBatchBytes
	}

	n, err := humanize.ParseBytes(c.BatchBytes)
	if err != nil || n == 0 {
		return DefaultBatchBytes
	}

	return int64(min(n, math.MaxInt64)) //nolint:gosec
}

// NumWriters returns the configured or default writer count.
func (c *ApplyConfig) NumWriters() int {
	if c.WriterThreads <= 0 {
		return DefaultWriterThreads
	}

	return c.WriterThreads
}

// Backend returns the progress store backend name.
func (c *ProgressConfig) Backend() string {
	if c.Store == "" {
		return ProgressStoreMongoDB
	}

	return c.Store
}

// DBPath returns the sqlite database path.
func (c *ProgressConfig) DBPath() string {
	if c.SQLitePath == "" {
		return DefaultSQLitePath
	}

	return c.SQLitePath
}
