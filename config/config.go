// Package config provides configuration management for the resharding applier using Viper.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-resharding-applier/errors"
)

// Config holds all applier configuration.
type Config struct {
	Port   int    `mapstructure:"port"   validate:"omitempty,min=1025,max=65535"`
	Source string `mapstructure:"source" validate:"required,mongouri"`
	Target string `mapstructure:"target" validate:"omitempty,mongouri"`

	Log LogConfig `mapstructure:",squash"`

	MongoDB MongoDBConfig `mapstructure:",squash"`

	Resharding ReshardingConfig `mapstructure:",squash"`

	Apply ApplyConfig `mapstructure:",squash"`

	Progress ProgressConfig `mapstructure:",squash"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"log-level"`
	JSON    bool   `mapstructure:"log-json"`
	NoColor bool   `mapstructure:"log-no-color"`
}

// MongoDBConfig holds MongoDB client configuration.
type MongoDBConfig struct {
	OperationTimeout time.Duration `mapstructure:"mongodb-operation-timeout" validate:"gte=0"`
}

// ReshardingConfig identifies the donor stream and the collections involved.
type ReshardingConfig struct {
	MigrationID string `mapstructure:"migration-id" validate:"required,uuid"`
	DonorShard  string `mapstructure:"donor-shard"  validate:"required"`
	// SourceNS is the namespace being resharded. Used for logging only.
	SourceNS string `mapstructure:"source-ns"`
	// DestNS is the temporary resharding collection the records are applied to.
	DestNS string `mapstructure:"dest-ns" validate:"required,namespace"`
	// OplogBufferNS overrides the default oplog buffer namespace.
	OplogBufferNS string `mapstructure:"oplog-buffer-ns" validate:"omitempty,namespace"`
	// Boundary is the clone completion timestamp in "T,I" form.
	Boundary string `mapstructure:"boundary" validate:"required"`
}

// ApplyConfig holds batch and writer tuning.
type ApplyConfig struct {
	// BatchOps is the maximum number of records per batch. 0 means default.
	BatchOps int `mapstructure:"batch-ops" validate:"gte=0,lte=100000"`
	// BatchBytes is the maximum accumulated record size per batch (e.g. "16MiB").
	BatchBytes string `mapstructure:"batch-bytes" validate:"bytesize,bytesizemin=1KiB,bytesizemax=1GiB"`
	// WriterThreads is the number of writer workers. 0 means default.
	WriterThreads int `mapstructure:"writer-threads" validate:"gte=0,lte=256"`
}

// ProgressConfig selects the progress store backend.
type ProgressConfig struct {
	Store      string `mapstructure:"progress-store"       validate:"omitempty,oneof=mongodb sqlite"`
	SQLitePath string `mapstructure:"progress-sqlite-path"`
}

// Load initializes Viper and returns the decoded Config.
func Load(cmd *cobra.Command) (*Config, error) {
	viper.SetEnvPrefix("PRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cmd.PersistentFlags() != nil {
		_ = viper.BindPFlags(cmd.PersistentFlags())
	}

	if cmd.Flags() != nil {
		_ = viper.BindPFlags(cmd.Flags())
	}

	bindEnvVars()

	var cfg Config

	err := viper.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if cfg.Target == "" {
		cfg.Target = cfg.Source
	}

	return &cfg, nil
}

func bindEnvVars() {
	_ = viper.BindEnv("port", "PRA_PORT")

	_ = viper.BindEnv("source", "PRA_SOURCE_URI")
	_ = viper.BindEnv("target", "PRA_TARGET_URI")

	_ = viper.BindEnv("log-level", "PRA_LOG_LEVEL")
	_ = viper.BindEnv("log-json", "PRA_LOG_JSON")
	_ = viper.BindEnv("log-no-color", "PRA_LOG_NO_COLOR")

	_ = viper.BindEnv("mongodb-operation-timeout", "PRA_MONGODB_OPERATION_TIMEOUT")

	_ = viper.BindEnv("migration-id", "PRA_MIGRATION_ID")
	_ = viper.BindEnv("donor-shard", "PRA_DONOR_SHARD")
	_ = viper.BindEnv("source-ns", "PRA_SOURCE_NS")
	_ = viper.BindEnv("dest-ns", "PRA_DEST_NS")
	_ = viper.BindEnv("oplog-buffer-ns", "PRA_OPLOG_BUFFER_NS")
	_ = viper.BindEnv("boundary", "PRA_BOUNDARY")

	_ = viper.BindEnv("batch-ops", "PRA_BATCH_OPS")
	_ = viper.BindEnv("batch-bytes", "PRA_BATCH_BYTES")
	_ = viper.BindEnv("writer-threads", "PRA_WRITER_THREADS")

	_ = viper.BindEnv("progress-store", "PRA_PROGRESS_STORE")
	_ = viper.BindEnv("progress-sqlite-path", "PRA_PROGRESS_SQLITE_PATH")
}

// ParseTimestamp parses a "T,I" (or "T.I") timestamp.
func ParseTimestamp(s string) (bson.Timestamp, error) {
	s = strings.TrimSpace(s)

	sep := strings.IndexAny(s, ",.")
	if sep <= 0 || sep == len(s)-1 {
		return bson.Timestamp{}, errors.Errorf("invalid timestamp %q: expected T,I", s)
	}

	t, err := strconv.ParseUint(strings.TrimSpace(s[:sep]), 10, 32)
	if err != nil {
		return bson.Timestamp{}, errors.Wrapf(err, "invalid timestamp %q: seconds", s)
	}

	i, err := strconv.ParseUint(strings.TrimSpace(s[sep+1:]), 10, 32)
	if err != nil {
		return bson.Timestamp{}, errors.Wrapf(err, "invalid timestamp %q: increment", s)
	}

	return bson.Timestamp{T: uint32(t), I: uint32(i)}, nil
}

// MigrationUUID returns the parsed migration id.
func (c *ReshardingConfig) MigrationUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.MigrationID)

	return id, errors.Wrap(err, "parse migration id")
}

// BufferNS returns the oplog buffer namespace for the donor stream.
func (c *ReshardingConfig) BufferNS() string {
	if c.OplogBufferNS != "" {
		return c.OplogBufferNS
	}

	return OplogBufferDB + "." + OplogBufferCollPrefix + c.MigrationID + "." + c.DonorShard
}
