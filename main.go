package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/percona/percona-resharding-applier/config"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
)

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

var (
	Version   = "v0.1.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "pra",
	Short: "Percona Resharding Applier: applies a donor's buffered oplog to the resharded collection",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},

	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.CalledAs() != "pra" || cmd.ArgsLenAtDash() != -1 {
			return nil
		}

		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		log.Ctx(cmd.Context()).Info("Percona Resharding Applier " + buildVersion())

		return runServer(cmd.Context(), cfg)
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

//nolint:gochecknoglobals
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the status of the running applier",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return NewClient(viper.GetInt("port")).Status(cmd.Context())
	},
}

//nolint:gochecknoglobals
var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Print the committed progress of the donor stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert
		ctx := cmd.Context()

		store, err := openProgressStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.close(ctx) //nolint:errcheck

		pos, ok, err := store.Lookup(ctx, store.id)
		if err != nil {
			return errors.Wrap(err, "lookup")
		}

		res := progressResponse{
			MigrationID: store.id.MigrationID.String(),
			DonorShard:  store.id.DonorShard,
			Backend:     cfg.Progress.Backend(),
		}
		if ok {
			res.Progress = newPositionResponse(pos)
		}

		j := json.NewEncoder(os.Stdout)
		j.SetIndent("", "  ")

		return errors.Wrap(j.Encode(res), "print response")
	},
}

//nolint:gochecknoglobals
var progressResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the committed progress so the next run starts from the beginning",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert
		ctx := cmd.Context()

		store, err := openProgressStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.close(ctx) //nolint:errcheck

		err = store.Reset(ctx, store.id)
		if err != nil {
			return errors.Wrap(err, "reset")
		}

		log.New("cli").Infof("OK: progress of %s reset", store.id)

		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output log in JSON format")
	rootCmd.PersistentFlags().Bool("log-no-color", false, "Disable log color")

	rootCmd.PersistentFlags().Int("port", config.DefaultServerPort, "Port number")
	rootCmd.PersistentFlags().String("source", "",
		"MongoDB connection string of the cluster holding the oplog buffer")
	rootCmd.PersistentFlags().String("target", "",
		"MongoDB connection string of the cluster holding the destination collection (default: --source)")

	rootCmd.PersistentFlags().String("mongodb-operation-timeout", config.DefaultMongoDBOperationTimeout.String(),
		"Timeout for MongoDB operations (e.g., 30s, 5m)")

	rootCmd.PersistentFlags().String("migration-id", "", "Resharding operation UUID")
	rootCmd.PersistentFlags().String("donor-shard", "", "Donor shard id")
	rootCmd.PersistentFlags().String("progress-store", config.ProgressStoreMongoDB,
		"Progress store backend (mongodb, sqlite)")
	rootCmd.PersistentFlags().String("progress-sqlite-path", config.DefaultSQLitePath,
		"SQLite database path for the sqlite progress store")

	rootCmd.Flags().String("source-ns", "", "Namespace being resharded")
	rootCmd.Flags().String("dest-ns", "", "Temporary resharding collection the records are applied to")
	rootCmd.Flags().String("oplog-buffer-ns", "", "")
	rootCmd.Flags().MarkHidden("oplog-buffer-ns") //nolint:errcheck
	rootCmd.Flags().String("boundary", "", "Clone completion timestamp (T,I)")

	rootCmd.Flags().Int("batch-ops", config.DefaultBatchOps, "Maximum number of records per batch")
	rootCmd.Flags().String("batch-bytes", "", "Maximum size of a batch (e.g. 16MiB, default 100MiB)")
	rootCmd.Flags().Int("writer-threads", config.DefaultWriterThreads, "Number of writer workers")

	progressCmd.AddCommand(progressResetCmd)
	rootCmd.AddCommand(
		versionCmd,
		statusCmd,
		progressCmd,
	)

	err := rootCmd.Execute()
	if err != nil {
		zerolog.Ctx(context.Background()).Fatal().Err(err).Msg("")
	}
}
