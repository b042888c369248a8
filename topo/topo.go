// Package topo holds MongoDB connectivity helpers shared by the storage layer.
package topo

import (
	"context"
	"time"

	"github.com/hashicorp/go-version"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/percona/percona-resharding-applier/config"
	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/log"
)

const (
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultMaxRetries    = 5
)

// MinSupportedVersion is the oldest server version the applier writes to.
const MinSupportedVersion = "4.4"

// Server error codes that are safe to retry.
//
//nolint:gochecknoglobals
var transientCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	112,   // WriteConflict
	189,   // PrimarySteppedDown
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
}

// Connect opens a client to uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri string, cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName("percona-resharding-applier").
		SetReadPreference(readpref.Primary()).
		SetWriteConcern(writeconcern.Majority()).
		SetTimeout(cfg.MongoDB.Timeout())

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	err = client.Ping(ctx, readpref.Primary())
	if err != nil {
		_ = client.Disconnect(context.Background()) //nolint:contextcheck

		return nil, errors.Wrap(err, "ping")
	}

	return client, nil
}

// IsTransient reports whether err is a network or server error worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsNetworkError(err) {
		return true
	}

	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}

	for _, code := range transientCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return se.HasErrorLabel("RetryableWriteError") ||
		se.HasErrorLabel("TransientTransactionError")
}

// RunWithRetry calls fn until it succeeds, fails with a non-transient error,
// or maxRetries attempts have been made.
func RunWithRetry(
	ctx context.Context,
	fn func(context.Context) error,
	interval time.Duration,
	maxRetries int,
) error {
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}

		if attempt == maxRetries {
			break
		}

		log.Ctx(ctx).Debugf("Transient error (attempt %d/%d): %v", attempt, maxRetries, err)

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(interval):
		}
	}

	return errors.Wrapf(err, "retries exhausted (%d)", maxRetries)
}

// Version returns the server version reported by buildInfo.
func Version(ctx context.Context, m *mongo.Client) (*version.Version, error) {
	raw, err := m.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Raw()
	if err != nil {
		return nil, errors.Wrap(err, "buildInfo")
	}

	s, ok := raw.Lookup("version").StringValueOK()
	if !ok {
		return nil, errors.New("buildInfo: missing version")
	}

	return ParseVersion(s)
}

// ParseVersion parses a server version string and checks it is supported.
func ParseVersion(s string) (*version.Version, error) {
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse version %q", s)
	}

	minVersion := version.Must(version.NewVersion(MinSupportedVersion))
	if v.Core().LessThan(minVersion) {
		return nil, errors.Errorf("unsupported server version %s: requires %s or later",
			v.Original(), MinSupportedVersion)
	}

	return v, nil
}
