// Package util holds small helpers shared by the applier packages.
package util

import (
	"context"
	"time"
)

// Cleanup runs fn with a context that keeps the values of ctx but ignores its
// cancellation, and expires after dur. It is meant for disconnects and cursor
// closes that must still run once the parent context is done.
func Cleanup(ctx context.Context, dur time.Duration, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dur)
	defer cancel()

	return fn(cleanupCtx)
}
