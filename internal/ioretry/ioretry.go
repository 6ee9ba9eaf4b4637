// Package ioretry is a small bounded-retry helper for control-plane I/O,
// generalizing the ad-hoc retry loop the teacher writes inline in
// cmd/worker/main.go around requeue publishing into one shared helper. It
// is used by broker (dial) and progress (event publish); Redis and DB
// calls elsewhere are not wrapped in it.
package ioretry

import (
	"context"
	"time"
)

// Do retries fn up to attempts times (attempts >= 1 means at least one
// call), sleeping delay between attempts, stopping early if ctx is
// cancelled. It returns the last error if every attempt fails.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
