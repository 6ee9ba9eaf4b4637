// Package cancel implements cooperative job cancellation, grounded on
// original_source/apps/api/app/services/job_cancellation_service.py:
// Request writes the DB flag and a short-TTL Redis cache entry in the
// same call; Check is a fast Redis-first, DB-fallback read that never
// fails a caller on cache unavailability; Finalize clears the cache once
// a worker has actually stopped.
package cancel

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
)

const cacheTTL = time.Hour

func cacheKey(jobID string) string { return "cancel:" + jobID }

// Service coordinates the Redis cache and the durable jobstore flag.
type Service struct {
	rdb   *redis.Client
	store *jobstore.Store
}

// New builds a cancellation service over an existing Redis client and
// job store.
func New(rdb *redis.Client, store *jobstore.Store) *Service {
	return &Service{rdb: rdb, store: store}
}

// Request marks jobID for cancellation: writes the durable flag (and an
// audit entry) via the job store, then best-effort warms the Redis cache
// so worker-side Check calls see it without hitting the DB. A cache
// write failure is discarded, not returned as an error, since the DB
// write already succeeded and that is the durable source of truth.
func (s *Service) Request(ctx context.Context, jobID, reason string) error {
	if err := s.store.MarkCancelRequested(ctx, jobID, reason); err != nil {
		return err
	}
	// Best effort: ignore the error, DB is already the source of truth.
	_ = s.rdb.Set(ctx, cacheKey(jobID), "1", cacheTTL).Err()
	return nil
}

// Check reports whether jobID has a pending cancellation request. It
// checks Redis first; on a cache hit it returns true without touching
// the DB. On a cache miss or any Redis error it falls back to the
// durable jobstore flag — Redis unavailability must never fail this
// call, matching the source's bare `except Exception: pass` around its
// cache read.
func (s *Service) Check(ctx context.Context, jobID string) (bool, error) {
	val, err := s.rdb.Get(ctx, cacheKey(jobID)).Result()
	if err == nil {
		return val == "1", nil
	}
	// Cache miss (redis.Nil) or any Redis error: fall back to the DB
	// rather than propagating a cache failure to the caller.
	return s.store.IsCancelRequested(ctx, jobID)
}

// Finalize transitions jobID to Cancelled, merging any final progress
// fields the worker body reports, and clears the Redis cache entry so a
// stale "cancel requested" flag doesn't linger past the job's lifetime.
func (s *Service) Finalize(ctx context.Context, jobID, reason string, finalProgress int, finalMessage string) error {
	err := s.store.Transition(ctx, jobID, jobstore.Cancelled, reason, func(j *jobstore.Job) {
		if finalProgress > j.Progress {
			j.Progress = finalProgress
		}
		if finalMessage != "" {
			j.Message = finalMessage
		}
	})
	if err != nil {
		return err
	}
	_ = s.rdb.Del(ctx, cacheKey(jobID)).Err()
	return nil
}
