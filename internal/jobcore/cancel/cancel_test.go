package cancel

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
)

func newTestService(t *testing.T) (*Service, *jobstore.Store, *miniredis.Miniredis) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&jobstore.Job{}, &jobstore.AuditEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	store := jobstore.New(db)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return New(rdb, store), store, mr
}

func TestRequest_SetsDBFlagAndCache(t *testing.T) {
	ctx := context.Background()
	svc, store, mr := newTestService(t)

	job := &jobstore.Job{ID: "01JCANCEL0000000000000001", Class: "cam", TenantID: "t1", Status: jobstore.Pending}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Request(ctx, job.ID, "user requested"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if !mr.Exists(cacheKey(job.ID)) {
		t.Fatalf("cache key should exist after Request")
	}
	requested, err := store.IsCancelRequested(ctx, job.ID)
	if err != nil {
		t.Fatalf("is cancel requested: %v", err)
	}
	if !requested {
		t.Fatalf("db flag should be set after Request")
	}
}

func TestCheck_CacheHit(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	job := &jobstore.Job{ID: "01JCANCEL0000000000000002", Class: "cam", TenantID: "t1", Status: jobstore.Pending}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Request(ctx, job.ID, "x"); err != nil {
		t.Fatalf("request: %v", err)
	}

	got, err := svc.Check(ctx, job.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !got {
		t.Fatalf("check should report true on cache hit")
	}
}

func TestCheck_FallsBackToDBOnCacheMiss(t *testing.T) {
	ctx := context.Background()
	svc, store, mr := newTestService(t)

	job := &jobstore.Job{ID: "01JCANCEL0000000000000003", Class: "cam", TenantID: "t1", Status: jobstore.Pending}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkCancelRequested(ctx, job.ID, "direct db write, no cache"); err != nil {
		t.Fatalf("mark cancel requested: %v", err)
	}
	mr.FlushAll() // simulate cache never having been warmed / evicted

	got, err := svc.Check(ctx, job.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !got {
		t.Fatalf("check should fall back to db and report true")
	}
}

func TestCheck_NonFatalOnCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, store, mr := newTestService(t)

	job := &jobstore.Job{ID: "01JCANCEL0000000000000004", Class: "cam", TenantID: "t1", Status: jobstore.Pending}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	mr.Close() // redis is now unreachable

	got, err := svc.Check(ctx, job.ID)
	if err != nil {
		t.Fatalf("check must not fail when cache is unavailable, got: %v", err)
	}
	if got {
		t.Fatalf("no cancellation was ever requested")
	}
}

func TestFinalize_TransitionsAndClearsCache(t *testing.T) {
	ctx := context.Background()
	svc, store, mr := newTestService(t)

	job := &jobstore.Job{ID: "01JCANCEL0000000000000005", Class: "cam", TenantID: "t1", Status: jobstore.Pending}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Transition(ctx, job.ID, jobstore.Queued, "x", nil); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := store.Transition(ctx, job.ID, jobstore.Running, "x", nil); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := svc.Request(ctx, job.ID, "user requested"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := svc.Finalize(ctx, job.ID, "worker stopped", 37, "stopped cooperatively"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != jobstore.Cancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Progress != 37 {
		t.Fatalf("progress = %d, want 37", got.Progress)
	}
	if mr.Exists(cacheKey(job.ID)) {
		t.Fatalf("cache key should be cleared after Finalize")
	}
}
