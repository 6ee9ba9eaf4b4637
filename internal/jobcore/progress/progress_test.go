package progress

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
)

func newTestReporter(t *testing.T) (*Reporter, *jobstore.Store, *miniredis.Miniredis) {
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

	return NewReporter(rdb, store, nil), store, mr
}

func runningJob(t *testing.T, ctx context.Context, store *jobstore.Store, id string) {
	t.Helper()
	job := &jobstore.Job{ID: id, Class: "cam", TenantID: "t1", Status: jobstore.Pending}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Transition(ctx, id, jobstore.Queued, "x", nil); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := store.Transition(ctx, id, jobstore.Running, "x", nil); err != nil {
		t.Fatalf("running: %v", err)
	}
}

func TestReport_FirstUpdateAppliesImmediately(t *testing.T) {
	ctx := context.Background()
	rep, store, _ := newTestReporter(t)
	runningJob(t, ctx, store, "01JPROG0000000000000000001")

	if err := rep.Report(ctx, "01JPROG0000000000000000001", 25, "step1", "working", false); err != nil {
		t.Fatalf("report: %v", err)
	}
	got, err := store.Get(ctx, "01JPROG0000000000000000001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 25 {
		t.Fatalf("progress = %d, want 25", got.Progress)
	}
}

func TestReport_ThrottlesWithinWindowAndCoalesces(t *testing.T) {
	ctx := context.Background()
	rep, store, _ := newTestReporter(t)
	id := "01JPROG0000000000000000002"
	runningJob(t, ctx, store, id)

	if err := rep.Report(ctx, id, 10, "step1", "starting", false); err != nil {
		t.Fatalf("first report: %v", err)
	}
	// Second update arrives within the 2s throttle window: should not hit
	// the DB, but its value is retained for coalescing.
	if err := rep.Report(ctx, id, 55, "step2", "midway", false); err != nil {
		t.Fatalf("second report: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 10 {
		t.Fatalf("progress = %d, want 10 (throttled update must not land yet)", got.Progress)
	}

	coalesced, ok := rep.takeCoalesced(ctx, id)
	if !ok {
		t.Fatalf("expected a coalesced update to be stored")
	}
	if coalesced.Percent != 55 || coalesced.Step != "step2" {
		t.Fatalf("coalesced = %+v, want percent=55 step=step2", coalesced)
	}
}

func TestReport_ForceBypassesThrottle(t *testing.T) {
	ctx := context.Background()
	rep, store, _ := newTestReporter(t)
	id := "01JPROG0000000000000000003"
	runningJob(t, ctx, store, id)

	if err := rep.Report(ctx, id, 10, "step1", "starting", false); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := rep.Report(ctx, id, 80, "step2", "forced", true); err != nil {
		t.Fatalf("forced report: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 80 {
		t.Fatalf("progress = %d, want 80 (forced update bypasses throttle)", got.Progress)
	}
}

func TestReport_ClampsPercentRange(t *testing.T) {
	ctx := context.Background()
	rep, store, _ := newTestReporter(t)
	id := "01JPROG0000000000000000004"
	runningJob(t, ctx, store, id)

	if err := rep.Report(ctx, id, 150, "", "", true); err != nil {
		t.Fatalf("report: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want clamped to 100", got.Progress)
	}
}

func TestDedupKey_DistinctPerAttemptAndStatus(t *testing.T) {
	a := dedupKey("job1", "running", 0)
	b := dedupKey("job1", "running", 1)
	c := dedupKey("job1", "completed", 0)
	if a == b || a == c || b == c {
		t.Fatalf("dedup keys should differ by attempt and status: %q %q %q", a, b, c)
	}
}
