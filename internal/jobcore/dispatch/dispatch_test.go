package dispatch

import (
	"context"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&jobstore.Job{}, &jobstore.AuditEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// Submit on an unknown class must fail before any broker interaction or
// job-row creation, so the Dispatcher's amqp channel is never touched
// here (left nil deliberately).
func TestSubmit_RejectsUnknownClassBeforeTouchingStore(t *testing.T) {
	db := openTestDB(t)
	store := jobstore.New(db)
	d := New(store, nil, nil)

	id, err := d.Submit(context.Background(), Input{TenantID: "t1", Class: "freecad"})
	if err == nil {
		t.Fatalf("expected error for unknown class")
	}
	if id != "" {
		t.Fatalf("no job id should be returned on validation failure")
	}

	var count int64
	db.Model(&jobstore.Job{}).Count(&count)
	if count != 0 {
		t.Fatalf("no job row should have been created for a rejected submission")
	}
}

func TestMapPriority_KnownLevels(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"low", 0},
		{"normal", 5},
		{"high", 10},
		{"", 5}, // defaults to normal per spec.md §4.4
	}
	for _, tc := range cases {
		got, err := MapPriority(tc.in)
		if err != nil {
			t.Fatalf("MapPriority(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("MapPriority(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestMapPriority_RejectsUnknown(t *testing.T) {
	if _, err := MapPriority("urgent"); err == nil {
		t.Fatalf("expected error for a priority outside {low, normal, high}")
	}
}
