package workload

import (
	"context"
	"errors"
	"testing"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
	"github.com/cncaiprojem/jobcore/internal/jobcore/taxonomy"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("cam", Echo)

	h, err := r.Get("cam")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out, err := h(context.Background(), &jobstore.Job{Payload: jobstore.JSONMap{"a": float64(1)}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("unexpected echo output: %s", out)
	}
}

func TestRegistry_GetUnregisteredClass(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("sim"); err == nil {
		t.Fatalf("expected error for unregistered class")
	}
}

func TestRegisterDefaults_CoversAllClasses(t *testing.T) {
	r := NewRegistry()
	classes := []string{"default", "model", "cam", "sim", "report", "erp"}
	RegisterDefaults(r, classes)
	for _, class := range classes {
		if _, err := r.Get(class); err != nil {
			t.Fatalf("class %s should have a default handler: %v", class, err)
		}
	}
}

func TestAlwaysFail_ReturnsTransientError(t *testing.T) {
	_, err := AlwaysFail(context.Background(), &jobstore.Job{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var transient *taxonomy.Transient
	if !errors.As(err, &transient) {
		t.Fatalf("AlwaysFail error = %T, want *taxonomy.Transient", err)
	}
}
