package workload

import (
	"context"
	"encoding/json"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
	"github.com/cncaiprojem/jobcore/internal/jobcore/taxonomy"
)

// Echo is a deterministic stand-in handler that succeeds immediately,
// returning the job's payload as its result. Used to register every
// workload class with a runnable default when no real CAD/CAM/sim body
// is wired in.
func Echo(_ context.Context, job *jobstore.Job) (json.RawMessage, error) {
	return json.Marshal(job.Payload)
}

// AlwaysFail is a deterministic stand-in that reports a retryable
// transient failure every time, useful for exercising the retry/DLQ path
// in tests without a real flaky dependency.
func AlwaysFail(_ context.Context, _ *jobstore.Job) (json.RawMessage, error) {
	return nil, &taxonomy.Transient{Msg: "stand-in handler always fails"}
}

// RegisterDefaults installs Echo for every known workload class.
func RegisterDefaults(r *Registry, classes []string) {
	for _, class := range classes {
		r.Register(class, Echo)
	}
}
