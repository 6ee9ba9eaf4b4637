// Package workload is the pluggable handler-by-class registry the worker
// harness dispatches into, generalizing the teacher's internal/ai.Registry
// (a sync.RWMutex-guarded map[string]Factory looked up by provider name)
// from "AI provider name" to "workload class handler". The CAD/CAM/sim
// bodies themselves are out of scope; what ships here are minimal
// deterministic stand-ins used by the worker harness and its tests.
package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
)

// Handler executes one job's payload and returns its result, or an error
// classified by the taxonomy package.
type Handler func(ctx context.Context, job *jobstore.Job) (json.RawMessage, error)

// Registry maps a workload class to its Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs the handler for class, overwriting any previous
// registration for the same class.
func (r *Registry) Register(class string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
}

// Get looks up the handler for class.
func (r *Registry) Get(class string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	if !ok {
		return nil, fmt.Errorf("workload: no handler registered for class %q", class)
	}
	return h, nil
}
