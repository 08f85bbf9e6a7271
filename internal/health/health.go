// Package health aggregates named subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single probe so one hung subsystem cannot stall
// the whole health response.
const checkTimeout = 2 * time.Second

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds probes in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Checker)}
}

// Register adds a probe. Re-registering a name replaces the previous probe
// without changing its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[name]; !exists {
		r.names = append(r.names, name)
	}
	r.probes[name] = check
}

// CheckAll runs every probe and reports the aggregate verdict alongside the
// per-subsystem results, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	probes := make(map[string]Checker, len(r.probes))
	for name, check := range r.probes {
		probes[name] = check
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(names))
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		st := probes[name](probeCtx)
		cancel()
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
