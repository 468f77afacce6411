package observability

import "sync"

// Status is a component's health state.
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnavailable Status = "UNAVAILABLE"
)

// HealthRegistry maps component names to their current status. The liveness
// endpoint reads it; components update it on init and on degradation.
type HealthRegistry struct {
	mu         sync.RWMutex
	components map[string]Status
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{components: make(map[string]Status)}
}

func (r *HealthRegistry) Set(component string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[component] = status
}

func (r *HealthRegistry) Get(component string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.components[component]
	return status, ok
}

// Snapshot returns a copy of the full component status map.
func (r *HealthRegistry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]Status, len(r.components))
	for name, status := range r.components {
		snapshot[name] = status
	}
	return snapshot
}

// Overall reduces the component map: any UNAVAILABLE wins, then DEGRADED,
// otherwise HEALTHY.
func (r *HealthRegistry) Overall() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	overall := StatusHealthy
	for _, status := range r.components {
		switch status {
		case StatusUnavailable:
			return StatusUnavailable
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
