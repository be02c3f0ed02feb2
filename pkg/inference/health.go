package inference

import (
	"sort"
	"sync"
	"time"
)

// Backend names one inference deployment
type Backend string

const (
	BackendPrimary   Backend = "primary"
	BackendSecondary Backend = "secondary"
)

// HealthStatus is the circuit state of a backend for one endpoint
type HealthStatus string

const (
	StatusUnknown     HealthStatus = "unknown"
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusOpenCircuit HealthStatus = "open_circuit"
)

// HealthState is the circuit state of one (backend, endpoint) pair
type HealthState struct {
	Backend             Backend      `json:"backend"`
	Endpoint            string       `json:"endpoint"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenUntil           *time.Time   `json:"open_until,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
}

type healthKey struct {
	backend  Backend
	endpoint string
}

// HealthRegistry holds circuit state shared by every session in the process.
// It has its own lock and never runs inside a session actor.
type HealthRegistry struct {
	mu        sync.Mutex
	states    map[healthKey]*HealthState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewHealthRegistry creates a registry that opens a circuit after threshold
// consecutive failures and keeps it open for cooldown
func NewHealthRegistry(threshold int, cooldown time.Duration) *HealthRegistry {
	if threshold < 1 {
		threshold = 2
	}
	return &HealthRegistry{
		states:    make(map[healthKey]*HealthState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (r *HealthRegistry) state(b Backend, endpoint string) *HealthState {
	k := healthKey{b, endpoint}
	s, ok := r.states[k]
	if !ok {
		s = &HealthState{Backend: b, Endpoint: endpoint, Status: StatusUnknown}
		r.states[k] = s
	}
	return s
}

// Allow reports whether the backend may be called for endpoint. An open
// circuit whose cooldown has elapsed moves to degraded and is allowed.
func (r *HealthRegistry) Allow(b Backend, endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state(b, endpoint)
	if s.Status != StatusOpenCircuit {
		return true
	}
	if s.OpenUntil != nil && r.now().Before(*s.OpenUntil) {
		return false
	}
	s.Status = StatusDegraded
	s.OpenUntil = nil
	return true
}

// RecordSuccess resets failures and closes the circuit
func (r *HealthRegistry) RecordSuccess(b Backend, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state(b, endpoint)
	now := r.now()
	s.Status = StatusHealthy
	s.ConsecutiveFailures = 0
	s.OpenUntil = nil
	s.LastError = ""
	s.LastSuccessAt = &now
}

// RecordFailure counts a failure and reports whether this failure opened the circuit
func (r *HealthRegistry) RecordFailure(b Backend, endpoint, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state(b, endpoint)
	now := r.now()
	s.ConsecutiveFailures++
	s.LastError = detail
	s.LastFailureAt = &now
	if s.ConsecutiveFailures >= r.threshold {
		until := now.Add(r.cooldown)
		opened := s.Status != StatusOpenCircuit
		s.Status = StatusOpenCircuit
		s.OpenUntil = &until
		return opened
	}
	s.Status = StatusDegraded
	return false
}

// Get returns a copy of the state for one pair
func (r *HealthRegistry) Get(b Backend, endpoint string) HealthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.state(b, endpoint)
}

// Snapshot returns copies of every known state ordered by endpoint then backend
func (r *HealthRegistry) Snapshot() []HealthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HealthState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}
