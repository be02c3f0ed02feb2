package inference

import (
	"fmt"
	"strings"
	"time"
)

// Attempt is one HTTP try against one backend
type Attempt struct {
	Backend    Backend   `json:"backend"`
	Endpoint   string    `json:"endpoint"`
	Attempt    int       `json:"attempt"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
	Detail     string    `json:"detail"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// TimelineEvent is one entry in a call's success/failure audit
type TimelineEvent struct {
	At      time.Time `json:"at"`
	Backend Backend   `json:"backend"`
	Event   string    `json:"event"`
	Detail  string    `json:"detail,omitempty"`
}

const (
	eventSuccess       = "success"
	eventFailure       = "failure"
	eventSkippedOpen   = "skipped_circuit_open"
	eventCircuitOpened = "circuit_opened"
	eventNonRetryable  = "non_retryable"
)

// FailoverError is returned when every candidate backend is exhausted.
// Callers treat it as a hard dependency failure.
type FailoverError struct {
	Endpoint string          `json:"endpoint"`
	Attempts []Attempt       `json:"attempts"`
	Timeline []TimelineEvent `json:"timeline"`
	Health   []HealthState   `json:"health"`
}

func (e *FailoverError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s#%d:%s", a.Backend, a.Attempt, a.Detail))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("inference %s: no backend available", e.Endpoint)
	}
	return fmt.Sprintf("inference %s failed on all backends: %s", e.Endpoint, strings.Join(parts, "; "))
}
