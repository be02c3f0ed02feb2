package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Endpoint names used by the session engine
const (
	EndpointResolve = "resolve"
	EndpointEnroll  = "enroll"
	EndpointASR     = "asr"
	EndpointReport  = "report"
)

// Config configures the failover client
type Config struct {
	PrimaryURL      string
	PrimaryKey      string
	SecondaryURL    string
	SecondaryKey    string
	FailoverEnabled bool
	RetryMax        int
	Backoff         time.Duration
	Timeout         time.Duration
	SigningSecret   string
}

type target struct {
	backend Backend
	baseURL string
	apiKey  string
}

// CallResult describes how a successful call was served
type CallResult struct {
	Backend  Backend         `json:"backend"`
	Attempts []Attempt       `json:"attempts"`
	Timeline []TimelineEvent `json:"timeline"`
}

// Client calls a primary inference backend and fails over to a secondary.
// Circuit state lives in the shared HealthRegistry.
type Client struct {
	cfg      Config
	http     *http.Client
	registry *HealthRegistry
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClient creates a failover client
func NewClient(cfg Config, registry *HealthRegistry, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		registry: registry,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Registry returns the shared health registry
func (c *Client) Registry() *HealthRegistry {
	return c.registry
}

func (c *Client) candidates() []target {
	out := []target{{BackendPrimary, c.cfg.PrimaryURL, c.cfg.PrimaryKey}}
	if c.cfg.FailoverEnabled && c.cfg.SecondaryURL != "" {
		out = append(out, target{BackendSecondary, c.cfg.SecondaryURL, c.cfg.SecondaryKey})
	}
	return out
}

// Call posts body as JSON to endpoint and decodes the response into out.
// Each candidate gets RetryMax+1 attempts; 5xx, 429, 408 and transport errors
// are retried after Backoff*attempt. Other 4xx responses move on to the next
// candidate without counting against the circuit.
func (c *Client) Call(ctx context.Context, endpoint string, body interface{}, out interface{}) (*CallResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	var (
		attempts []Attempt
		timeline []TimelineEvent
	)
	log := c.logger.With(zap.String("endpoint", endpoint))

	for _, t := range c.candidates() {
	attemptLoop:
		for n := 1; n <= c.cfg.RetryMax+1; n++ {
			if !c.registry.Allow(t.backend, endpoint) {
				timeline = append(timeline, TimelineEvent{At: time.Now().UTC(), Backend: t.backend, Event: eventSkippedOpen})
				log.Warn("⚡ circuit open, skipping backend", zap.String("backend", string(t.backend)))
				break
			}

			a := c.do(ctx, t, endpoint, payload, n, out)
			attempts = append(attempts, a)

			if a.StatusCode >= 200 && a.StatusCode < 300 && a.Detail == "" {
				c.registry.RecordSuccess(t.backend, endpoint)
				timeline = append(timeline, TimelineEvent{At: a.At, Backend: t.backend, Event: eventSuccess})
				return &CallResult{Backend: t.backend, Attempts: attempts, Timeline: timeline}, nil
			}

			if !a.Retryable {
				timeline = append(timeline, TimelineEvent{At: a.At, Backend: t.backend, Event: eventNonRetryable, Detail: a.Detail})
				log.Warn("❌ non-retryable inference response",
					zap.String("backend", string(t.backend)),
					zap.Int("status", a.StatusCode),
					zap.String("detail", a.Detail))
				break attemptLoop
			}

			timeline = append(timeline, TimelineEvent{At: a.At, Backend: t.backend, Event: eventFailure, Detail: a.Detail})
			log.Warn("⚠️ inference attempt failed",
				zap.String("backend", string(t.backend)),
				zap.Int("attempt", n),
				zap.Int("status", a.StatusCode),
				zap.String("detail", a.Detail))
			if c.registry.RecordFailure(t.backend, endpoint, a.Detail) {
				timeline = append(timeline, TimelineEvent{At: time.Now().UTC(), Backend: t.backend, Event: eventCircuitOpened})
				log.Warn("🔌 circuit opened",
					zap.String("backend", string(t.backend)),
					zap.Duration("cooldown", c.registry.cooldown))
				// no backoff: the next backend is tried right away
				break attemptLoop
			}

			if n <= c.cfg.RetryMax {
				if err := c.sleep(ctx, c.cfg.Backoff*time.Duration(n)); err != nil {
					return nil, &FailoverError{Endpoint: endpoint, Attempts: attempts, Timeline: timeline, Health: c.registry.Snapshot()}
				}
			}
		}
	}

	return nil, &FailoverError{
		Endpoint: endpoint,
		Attempts: attempts,
		Timeline: timeline,
		Health:   c.registry.Snapshot(),
	}
}

func (c *Client) do(ctx context.Context, t target, endpoint string, payload []byte, n int, out interface{}) Attempt {
	start := time.Now()
	a := Attempt{Backend: t.backend, Endpoint: endpoint, Attempt: n, At: start.UTC()}
	finish := func() Attempt {
		a.DurationMs = time.Since(start).Milliseconds()
		return a
	}

	url := strings.TrimRight(t.baseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		a.Detail = err.Error()
		return finish()
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("x-api-key", t.apiKey)
	}
	if c.cfg.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(c.cfg.SigningSecret, payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		a.Retryable = ctx.Err() == nil
		a.Detail = transportDetail(err)
		return finish()
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		a.Retryable = true
		a.Detail = "read_body: " + err.Error()
		return finish()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				a.Retryable = true
				a.Detail = "invalid_response: " + err.Error()
			}
		}
		return finish()
	}

	a.Retryable = IsRetryableStatus(resp.StatusCode)
	a.Detail = fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	return finish()
}

// IsRetryableStatus reports whether an HTTP status should be retried
func IsRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func transportDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return "network: " + err.Error()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
