package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/platform/httpx"
	"github.com/bikeshop/order-service/internal/platform/requestctx"
)

const (
	serviceName          = "order-service"
	defaultReadyzTimeout = 3 * time.Second
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves /health, /healthz and /readyz.
type HealthHandlers struct {
	clock   func() time.Time
	started time.Time
	timeout time.Duration
	checks  map[string]ReadinessCheck
}

// HealthOption customises health handler construction.
type HealthOption func(*HealthHandlers)

// WithHealthClock overrides the clock used for uptime and timestamps.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartedAt sets the process start time reported as uptime.
func WithHealthStartedAt(started time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.started = started
	}
}

// WithReadinessCheck registers a named dependency probe for /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// NewHealthHandlers constructs health handlers. Without readiness checks /readyz always reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:   time.Now,
		timeout: defaultReadyzTimeout,
		checks:  make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.started.IsZero() {
		h.started = h.clock()
	}
	return h
}

// Health is the public liveness probe kept outside the rate limiter.
func (h *HealthHandlers) Health(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

// Healthz reports process liveness with uptime.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"uptime":    now.Sub(h.started).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

type readinessCheckPayload struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type readinessPayload struct {
	Status    string                           `json:"status"`
	Checks    map[string]readinessCheckPayload `json:"checks"`
	Details   []string                         `json:"details,omitempty"`
	Timestamp string                           `json:"timestamp"`
}

// Readyz runs every registered check and answers 503 when any fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	payload := readinessPayload{
		Status: "ok",
		Checks: make(map[string]readinessCheckPayload, len(h.checks)),
	}
	for name, check := range h.checks {
		start := h.clock()
		err := check(ctx)
		result := readinessCheckPayload{Status: "ok", LatencyMS: h.clock().Sub(start).Milliseconds()}
		if err != nil {
			result.Status = "unavailable"
			result.Error = err.Error()
			payload.Status = "degraded"
			payload.Details = append(payload.Details, name+": "+err.Error())
			requestctx.Logger(ctx).Warn("readiness check failed", zap.String("check", name), zap.Error(err))
		}
		payload.Checks[name] = result
	}
	payload.Timestamp = h.clock().UTC().Format(time.RFC3339)

	status := http.StatusOK
	if payload.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
