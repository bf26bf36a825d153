package handler

import (
	"context"
	"net/http"
	"time"
)

// Check pings one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type DependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// SystemHandler serves liveness and readiness checks.
type SystemHandler struct {
	checks    map[string]Check
	order     []string
	startTime time.Time
	timeout   time.Duration
}

func NewSystemHandler() *SystemHandler {
	return &SystemHandler{
		checks:    make(map[string]Check),
		startTime: time.Now(),
		timeout:   2 * time.Second,
	}
}

// AddCheck registers a readiness check. Checks run in registration order.
func (h *SystemHandler) AddCheck(name string, check Check) {
	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready reports 503 when any dependency is down. Slow dependencies are
// reported as degraded but keep the service ready.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := true
	statuses := make([]DependencyStatus, 0, len(h.order))
	for _, name := range h.order {
		start := time.Now()
		err := h.checks[name](ctx)
		latency := time.Since(start).Milliseconds()

		s := DependencyStatus{Name: name, Status: "operational", LatencyMs: latency}
		switch {
		case err != nil:
			s.Status = "outage"
			s.Error = err.Error()
			ready = false
		case latency > 200:
			s.Status = "degraded"
		}
		statuses = append(statuses, s)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{
		"ready":        ready,
		"dependencies": statuses,
	})
}
