package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// HealthChecker manages liveness and readiness state for /healthz and /readyz.
// Readiness requires SetReady(true) and every registered dependency check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc

	checkTimeout time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:    time.Now(),
		checks:       make(map[string]CheckFunc),
		checkTimeout: 2 * time.Second,
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// AddCheck registers a dependency check run on every readiness probe.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// Uptime returns time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Check runs all dependency checks and returns failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	failures := make(map[string]string)
	for _, name := range names {
		h.mu.RLock()
		fn := h.checks[name]
		h.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
		if err := fn(cctx); err != nil {
			failures[name] = err.Error()
		}
		cancel()
	}
	return failures
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": h.Uptime().String(),
	})
}

// ReadinessHandler returns HTTP 200 once state is restored and dependencies
// respond, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
		})
		return
	}

	if failures := h.Check(r.Context()); len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"checks": failures,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
