// Package handlers implements the status server endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker reports whether one dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthManager aggregates registered checkers.
type HealthManager struct {
	version string
	started time.Time
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		started:  time.Now(),
		timeout:  2 * time.Second,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the checker under name.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// Check runs every checker and reports per-check status.
func (m *HealthManager) Check(ctx context.Context) (bool, map[string]string) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	healthy := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := checkers[name].CheckHealth(ctx); err != nil {
			healthy = false
			results[name] = "unhealthy: " + err.Error()
			continue
		}
		results[name] = "healthy"
	}
	return healthy, results
}

// HealthHandler runs all checks; 503 when any fails.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	healthy, checks := m.Check(r.Context())
	m.respond(w, healthy, checks)
}

// LivenessHandler reports the process is serving; it runs no checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, true, nil)
}

// ReadinessHandler is HealthHandler under the readiness route.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

func (m *HealthManager) respond(w http.ResponseWriter, healthy bool, checks map[string]string) {
	resp := HealthResponse{
		Status:    "healthy",
		Version:   m.version,
		Uptime:    time.Since(m.started).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
