// Package health exposes liveness and readiness checks over HTTP. The
// collector registers its Modbus transport and, when enabled, the MQTT
// publisher as dependency checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Checker is a component that can report whether it is healthy.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Handler runs the registered checks and serves probe endpoints.
type Handler struct {
	service      string
	version      string
	checkTimeout time.Duration
	logger       zerolog.Logger
	started      time.Time

	mu     sync.RWMutex
	checks map[string]Checker
	cached map[string]*CheckResult
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Response is the body served by the health endpoints.
type Response struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// NewHandler creates a health handler with no checks registered.
func NewHandler(service, version string, checkTimeout time.Duration, logger zerolog.Logger) *Handler {
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}
	return &Handler{
		service:      service,
		version:      version,
		checkTimeout: checkTimeout,
		logger:       logger.With().Str("component", "health").Logger(),
		started:      time.Now(),
		checks:       make(map[string]Checker),
		cached:       make(map[string]*CheckResult),
	}
}

// Register adds a named dependency check.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// Check runs all registered checks concurrently and returns the overall
// status. Any failing check makes the whole response unhealthy.
func (h *Handler) Check(ctx context.Context) *Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	resp := &Response{
		Status:    statusHealthy,
		Service:   h.service,
		Version:   h.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
			defer cancel()

			result := &CheckResult{
				Name:      name,
				Status:    statusHealthy,
				CheckedAt: time.Now(),
			}
			if err := checker.HealthCheck(checkCtx); err != nil {
				result.Status = statusUnhealthy
				result.Error = err.Error()
				h.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			}

			mu.Lock()
			resp.Checks[name] = result
			if result.Status != statusHealthy {
				resp.Status = statusUnhealthy
			}
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	h.mu.Lock()
	for name, result := range resp.Checks {
		h.cached[name] = result
	}
	h.mu.Unlock()

	return resp
}

// LastResult returns the most recent cached result for a check, or nil.
func (h *Handler) LastResult(name string) *CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cached[name]
}

// ServeHTTP serves the full health report.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.Check(r.Context()))
}

// LivenessHandler always reports healthy while the process runs.
func (h *Handler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, &Response{
		Status:    statusHealthy,
		Service:   h.service,
		Version:   h.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler reports healthy only when every dependency check passes.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.Check(r.Context()))
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if resp.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
