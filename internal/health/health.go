// Package health provides the admin health, readiness, and liveness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Checker probes one dependency.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Check calls f(ctx).
func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Pinger is satisfied by *pgxpool.Pool; wrap *sqlx.DB with CheckFunc(db.PingContext).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps a database handle.
func PingCheck(p Pinger) Checker {
	return CheckFunc(p.Ping)
}

// SMTPServer is the view of the reception engine needed for health reporting.
type SMTPServer interface {
	IsRunning() bool
	ActiveConnections() int64
	PerformEHLOCheck(ctx context.Context) error
}

// ServiceStatus represents the status of a single service
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	SMTP      *SMTPStatus              `json:"smtp,omitempty"`
	Version   string                   `json:"version,omitempty"`
}

// SMTPStatus reports the reception engine.
type SMTPStatus struct {
	Running           bool   `json:"running"`
	ActiveConnections int64  `json:"active_connections"`
	EHLOCheck         string `json:"ehlo_check"`
	Error             string `json:"error,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Config holds health handler configuration
type Config struct {
	Checks  map[string]Checker
	SMTP    SMTPServer
	Version string
	Timeout time.Duration
}

// Handler handles health check requests
type Handler struct {
	checks  map[string]Checker
	smtp    SMTPServer
	version string
	timeout time.Duration

	mu    sync.RWMutex
	ready bool
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	checks := cfg.Checks
	if checks == nil {
		checks = map[string]Checker{}
	}
	return &Handler{
		checks:  checks,
		smtp:    cfg.SMTP,
		version: cfg.Version,
		timeout: timeout,
		ready:   true,
	}
}

// Routes mounts the probes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Readiness)
	r.Get("/live", h.Liveness)
}

// SetReady flips readiness, used while draining on shutdown
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health runs every dependency check plus the SMTP probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := h.runChecks(ctx)
	overall := "healthy"
	for _, s := range services {
		if s.Status != "up" {
			overall = "degraded"
		}
	}

	resp := HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	}

	if h.smtp != nil {
		resp.SMTP = h.checkSMTP(ctx)
		if !resp.SMTP.Running {
			resp.Status = "unhealthy"
		} else if resp.SMTP.EHLOCheck == "failed" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Readiness reports ready only when the flag is set and every check passes.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	if ready && h.smtp != nil && !h.smtp.IsRunning() {
		ready = false
	}
	if ready {
		for _, s := range h.runChecks(ctx) {
			if s.Status != "up" {
				ready = false
				break
			}
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadinessResponse{Ready: ready, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// Liveness always answers 200 while the process serves HTTP.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Alive: true, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (h *Handler) runChecks(ctx context.Context) map[string]ServiceStatus {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ServiceStatus, len(names))
	for _, name := range names {
		start := time.Now()
		err := h.checks[name].Check(ctx)
		s := ServiceStatus{Status: "up", Latency: time.Since(start).String()}
		if err != nil {
			s.Status = "down"
			s.Error = err.Error()
		}
		out[name] = s
	}
	return out
}

func (h *Handler) checkSMTP(ctx context.Context) *SMTPStatus {
	s := &SMTPStatus{
		Running:           h.smtp.IsRunning(),
		ActiveConnections: h.smtp.ActiveConnections(),
		EHLOCheck:         "skipped",
	}
	if !s.Running {
		s.Error = "SMTP server is not running"
		return s
	}
	if err := h.smtp.PerformEHLOCheck(ctx); err != nil {
		s.EHLOCheck = "failed"
		s.Error = err.Error()
		return s
	}
	s.EHLOCheck = "passed"
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
