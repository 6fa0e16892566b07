// Package health provides HTTP health and readiness check handlers.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /health: a detailed status document with active call count, memory
//     statistics, uptime and environment, meant for humans and dashboards.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "openai",
	// "breaker"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Memory is the memory section of the /health document, in bytes.
type Memory struct {
	HeapAlloc uint64 `json:"heapAlloc"`
	HeapInuse uint64 `json:"heapInuse"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

// Report is the /health document.
type Report struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Uptime         string    `json:"uptime"`
	ActiveSessions int       `json:"activeSessions"`
	Goroutines     int       `json:"goroutines"`
	Memory         Memory    `json:"memory"`
	Environment    string    `json:"environment,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers    []Checker
	activeCalls func() int
	environment string
	started     time.Time
	now         func() time.Time
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, started: time.Now(), now: time.Now}
}

// SetDetails configures the /health document. activeCalls may be nil. It
// must be called before the handler serves requests.
func (h *Handler) SetDetails(environment string, activeCalls func() int) {
	h.environment = environment
	h.activeCalls = activeCalls
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Health serves the detailed status document. It never runs checkers, so it
// stays cheap enough for frequent polling.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Report())
}

// Report builds the current /health document.
func (h *Handler) Report() Report {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := h.now()
	rep := Report{
		Status:      "ok",
		Timestamp:   now.UTC(),
		Uptime:      now.Sub(h.started).Round(time.Second).String(),
		Goroutines:  runtime.NumGoroutine(),
		Environment: h.environment,
		Memory: Memory{
			HeapAlloc: ms.HeapAlloc,
			HeapInuse: ms.HeapInuse,
			Sys:       ms.Sys,
			NumGC:     ms.NumGC,
		},
	}
	if h.activeCalls != nil {
		rep.ActiveSessions = h.activeCalls()
	}
	return rep
}

// Register adds the /healthz, /readyz and /health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
