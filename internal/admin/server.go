// Package admin exposes a read-only JSON view of the registry: aggregate
// stats and a per-backend snapshot. Backends are created once at startup —
// registry.Registry never adds or removes one at runtime — so unlike the
// dashboard this is adapted from, there is nothing here to mutate: every
// handler only reads the registry under its own lock.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"l7lb/internal/registry"
)

// Server is the read-only admin HTTP server.
type Server struct {
	reg       *registry.Registry
	startTime time.Time
	srv       *http.Server
}

// New creates an admin Server. Call Start to begin listening.
func New(reg *registry.Registry, listenAddr string, startTime time.Time) *Server {
	s := &Server{reg: reg, startTime: startTime}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /backends", s.handleBackends)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin: server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the admin server within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, for tests that want to drive
// it through httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ── Handlers ────────────────────────────────────────────────────────────────

// BackendSnapshot is the JSON representation of one backend's current state.
type BackendSnapshot struct {
	Name              string  `json:"name"`
	Address           string  `json:"address"`
	Healthy           bool    `json:"healthy"`
	ActiveConnections int     `json:"active_connections"`
	Errors            int     `json:"errors"`
	RTTAvg            float64 `json:"rtt_avg"`
	Weight            int     `json:"weight"`
}

type statsResponse struct {
	Uptime            string `json:"uptime"`
	InFlight          int    `json:"in_flight"`
	BackendsTotal     int    `json:"backends_total"`
	BackendsHealthy   int    `json:"backends_healthy"`
	ActiveConnections int    `json:"active_connections"`
	TotalErrors       int    `json:"total_errors"`
}

func (s *Server) snapshot() []BackendSnapshot {
	s.reg.Lock()
	defer s.reg.Unlock()

	backends := s.reg.Backends()
	out := make([]BackendSnapshot, len(backends))
	for i, b := range backends {
		out[i] = BackendSnapshot{
			Name:              b.Name,
			Address:           b.Address(),
			Healthy:           b.Healthy,
			ActiveConnections: b.ActiveConnections,
			Errors:            b.Errors,
			RTTAvg:            b.RTTAvg,
			Weight:            b.EffectiveWeight(),
		}
	}
	return out
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	backends := s.snapshot()

	var activeConns, totalErrs int
	healthy := 0
	for _, b := range backends {
		activeConns += b.ActiveConnections
		totalErrs += b.Errors
		if b.Healthy {
			healthy++
		}
	}

	s.reg.Lock()
	inFlight := s.reg.InFlight()
	s.reg.Unlock()

	jsonOK(w, statsResponse{
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
		InFlight:          inFlight,
		BackendsTotal:     len(backends),
		BackendsHealthy:   healthy,
		ActiveConnections: activeConns,
		TotalErrors:       totalErrs,
	})
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, s.snapshot())
}

// ── helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
