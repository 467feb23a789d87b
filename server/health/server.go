// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and status probes over HTTP.
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/absmach/commcore/dispatcher"
)

// StatusSource reports the dispatcher state.
type StatusSource interface {
	Status() dispatcher.Status
}

// Port is an outbound port whose connector counters are reported.
type Port interface {
	Sessions() int
	Attempts() int
}

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	cfg    Config
	status StatusSource
	logger *slog.Logger
	http   *http.Server

	mu    sync.Mutex
	addr  net.Addr
	ports map[string]Port
}

// New creates a health server. A nil status source reports not ready.
func New(cfg Config, status StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		status: status,
		logger: logger,
		ports:  map[string]Port{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /dispatcher/status", s.handleDispatcherStatus)
	mux.HandleFunc("GET /ports/status", s.handlePortsStatus)
	s.http = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the probe router.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// AddPort reports p under name on /ports/status.
func (s *Server) AddPort(name string, p Port) {
	s.mu.Lock()
	s.ports[name] = p
	s.mu.Unlock()
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Listen serves until ctx is done and then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("health server listening", slog.String("address", ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- s.http.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(sctx); err != nil {
		s.logger.Error("health server shutdown failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("health server stopped")
	return nil
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse is the readiness probe body.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready until the dispatcher closes. A dispatcher at
// its ceiling is still ready: new workers queue for a slot.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	code, resp := http.StatusOK, ReadyResponse{Status: "ready"}
	switch {
	case s.status == nil:
		code, resp = http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "dispatcher not initialized"}
	case s.status.Status().Closed:
		code, resp = http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "dispatcher closed"}
	default:
		if st := s.status.Status(); st.Live >= st.Ceiling {
			resp.Details = "at ceiling, new workers wait for a free slot"
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleDispatcherStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		http.Error(w, "dispatcher not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

// PortStatus is one entry of /ports/status.
type PortStatus struct {
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
	Attempts int    `json:"attempts"`
}

func (s *Server) handlePortsStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := make([]PortStatus, 0, len(s.ports))
	for name, p := range s.ports {
		resp = append(resp, PortStatus{Name: name, Sessions: p.Sessions(), Attempts: p.Attempts()})
	}
	s.mu.Unlock()

	slices.SortFunc(resp, func(a, b PortStatus) int { return cmp.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
