// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/commcore/comm"
	"github.com/gorilla/websocket"
)

// ErrTextFrame is returned when a peer sends a non-binary message.
var ErrTextFrame = errors.New("expected binary message")

// Dispatcher starts a worker for an accepted connection.
type Dispatcher interface {
	StartHandler(ctx context.Context, ch comm.Channel, l comm.Listener) error
}

// RateLimiter decides whether a connection from addr is admitted.
type RateLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimiter     RateLimiter
	Logger          *slog.Logger
}

// Server accepts MQTT over WebSocket binary frames and hands each
// connection to the dispatcher.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	port       comm.Listener
	logger     *slog.Logger
	http       *http.Server
	upgrader   websocket.Upgrader
}

// New creates a server upgrading requests on cfg.Path.
func New(cfg Config, d Dispatcher, port comm.Listener) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		port:       port,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Path, s.upgrade)
	s.http = &http.Server{Addr: cfg.Address, Handler: mux}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Listen serves until ctx is done. Upgraded connections are owned by the
// dispatcher and survive the HTTP shutdown.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket server starting",
		slog.String("addr", s.cfg.Address),
		slog.String("path", s.cfg.Path))

	served := make(chan error, 1)
	go func() { served <- s.http.ListenAndServe() }()

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
		s.logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("websocket server stopped")
	return nil
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	remote := remoteAddr(r.RemoteAddr)
	if s.cfg.RateLimiter != nil && !s.cfg.RateLimiter.Allow(remote) {
		s.logger.Warn("websocket connection rate limited", slog.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket connection accepted", slog.String("remote", r.RemoteAddr))

	ch := comm.NewPacketChannel(&streamConn{ws: ws, remote: remote}, comm.PacketChannelOptions{
		Logger:       s.logger,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	})
	// The request context ends with this handler; the worker outlives it.
	if err := s.dispatcher.StartHandler(context.WithoutCancel(r.Context()), ch, s.port); err != nil {
		s.logger.Error("failed to dispatch websocket connection", slog.String("error", err.Error()))
		ch.Close()
	}
}
