// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp accepts plain and TLS connections and hands each one to
// the dispatcher as a packet channel.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/commcore/comm"
	"github.com/absmach/commcore/dispatcher"
)

// Dispatcher starts a worker for an accepted connection.
type Dispatcher interface {
	StartHandler(ctx context.Context, ch comm.Channel, l comm.Listener) error
}

// RateLimiter decides whether a connection from addr is admitted.
type RateLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address        string
	TLSConfig      *tls.Config
	Logger         *slog.Logger
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TCPKeepAlive   time.Duration
	BufferSize     int
	DisableNoDelay bool
	RateLimiter    RateLimiter
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = 8192
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = 15 * time.Second
	}
}

// Server accepts TCP connections and hands each one to the dispatcher.
// While the dispatcher is at its ceiling the accept loop blocks and new
// connections wait in the kernel backlog.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	port       comm.Listener
	logger     *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New creates a TCP server serving the operations of port.
func New(cfg Config, d Dispatcher, port comm.Listener) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		port:       port,
		logger:     cfg.Logger,
	}
}

// Listen binds the configured address and serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.logger.Info("TCP server started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLSConfig != nil))
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln.
// Running workers belong to the dispatcher and are not waited for.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	s.logger.Info("closing TCP listener")
	err := ln.Close()
	<-done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
			return
		default:
			s.logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		conn, ok := s.prepare(conn)
		if !ok {
			continue
		}
		if !s.admit(ctx, conn) {
			return
		}
	}
}

// prepare applies the rate limit and socket options, then wraps conn in
// TLS when configured.
func (s *Server) prepare(conn net.Conn) (net.Conn, bool) {
	remote := conn.RemoteAddr()
	if s.cfg.RateLimiter != nil && !s.cfg.RateLimiter.Allow(remote) {
		s.logger.Warn("connection rate limited", slog.String("remote", remote.String()))
		conn.Close()
		return nil, false
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := s.tune(tc); err != nil {
			s.logger.Error("failed to configure TCP connection", slog.String("error", err.Error()))
			conn.Close()
			return nil, false
		}
	}
	if s.cfg.TLSConfig != nil {
		conn = tls.Server(conn, s.cfg.TLSConfig)
	}
	return conn, true
}

func (s *Server) tune(conn *net.TCPConn) error {
	if s.cfg.TCPKeepAlive > 0 {
		if err := conn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.cfg.TCPKeepAlive,
			Interval: s.cfg.TCPKeepAlive,
		}); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
	}
	if !s.cfg.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return nil
}

// admit blocks until the dispatcher takes conn. It reports whether the
// accept loop should go on.
func (s *Server) admit(ctx context.Context, conn net.Conn) bool {
	ch := comm.NewPacketChannel(conn, comm.PacketChannelOptions{
		Logger:       s.logger,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BufferSize:   s.cfg.BufferSize,
	})
	s.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("channel", ch.ID()))

	err := s.dispatcher.StartHandler(ctx, ch, s.port)
	if err == nil {
		return true
	}
	ch.Close()
	if errors.Is(err, dispatcher.ErrClosed) || ctx.Err() != nil {
		return false
	}
	s.logger.Error("failed to dispatch connection", slog.String("error", err.Error()))
	return true
}

// Addr returns the listener's address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
