// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connector keeps an outbound protocol connection alive. Each
// attempt dials the peer, runs a fresh pipeline built by the protocol and,
// once the connection ends, waits before redialing.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/commcore/pipeline"
	"github.com/absmach/commcore/protocol"
	"github.com/sony/gobreaker"
)

const (
	defaultNetwork          = "tcp"
	defaultDialTimeout      = 5 * time.Second
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultMultiplier       = 2.0
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// ErrNoAddress is returned when no address is configured.
var ErrNoAddress = errors.New("connector address is required")

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds the connector configuration.
type Config struct {
	Name             string
	Network          string
	Address          string
	DialTimeout      time.Duration
	Backoff          Backoff
	FailureThreshold int
	ResetTimeout     time.Duration
	WriteTimeout     time.Duration
	Rand             *rand.Rand
	Dial             DialFunc
	Logger           *slog.Logger
}

// Connector dials a peer and runs a protocol pipeline on every connection.
type Connector struct {
	cfg      Config
	proto    protocol.Protocol
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	attempts atomic.Int64
	sessions atomic.Int64
}

// New creates a connector for proto.
func New(cfg Config, proto protocol.Protocol) (*Connector, error) {
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if cfg.Name == "" {
		cfg.Name = proto.Name() + "://" + cfg.Address
	}
	if cfg.Network == "" {
		cfg.Network = defaultNetwork
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = defaultInitialBackoff
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = defaultMaxBackoff
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = defaultMultiplier
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With(
		slog.String("connector", cfg.Name),
		slog.String("protocol", proto.Name()))

	c := &Connector{
		cfg:    cfg,
		proto:  proto,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("connector circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c, nil
}

// Attempts returns the number of dials made through the breaker.
func (c *Connector) Attempts() int {
	return int(c.attempts.Load())
}

// Sessions returns the number of connections that were established.
func (c *Connector) Sessions() int {
	return int(c.sessions.Load())
}

// State returns the circuit breaker state.
func (c *Connector) State() gobreaker.State {
	return c.breaker.State()
}

// Run dials and serves connections until ctx is done. It must not be
// called concurrently.
func (c *Connector) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		switch {
		case err == nil:
			attempt = 0
			c.serve(ctx, conn)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.logger.Debug("dial skipped, circuit open")
		default:
			c.logger.Warn("dial failed", slog.String("error", err.Error()))
		}

		attempt++
		delay := c.cfg.Backoff.Delay(attempt, c.cfg.Rand)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		c.attempts.Add(1)
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		return c.cfg.Dial(dctx, c.cfg.Network, c.cfg.Address)
	})
	if err != nil {
		return nil, err
	}
	return res.(net.Conn), nil
}

func (c *Connector) serve(ctx context.Context, conn net.Conn) {
	c.sessions.Add(1)
	logger := c.logger.With(slog.String("remote", conn.RemoteAddr().String()))

	pl := pipeline.New()
	if err := c.proto.SetupPipeline(pl); err != nil {
		logger.Error("failed to set up pipeline", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	ch := pipeline.NewChannel(conn, pl, pipeline.Options{
		Logger:       c.cfg.Logger,
		WriteTimeout: c.cfg.WriteTimeout,
	})
	logger.Info("connection established", slog.String("channel", ch.ID()))
	if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("connection ended with error", slog.String("error", err.Error()))
		return
	}
	logger.Info("connection closed")
}
