// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles inbound connections per remote host and
// delivered messages per operation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/absmach/commcore/comm"
)

// ErrRateLimited is returned when an operation exceeds its message rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Operation  OperationConfig  `yaml:"operation"`
}

// ConnectionConfig limits connection attempts per remote host.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// OperationConfig limits messages handed to each operation.
type OperationConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // per second
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns the default configuration. Limiting is disabled.
func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Operation: OperationConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager owns the connection and operation limiters. A nil limiter
// admits everything.
type Manager struct {
	hosts *Limiter
	ops   *Limiter
}

// NewManager creates the limiters enabled in cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if c := cfg.Connection; c.Enabled {
		idle := c.CleanupInterval
		if idle <= 0 {
			idle = 5 * time.Minute
		}
		m.hosts = NewLimiter(c.Rate, c.Burst, idle)
	}
	if o := cfg.Operation; o.Enabled {
		// Operations are configured up front so their buckets never expire.
		m.ops = NewLimiter(o.Rate, o.Burst, 0)
	}
	return m
}

// Allow reports whether a new connection from addr is admitted. It
// satisfies the RateLimiter of the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m.hosts == nil {
		return true
	}
	h := host(addr)
	return h == "" || m.hosts.Allow(h)
}

// AllowOperation reports whether a message for operation is admitted.
func (m *Manager) AllowOperation(operation string) bool {
	return m.ops == nil || m.ops.Allow(operation)
}

// Resolver wraps r so that resolved receivers reject messages over the
// operation rate with ErrRateLimited.
func (m *Manager) Resolver(r comm.Resolver) comm.Resolver {
	if m.ops == nil {
		return r
	}
	return limitedResolver{next: r, m: m}
}

// Stop stops background eviction.
func (m *Manager) Stop() {
	for _, l := range []*Limiter{m.hosts, m.ops} {
		if l != nil {
			l.Stop()
		}
	}
}

type limitedResolver struct {
	next comm.Resolver
	m    *Manager
}

func (r limitedResolver) Resolve(operation string) (comm.Receiver, error) {
	recv, err := r.next.Resolve(operation)
	if err != nil {
		return nil, err
	}
	return comm.ReceiverFunc(func(ctx context.Context, msg *comm.Message) error {
		if !r.m.AllowOperation(msg.Operation) {
			return fmt.Errorf("%w: %s", ErrRateLimited, msg.Operation)
		}
		return recv.Receive(ctx, msg)
	}), nil
}

// host returns the IP part of addr, or "" when there is none.
func host(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return h
}
