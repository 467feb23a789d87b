// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the contract every wire protocol adapter
// satisfies and a registry to create adapters by name.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/commcore/pipeline"
)

// ParamConcurrent is the boolean parameter that controls IsThreadSafe.
const ParamConcurrent = "concurrent"

var (
	// ErrUnknownProtocol is returned when no factory is registered for a name.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrDuplicateProtocol is returned when a name is registered twice.
	ErrDuplicateProtocol = errors.New("protocol already registered")

	// ErrUnknownRole is returned when a role name cannot be parsed.
	ErrUnknownRole = errors.New("unknown role")
)

// Protocol is a wire protocol adapter.
type Protocol interface {
	// SetupPipeline installs the protocol stages, in order, on p.
	SetupPipeline(p *pipeline.Pipeline) error

	// Name returns the stable protocol identifier.
	Name() string

	// IsThreadSafe reports whether the adapter may be used by several
	// workers concurrently.
	IsThreadSafe() bool

	// Parameters returns the adapter configuration.
	Parameters() Parameters
}

// Role tells whether an adapter receives messages for the runtime
// (input, a subscriber) or sends them on its behalf (output, a publisher).
type Role int

const (
	RoleInput Role = iota
	RoleOutput
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses "input" or "output".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "in", "subscriber":
		return RoleInput, nil
	case "output", "out", "publisher":
		return RoleOutput, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Config is passed to a Factory.
type Config struct {
	Role       Role
	Parameters Parameters
	Logger     *slog.Logger
}

// Factory creates a protocol adapter.
type Factory func(Config) (Protocol, error)

// Registry maps protocol names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocol, name)
	}
	r.factories[name] = f
	return nil
}

// New creates an adapter using the factory registered for name.
func (r *Registry) New(name string, cfg Config) (Protocol, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parameters == nil {
		cfg.Parameters = Parameters{}
	}
	return f(cfg)
}

// Names returns the registered protocol names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
