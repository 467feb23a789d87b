// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package comm defines the generic message path between connections and
// the operations that handle their messages.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownOperation is returned when no receiver handles an operation.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrDuplicateOperation is returned when an operation is registered twice.
	ErrDuplicateOperation = errors.New("operation already registered")

	// ErrUnexpectedPacket is returned when a peer sends a frame that is not
	// valid at that point of the exchange.
	ErrUnexpectedPacket = errors.New("unexpected packet")
)

// Message is one inbound application message.
type Message struct {
	ID        string
	Operation string
	Payload   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("message %s operation=%s payload=%d bytes", m.ID, m.Operation, len(m.Payload))
}

// Channel yields inbound messages from one connection.
type Channel interface {
	// Recv blocks until a message arrives, the peer goes away, or ctx is done.
	Recv(ctx context.Context) (*Message, error)

	// Close releases the connection.
	Close() error
}

// Listener is the entry point a connection was accepted on. It decides
// which operations may be invoked through it.
type Listener interface {
	Name() string
	CanHandle(operation string) bool
}

// Receiver handles the messages of one operation.
type Receiver interface {
	Receive(ctx context.Context, msg *Message) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, msg *Message) error

func (f ReceiverFunc) Receive(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Resolver maps an operation name to its receiver.
type Resolver interface {
	Resolve(operation string) (Receiver, error)
}

// Operations is a Resolver backed by a map.
type Operations struct {
	mu        sync.RWMutex
	receivers map[string]Receiver
}

// NewOperations returns an empty operation set.
func NewOperations() *Operations {
	return &Operations{receivers: make(map[string]Receiver)}
}

// Register binds r to operation.
func (o *Operations) Register(operation string, r Receiver) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.receivers[operation]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, operation)
	}
	o.receivers[operation] = r
	return nil
}

func (o *Operations) Resolve(operation string) (Receiver, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.receivers[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return r, nil
}

// Names returns the registered operation names, sorted.
func (o *Operations) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.receivers))
	for n := range o.receivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputPort is a Listener that admits a fixed set of operations.
// An empty set admits every operation.
type InputPort struct {
	name       string
	operations map[string]struct{}
}

// NewInputPort returns a port named name admitting operations.
func NewInputPort(name string, operations ...string) *InputPort {
	ops := make(map[string]struct{}, len(operations))
	for _, op := range operations {
		ops[op] = struct{}{}
	}
	return &InputPort{name: name, operations: ops}
}

func (p *InputPort) Name() string {
	return p.name
}

func (p *InputPort) CanHandle(operation string) bool {
	if len(p.operations) == 0 {
		return true
	}
	_, ok := p.operations[operation]
	return ok
}

type serialized struct {
	mu sync.Mutex
	r  Receiver
}

// Serialized wraps r so that at most one Receive call runs at a time.
func Serialized(r Receiver) Receiver {
	return &serialized{r: r}
}

func (s *serialized) Receive(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Receive(ctx, msg)
}
