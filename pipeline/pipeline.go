// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements ordered, named processing stages bound to a
// network connection. All events of one channel run on a single goroutine,
// so a stage is never entered concurrently for the same connection.
package pipeline

import (
	"fmt"
	"sync"
)

// Pipeline is an ordered list of named stages. Inbound messages travel
// from the head to the tail; outbound writes travel toward the head and
// leave the head as bytes written to the connection.
type Pipeline struct {
	mu      sync.RWMutex
	stages  []*Context
	channel *Channel
}

// New returns an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// AddLast appends a stage at the tail of the pipeline.
func (p *Pipeline) AddLast(name string, st Stage) error {
	p.mu.Lock()
	if p.indexOf(name) >= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	c := &Context{name: name, stage: st, pipeline: p}
	p.stages = append(p.stages, c)
	p.mu.Unlock()

	if a, ok := st.(AddedStage); ok {
		a.Added(c)
	}
	return nil
}

// AddBefore inserts a stage immediately before the stage named base.
func (p *Pipeline) AddBefore(base, name string, st Stage) error {
	p.mu.Lock()
	if p.indexOf(name) >= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	i := p.indexOf(base)
	if i < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStageNotFound, base)
	}
	c := &Context{name: name, stage: st, pipeline: p}
	p.stages = append(p.stages, nil)
	copy(p.stages[i+1:], p.stages[i:])
	p.stages[i] = c
	p.mu.Unlock()

	if a, ok := st.(AddedStage); ok {
		a.Added(c)
	}
	return nil
}

// Remove removes the named stage and returns it.
func (p *Pipeline) Remove(name string) (Stage, error) {
	p.mu.Lock()
	i := p.indexOf(name)
	if i < 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	c := p.stages[i]
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	p.mu.Unlock()

	if r, ok := c.stage.(RemovedStage); ok {
		r.Removed(c)
	}
	return c.stage, nil
}

// Get returns the named stage, or nil if there is none.
func (p *Pipeline) Get(name string) Stage {
	if c := p.Context(name); c != nil {
		return c.stage
	}
	return nil
}

// Context returns the context of the named stage, or nil if there is none.
func (p *Pipeline) Context(name string) *Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i := p.indexOf(name); i >= 0 {
		return p.stages[i]
	}
	return nil
}

// Names returns stage names from head to tail.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.stages))
	for i, c := range p.stages {
		names[i] = c.name
	}
	return names
}

// Channel returns the channel the pipeline is bound to, if any.
func (p *Pipeline) Channel() *Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channel
}

func (p *Pipeline) bind(ch *Channel) {
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
}

func (p *Pipeline) indexOf(name string) int {
	for i, c := range p.stages {
		if c.name == name {
			return i
		}
	}
	return -1
}

func (p *Pipeline) position(c *Context) int {
	for i, s := range p.stages {
		if s == c {
			return i
		}
	}
	return -1
}

// next returns the first matching context after c, starting at the head
// when c is nil.
func (p *Pipeline) next(c *Context, match func(Stage) bool) *Context {
	p.mu.RLock()
	defer p.mu.RUnlock()

	start := 0
	if c != nil {
		i := p.position(c)
		if i < 0 {
			return nil
		}
		start = i + 1
	}
	for _, s := range p.stages[start:] {
		if match(s.stage) {
			return s
		}
	}
	return nil
}

// prev returns the first matching context before c, starting at the tail
// when c is nil.
func (p *Pipeline) prev(c *Context, match func(Stage) bool) *Context {
	p.mu.RLock()
	defer p.mu.RUnlock()

	end := len(p.stages)
	if c != nil {
		end = p.position(c)
		if end < 0 {
			return nil
		}
	}
	for i := end - 1; i >= 0; i-- {
		if match(p.stages[i].stage) {
			return p.stages[i]
		}
	}
	return nil
}

func (p *Pipeline) snapshot() []*Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Context(nil), p.stages...)
}

func (p *Pipeline) fireRead(from *Context, msg any) error {
	c := p.next(from, isInbound)
	if c == nil {
		return nil
	}
	return c.stage.(InboundStage).Read(c, msg)
}

func (p *Pipeline) fireEvent(from *Context, ev any) error {
	c := p.next(from, isEvent)
	if c == nil {
		return nil
	}
	return c.stage.(EventStage).Event(c, ev)
}

func (p *Pipeline) fireActive() error {
	for _, c := range p.snapshot() {
		if a, ok := c.stage.(ActiveStage); ok {
			if err := a.Active(c); err != nil {
				return fmt.Errorf("stage %s: %w", c.name, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) fireInactive() {
	for _, c := range p.snapshot() {
		if a, ok := c.stage.(InactiveStage); ok {
			a.Inactive(c)
		}
	}
}

func (p *Pipeline) write(from *Context, msg any, f *Future) {
	for c := p.prev(from, isOutbound); c != nil; c = p.prev(c, isOutbound) {
		out, err := c.stage.(OutboundStage).Write(c, msg)
		if err != nil {
			f.complete(fmt.Errorf("stage %s: %w", c.name, err))
			return
		}
		if out == nil {
			f.complete(nil)
			return
		}
		msg = out
	}

	ch := p.Channel()
	if ch == nil {
		f.complete(ErrNotBound)
		return
	}
	b, ok := msg.([]byte)
	if !ok {
		f.complete(fmt.Errorf("%w: %T", ErrUnencodedMessage, msg))
		return
	}
	f.complete(ch.writeBytes(b))
}

func isInbound(s Stage) bool {
	_, ok := s.(InboundStage)
	return ok
}

func isOutbound(s Stage) bool {
	_, ok := s.(OutboundStage)
	return ok
}

func isEvent(s Stage) bool {
	_, ok := s.(EventStage)
	return ok
}
