// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "log/slog"

// Context is the handle a stage uses to interact with its pipeline.
// Its methods must only be called from the channel goroutine, that is,
// from inside stage callbacks or functions passed to Channel.Execute.
type Context struct {
	name     string
	stage    Stage
	pipeline *Pipeline
}

func (c *Context) Name() string {
	return c.name
}

func (c *Context) Stage() Stage {
	return c.stage
}

func (c *Context) Pipeline() *Pipeline {
	return c.pipeline
}

// Channel returns the bound channel, or nil before the pipeline is bound.
func (c *Context) Channel() *Channel {
	return c.pipeline.Channel()
}

// Logger returns the channel logger.
func (c *Context) Logger() *slog.Logger {
	if ch := c.Channel(); ch != nil {
		return ch.logger
	}
	return slog.Default()
}

// FireRead passes msg to the next inbound stage. Messages that reach the
// tail are dropped.
func (c *Context) FireRead(msg any) error {
	return c.pipeline.fireRead(c, msg)
}

// FireEvent passes ev to the next event stage.
func (c *Context) FireEvent(ev any) error {
	return c.pipeline.fireEvent(c, ev)
}

// Write sends msg through the outbound stages before this one and then to
// the connection. The write runs synchronously; the returned future is
// already complete.
func (c *Context) Write(msg any) *Future {
	f := newFuture()
	c.pipeline.write(c, msg, f)
	return f
}
