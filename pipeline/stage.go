// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

// Stage is a named processing step of a pipeline. A stage takes part in
// the events of every capability interface below that it implements.
type Stage any

// InboundStage handles messages read from the connection. Read is called
// with messages produced by the previous inbound stage; the stage passes
// results on with ctx.FireRead. A returned error closes the channel.
type InboundStage interface {
	Read(ctx *Context, msg any) error
}

// OutboundStage transforms messages written toward the connection. The
// returned message is passed to the next outbound stage closer to the head;
// a nil message stops the write without error.
type OutboundStage interface {
	Write(ctx *Context, msg any) (any, error)
}

// ActiveStage is notified once the channel becomes active.
type ActiveStage interface {
	Active(ctx *Context) error
}

// InactiveStage is notified once the channel is closed.
type InactiveStage interface {
	Inactive(ctx *Context)
}

// EventStage handles user events such as IdleEvent. Events are passed on
// explicitly with ctx.FireEvent.
type EventStage interface {
	Event(ctx *Context, ev any) error
}

// AddedStage is notified when the stage is added to a pipeline.
type AddedStage interface {
	Added(ctx *Context)
}

// RemovedStage is notified when the stage is removed from a pipeline.
type RemovedStage interface {
	Removed(ctx *Context)
}
