// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"log/slog"
	"time"
)

// IdleState identifies which kind of inactivity was detected.
type IdleState int

const (
	ReaderIdle IdleState = iota
	WriterIdle
	AllIdle
)

func (s IdleState) String() string {
	switch s {
	case ReaderIdle:
		return "READER_IDLE"
	case WriterIdle:
		return "WRITER_IDLE"
	case AllIdle:
		return "ALL_IDLE"
	default:
		return "UNKNOWN"
	}
}

// IdleEvent is fired to the next event stage when no read, no write, or
// neither has happened within the configured threshold. First is set for
// the first event since the last activity.
type IdleEvent struct {
	State IdleState
	First bool
}

// IdleStateStage detects connection inactivity. It observes messages that
// pass through it in both directions, so it only sees writes issued by
// stages after it or by Channel.WriteAndFlush.
type IdleStateStage struct {
	readerIdle time.Duration
	writerIdle time.Duration
	allIdle    time.Duration
	now        func() time.Time

	readMark, writeMark, allMark time.Time
	readFired, writeFired, allFired bool
	stop                            chan struct{}
}

// NewIdleState returns an idle detector. A zero threshold disables that
// kind of event.
func NewIdleState(readerIdle, writerIdle, allIdle time.Duration) *IdleStateStage {
	return &IdleStateStage{
		readerIdle: readerIdle,
		writerIdle: writerIdle,
		allIdle:    allIdle,
		now:        time.Now,
	}
}

func (s *IdleStateStage) Added(ctx *Context) {
	if ch := ctx.Channel(); ch != nil && ch.IsActive() {
		s.start(ctx)
	}
}

func (s *IdleStateStage) Active(ctx *Context) error {
	s.start(ctx)
	return nil
}

func (s *IdleStateStage) Inactive(ctx *Context) {
	s.halt()
}

func (s *IdleStateStage) Removed(ctx *Context) {
	s.halt()
}

func (s *IdleStateStage) Read(ctx *Context, msg any) error {
	now := s.now()
	s.readMark, s.allMark = now, now
	s.readFired, s.allFired = false, false
	return ctx.FireRead(msg)
}

func (s *IdleStateStage) Write(ctx *Context, msg any) (any, error) {
	now := s.now()
	s.writeMark, s.allMark = now, now
	s.writeFired, s.allFired = false, false
	return msg, nil
}

func (s *IdleStateStage) start(ctx *Context) {
	period := s.period()
	if s.stop != nil || period <= 0 {
		return
	}
	ch := ctx.Channel()
	if ch == nil {
		return
	}

	now := s.now()
	s.readMark, s.writeMark, s.allMark = now, now, now
	stop := make(chan struct{})
	s.stop = stop

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ch.Done():
				return
			case <-t.C:
				if err := ch.Execute(func() { s.check(ctx, stop) }); err != nil {
					return
				}
			}
		}
	}()
}

func (s *IdleStateStage) halt() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *IdleStateStage) check(ctx *Context, stop chan struct{}) {
	if s.stop != stop {
		return
	}
	now := s.now()
	if s.readerIdle > 0 && now.Sub(s.readMark) >= s.readerIdle {
		s.readMark = now
		s.fire(ctx, IdleEvent{State: ReaderIdle, First: !s.readFired})
		s.readFired = true
	}
	if s.writerIdle > 0 && now.Sub(s.writeMark) >= s.writerIdle {
		s.writeMark = now
		s.fire(ctx, IdleEvent{State: WriterIdle, First: !s.writeFired})
		s.writeFired = true
	}
	if s.allIdle > 0 && now.Sub(s.allMark) >= s.allIdle {
		s.allMark = now
		s.fire(ctx, IdleEvent{State: AllIdle, First: !s.allFired})
		s.allFired = true
	}
}

func (s *IdleStateStage) fire(ctx *Context, ev IdleEvent) {
	if err := ctx.FireEvent(ev); err != nil {
		ctx.Logger().Warn("idle event handling failed",
			slog.String("state", ev.State.String()),
			slog.String("error", err.Error()))
	}
}

// period is half of the smallest enabled threshold.
func (s *IdleStateStage) period() time.Duration {
	var shortest time.Duration
	for _, d := range []time.Duration{s.readerIdle, s.writerIdle, s.allIdle} {
		if d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	return shortest / 2
}
