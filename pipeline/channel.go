// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 4096

// Options configure a Channel.
type Options struct {
	Logger       *slog.Logger
	BufferSize   int
	WriteTimeout time.Duration
}

// Channel binds a connection to a pipeline. One goroutine executes every
// read, event and write of the channel in submission order.
type Channel struct {
	id           string
	conn         net.Conn
	pipeline     *Pipeline
	logger       *slog.Logger
	bufferSize   int
	writeTimeout time.Duration

	mu        sync.Mutex
	tasks     []func()
	wake      chan struct{}
	started   bool
	active    bool
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel binds p to conn. The channel does nothing until Run is called.
func NewChannel(conn net.Conn, p *Pipeline, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	id := uuid.NewString()
	ch := &Channel{
		id:           id,
		conn:         conn,
		pipeline:     p,
		logger:       opts.Logger.With(slog.String("channel", id)),
		bufferSize:   opts.BufferSize,
		writeTimeout: opts.WriteTimeout,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	p.bind(ch)
	return ch
}

func (ch *Channel) ID() string {
	return ch.id
}

func (ch *Channel) Pipeline() *Pipeline {
	return ch.pipeline
}

func (ch *Channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

// IsActive reports whether the channel is running and not closed.
func (ch *Channel) IsActive() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.active
}

// IsWritable reports whether writes may currently be issued.
// Writes are not buffered, so a channel is writable while it is active.
func (ch *Channel) IsWritable() bool {
	return ch.IsActive()
}

// Done is closed once the channel goroutine has exited.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Run activates the channel and processes the connection until it is
// closed or ctx is done. A peer closing the connection is not an error.
func (ch *Channel) Run(ctx context.Context) error {
	ch.mu.Lock()
	if ch.started || ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	ch.started = true
	ch.active = true
	ch.mu.Unlock()

	go ch.loop()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	ch.execute(func() {
		if err := ch.pipeline.fireActive(); err != nil {
			ch.logger.Error("channel activation failed", slog.String("error", err.Error()))
			ch.Close()
		}
	})

	err := ch.readLoop()
	ch.Close()
	<-ch.done

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close closes the connection. Inactive stages are notified on the channel
// goroutine after all previously submitted work.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		started := ch.started
		ch.active = false
		if started {
			ch.tasks = append(ch.tasks, ch.pipeline.fireInactive)
		}
		ch.closed = true
		ch.mu.Unlock()

		ch.signal()
		err = ch.conn.Close()
		if !started {
			close(ch.done)
		}
	})
	return err
}

// Execute runs fn on the channel goroutine.
func (ch *Channel) Execute(fn func()) error {
	if !ch.execute(fn) {
		return ErrChannelClosed
	}
	return nil
}

// WriteAndFlush passes msg through every outbound stage, tail to head, and
// writes the result to the connection. It never blocks; the returned future
// completes once the write is done.
func (ch *Channel) WriteAndFlush(msg any) *Future {
	f := newFuture()
	if !ch.execute(func() { ch.pipeline.write(nil, msg, f) }) {
		return failedFuture(ErrChannelClosed)
	}
	return f
}

// FireEvent passes ev to the first event stage.
func (ch *Channel) FireEvent(ev any) error {
	return ch.Execute(func() {
		if err := ch.pipeline.fireEvent(nil, ev); err != nil {
			ch.logger.Warn("event handling failed", slog.String("error", err.Error()))
		}
	})
}

func (ch *Channel) execute(fn func()) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.tasks = append(ch.tasks, fn)
	ch.mu.Unlock()
	ch.signal()
	return true
}

func (ch *Channel) signal() {
	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

func (ch *Channel) loop() {
	defer close(ch.done)
	for {
		ch.mu.Lock()
		for len(ch.tasks) == 0 {
			if ch.closed {
				ch.mu.Unlock()
				return
			}
			ch.mu.Unlock()
			<-ch.wake
			ch.mu.Lock()
		}
		task := ch.tasks[0]
		ch.tasks[0] = nil
		ch.tasks = ch.tasks[1:]
		ch.mu.Unlock()

		task()
	}
}

func (ch *Channel) readLoop() error {
	buf := make([]byte, ch.bufferSize)
	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			processed := make(chan struct{})
			ok := ch.execute(func() {
				defer close(processed)
				if err := ch.pipeline.fireRead(nil, data); err != nil {
					ch.logger.Error("inbound processing failed", slog.String("error", err.Error()))
					ch.Close()
				}
			})
			if !ok {
				return nil
			}
			<-processed
		}
		if err != nil {
			return err
		}
	}
}

func (ch *Channel) writeBytes(b []byte) error {
	if ch.writeTimeout > 0 {
		if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := ch.conn.Write(b)
	return err
}
