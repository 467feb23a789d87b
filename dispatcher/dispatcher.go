// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher turns accepted connections into workers while
// bounding how many run at once. Callers that find every slot taken are
// blocked and admitted in arrival order as workers finish.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/commcore/comm"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultCeiling is the default number of concurrent workers.
const DefaultCeiling = 50

var (
	// ErrClosed is returned when work is submitted to a closed dispatcher.
	ErrClosed = errors.New("dispatcher closed")

	// ErrInvalidCeiling is returned for a negative ceiling.
	ErrInvalidCeiling = errors.New("ceiling must be positive")
)

// Config holds the dispatcher configuration.
type Config struct {
	Ceiling        int
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Status is a snapshot of the dispatcher state.
type Status struct {
	Live    int  `json:"live"`
	Ceiling int  `json:"ceiling"`
	Closed  bool `json:"closed"`
}

// Dispatcher runs one worker per accepted connection, at most Ceiling at a time.
type Dispatcher struct {
	cfg      Config
	logger   *slog.Logger
	resolver comm.Resolver
	sem      *semaphore.Weighted
	metrics  *metrics
	tracer   trace.Tracer
	live     atomic.Int64
	wg       sync.WaitGroup

	// admission is cancelled on Close; workers is cancelled when Close
	// gives up waiting.
	admission     context.Context
	stopAdmission context.CancelFunc
	workers       context.Context
	stopWorkers   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates a dispatcher resolving operations with resolver.
func New(cfg Config, resolver comm.Resolver) (*Dispatcher, error) {
	if cfg.Ceiling < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCeiling, cfg.Ceiling)
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	m, err := newMetrics(cfg.MeterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		resolver: resolver,
		sem:      semaphore.NewWeighted(int64(cfg.Ceiling)),
		metrics:  m,
		tracer:   cfg.TracerProvider.Tracer(instrumentationName),
	}
	d.admission, d.stopAdmission = context.WithCancel(context.Background())
	d.workers, d.stopWorkers = context.WithCancel(context.Background())
	return d, nil
}

// Ceiling returns the maximum number of concurrent workers.
func (d *Dispatcher) Ceiling() int {
	return d.cfg.Ceiling
}

// Live returns the number of running workers.
func (d *Dispatcher) Live() int {
	return int(d.live.Load())
}

// Status returns a snapshot of the dispatcher state.
func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	return Status{Live: d.Live(), Ceiling: d.cfg.Ceiling, Closed: closed}
}

// StartHandler blocks until a worker slot is free, then starts a worker that
// receives exactly one message from ch, hands it to the receiver of its
// operation, and closes ch. It returns ErrClosed once the dispatcher is
// closed and ctx.Err() if ctx is done first. On error ch is left open.
func (d *Dispatcher) StartHandler(ctx context.Context, ch comm.Channel, l comm.Listener) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	id := uuid.NewString()
	d.spawn("handler", func(wctx context.Context) {
		d.handle(wctx, id, ch, l)
	})
	return nil
}

// Go runs fn under the same admission as connection workers. It is meant
// for long-lived protocol tasks such as outbound connections.
func (d *Dispatcher) Go(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	d.spawn("task", func(wctx context.Context) {
		logger := d.logger.With(slog.String("task", name))
		logger.Debug("task started")
		if err := fn(wctx); err != nil && !errors.Is(err, context.Canceled) {
			d.metrics.recordFailure("task")
			logger.Error("task failed", slog.String("error", err.Error()))
			return
		}
		logger.Debug("task finished")
	})
	return nil
}

// Close stops admitting work and waits for running workers. If ctx is done
// first, workers are cancelled and Close still waits for them to return.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stopAdmission()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stopWorkers()
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher close timed out, cancelling workers", slog.Int("live", d.Live()))
		d.stopWorkers()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.admission, cancel)
	defer stop()

	start := time.Now()
	if err := d.sem.Acquire(actx, 1); err != nil {
		d.wg.Done()
		if d.admission.Err() != nil {
			return ErrClosed
		}
		return ctx.Err()
	}
	d.metrics.recordWait(time.Since(start))

	if d.admission.Err() != nil {
		d.sem.Release(1)
		d.wg.Done()
		return ErrClosed
	}
	return nil
}

func (d *Dispatcher) spawn(kind string, fn func(context.Context)) {
	d.live.Add(1)
	d.metrics.recordStart(kind)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.metrics.recordFailure("panic")
				d.logger.Error("worker panicked", slog.Any("panic", r))
			}
			d.live.Add(-1)
			d.metrics.recordEnd()
			d.sem.Release(1)
			d.wg.Done()
		}()
		fn(d.workers)
	}()
}

func (d *Dispatcher) handle(ctx context.Context, id string, ch comm.Channel, l comm.Listener) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.worker", trace.WithAttributes(
		attribute.String("worker.id", id),
		attribute.String("listener", l.Name()),
	))
	defer span.End()
	defer ch.Close()

	logger := d.logger.With(slog.String("worker", id), slog.String("listener", l.Name()))

	msg, err := ch.Recv(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("channel closed before a message arrived")
			return
		}
		d.metrics.recordFailure("transport")
		span.RecordError(err)
		span.SetStatus(codes.Error, "receive failed")
		logger.Error("failed to receive message", slog.String("error", err.Error()))
		return
	}
	span.SetAttributes(attribute.String("operation", msg.Operation))

	if !l.CanHandle(msg.Operation) {
		d.metrics.recordDiscard("not_permitted")
		logger.Warn("operation not handled by listener, message discarded",
			slog.String("operation", msg.Operation))
		return
	}

	r, err := d.resolver.Resolve(msg.Operation)
	if err != nil {
		d.metrics.recordDiscard("unresolved")
		logger.Warn("unresolved operation, message discarded",
			slog.String("operation", msg.Operation),
			slog.String("error", err.Error()))
		return
	}

	if err := r.Receive(ctx, msg); err != nil {
		d.metrics.recordFailure("receiver")
		span.RecordError(err)
		span.SetStatus(codes.Error, "receiver failed")
		logger.Error("receiver failed",
			slog.String("operation", msg.Operation),
			slog.String("error", err.Error()))
		return
	}
	logger.Debug("message handled", slog.String("operation", msg.Operation))
}
