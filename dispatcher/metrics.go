// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/commcore/dispatcher"

// metrics holds the dispatcher instruments.
type metrics struct {
	workersLive     metric.Int64UpDownCounter
	workersStarted  metric.Int64Counter
	workersFailed   metric.Int64Counter
	messagesDropped metric.Int64Counter
	admissionWait   metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}

	var err error
	m.workersLive, err = meter.Int64UpDownCounter(
		"commcore.dispatcher.workers.live",
		metric.WithDescription("Number of running workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersLive gauge: %w", err)
	}

	m.workersStarted, err = meter.Int64Counter(
		"commcore.dispatcher.workers.started",
		metric.WithDescription("Total number of workers started"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersStarted counter: %w", err)
	}

	m.workersFailed, err = meter.Int64Counter(
		"commcore.dispatcher.workers.failed",
		metric.WithDescription("Total number of workers that ended with an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersFailed counter: %w", err)
	}

	m.messagesDropped, err = meter.Int64Counter(
		"commcore.dispatcher.messages.discarded",
		metric.WithDescription("Total number of messages discarded by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDropped counter: %w", err)
	}

	m.admissionWait, err = meter.Float64Histogram(
		"commcore.dispatcher.admission.wait",
		metric.WithDescription("Time spent waiting for a free worker slot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admissionWait histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordStart(kind string) {
	ctx := context.Background()
	m.workersStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.workersLive.Add(ctx, 1)
}

func (m *metrics) recordEnd() {
	m.workersLive.Add(context.Background(), -1)
}

func (m *metrics) recordFailure(reason string) {
	m.workersFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) recordDiscard(reason string) {
	m.messagesDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) recordWait(d time.Duration) {
	m.admissionWait.Record(context.Background(), d.Seconds())
}
