// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/commcore/comm"
	"github.com/absmach/commcore/config"
	"github.com/absmach/commcore/connector"
	"github.com/absmach/commcore/mqtt"
	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/protocol"
	"github.com/google/uuid"
)

// Dispatcher admits workers for messages and long-lived port tasks.
type Dispatcher interface {
	StartHandler(ctx context.Context, ch comm.Channel, l comm.Listener) error
}

// newProtocols creates one adapter per configured port.
func newProtocols(ports []config.PortConfig, reg *protocol.Registry, logger *slog.Logger) (map[string]protocol.Protocol, error) {
	protos := make(map[string]protocol.Protocol, len(ports))
	for _, pc := range ports {
		role, err := protocol.ParseRole(pc.Role)
		if err != nil {
			closeProtocols(protos, logger)
			return nil, err
		}
		p, err := reg.New(pc.Protocol, protocol.Config{
			Role:       role,
			Parameters: pc.ProtocolParameters(),
			Logger:     logger.With(slog.String("port", pc.Name)),
		})
		if err != nil {
			closeProtocols(protos, logger)
			return nil, fmt.Errorf("port %s: %w", pc.Name, err)
		}
		protos[pc.Name] = p
	}
	return protos, nil
}

func closeProtocols(protos map[string]protocol.Protocol, logger *slog.Logger) {
	for name, p := range protos {
		c, ok := p.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Error("failed to close port", slog.String("port", name), slog.String("error", err.Error()))
		}
	}
}

// newOperations registers one receiver per configured operation.
// Forwarding operations publish through their output port; the others
// log what they receive.
func newOperations(ops []config.OperationConfig, protos map[string]protocol.Protocol, logger *slog.Logger) (*comm.Operations, error) {
	operations := comm.NewOperations()
	for _, oc := range ops {
		var r comm.Receiver
		switch oc.Forward {
		case "":
			r = logReceiver(logger.With(slog.String("operation", oc.Name)))
		default:
			p, ok := protos[oc.Forward]
			if !ok {
				return nil, fmt.Errorf("operation %s: unknown port %s", oc.Name, oc.Forward)
			}
			fr, ok := p.(comm.Receiver)
			if !ok {
				return nil, fmt.Errorf("operation %s: port %s cannot send messages", oc.Name, oc.Forward)
			}
			if !p.IsThreadSafe() {
				fr = comm.Serialized(fr)
			}
			r = fr
		}
		if err := operations.Register(oc.Name, r); err != nil {
			return nil, err
		}
	}
	return operations, nil
}

func logReceiver(logger *slog.Logger) comm.Receiver {
	return comm.ReceiverFunc(func(ctx context.Context, msg *comm.Message) error {
		logger.Info("message received",
			slog.String("id", msg.ID),
			slog.Int("bytes", len(msg.Payload)))
		return nil
	})
}

var errCannotSubscribe = errors.New("protocol cannot subscribe")

// subscribe registers the topics of an input port. Every delivered
// PUBLISH becomes one dispatcher worker serving the operation named by
// its topic. Deliveries are handed to the dispatcher in arrival order by
// a goroutine that runs until ctx is done, so a full dispatcher never
// stalls the port's connection.
func subscribe(ctx context.Context, pc config.PortConfig, p protocol.Protocol, d Dispatcher, logger *slog.Logger) error {
	mp, ok := p.(*mqtt.Protocol)
	if !ok {
		return fmt.Errorf("port %s: %w", pc.Name, errCannotSubscribe)
	}

	port := comm.NewInputPort(pc.Name, pc.Topics...)
	logger = logger.With(slog.String("port", pc.Name))
	q := newDeliveries()
	handler := func(topic string, payload []byte) {
		q.push(&comm.Message{
			ID:        uuid.NewString(),
			Operation: topic,
			Payload:   bytes.Clone(payload),
		})
	}

	topics := make([]packets.Topic, 0, len(pc.Topics))
	for _, t := range pc.Topics {
		topics = append(topics, packets.Topic{Name: t, QoS: packets.AtLeastOnce})
	}
	if _, err := mp.BuildSubscription(topics, handler); err != nil {
		return err
	}
	go q.run(ctx, d, port, logger)
	return nil
}

// deliveries is an unbounded FIFO of messages received on an input port.
type deliveries struct {
	mu    sync.Mutex
	queue []*comm.Message
	wake  chan struct{}
}

func newDeliveries() *deliveries {
	return &deliveries{wake: make(chan struct{}, 1)}
}

func (q *deliveries) push(msg *comm.Message) {
	q.mu.Lock()
	q.queue = append(q.queue, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveries) pop() (*comm.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, false
	}
	msg := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return msg, true
}

// run starts one worker per queued message, waiting for a dispatcher slot
// each time.
func (q *deliveries) run(ctx context.Context, d Dispatcher, l comm.Listener, logger *slog.Logger) {
	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if err := d.StartHandler(ctx, comm.NewMessageChannel(msg), l); err != nil {
			logger.Warn("failed to dispatch message",
				slog.String("topic", msg.Operation),
				slog.String("error", err.Error()))
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func connectorConfig(pc config.PortConfig, logger *slog.Logger) connector.Config {
	rc := pc.Reconnect
	return connector.Config{
		Name:        pc.Name,
		Address:     pc.Address,
		DialTimeout: rc.DialTimeout,
		Backoff: connector.Backoff{
			Initial:    rc.InitialBackoff,
			Max:        rc.MaxBackoff,
			Multiplier: rc.Multiplier,
			Jitter:     rc.Jitter,
		},
		FailureThreshold: rc.FailureThreshold,
		ResetTimeout:     rc.ResetTimeout,
		Logger:           logger,
	}
}
