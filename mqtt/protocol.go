// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the MQTT 3.1.1 client side protocol adapter.
// An adapter in the input role subscribes to topics and hands received
// payloads to handlers; an adapter in the output role publishes. Frames
// built before the broker accepted the connection are queued and flushed
// once the handshake completes.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/commcore/comm"
	"github.com/absmach/commcore/mqtt/outbox"
	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/pipeline"
	"github.com/absmach/commcore/protocol"
)

// Name is the protocol identifier.
const Name = "mqtt"

// Pipeline stage names.
const (
	DecoderStageName   = "Decoder"
	EncoderStageName   = "Encoder"
	HandlerStageName   = "PublishSubscribe"
	PingStageName      = "Ping"
	IdleStateStageName = "IdleState"
)

const (
	defaultClientIDPrefix = "commcore/"
	defaultKeepAlive      = 2 * time.Second
	defaultLiveness       = time.Second
	maxKeepAlive          = 65535 * time.Second
)

var (
	_ protocol.Protocol = (*Protocol)(nil)
	_ comm.Receiver     = (*Protocol)(nil)
)

// Options configure a Protocol.
type Options struct {
	Role           protocol.Role
	ClientIDPrefix string
	Username       string
	Password       string
	WillTopic      string
	WillMessage    string
	KeepAlive      time.Duration
	// Liveness is the idle threshold that triggers pings once a
	// subscriber is connected.
	Liveness      time.Duration
	MaxPacketSize int
	Parameters    protocol.Parameters
	// Rand is the source of client and packet identifiers.
	Rand                 *rand.Rand
	PendingPublishes     outbox.Queue
	PendingSubscriptions outbox.Queue
	Logger               *slog.Logger

	// closers are released by Close.
	closers []io.Closer
}

// Protocol is the MQTT adapter. It holds the state shared by every
// connection it is used on: credentials, pending frames, readiness flags
// and subscriptions.
type Protocol struct {
	opts     Options
	logger   *slog.Logger
	ids      *idGenerator
	clientID string
	subs     *Subscriptions

	mu             sync.Mutex
	publishReady   bool
	subscribeReady bool
	connected      *pipeline.Channel
	pendingPub     outbox.Queue
	pendingSub     outbox.Queue
	inflight       map[uint16]*packets.Publish
	inflightOrder  []uint16
	used           map[uint16]struct{}
	closed         bool

	// SUBSCRIBE frames written on an earlier connection, sent again when
	// the broker kept no session. Guarded separately since write listeners
	// may run while mu is held.
	sentMu sync.Mutex
	sent   []*packets.Subscribe
}

// New returns an adapter. Queues default to in-memory ones.
func New(opts Options) (*Protocol, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = defaultClientIDPrefix
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.Liveness <= 0 {
		opts.Liveness = defaultLiveness
	}
	if opts.Parameters == nil {
		opts.Parameters = protocol.Parameters{}
	}
	if opts.PendingPublishes == nil {
		opts.PendingPublishes = outbox.NewMemory()
	}
	if opts.PendingSubscriptions == nil {
		opts.PendingSubscriptions = outbox.NewMemory()
	}

	ids := newIDGenerator(opts.Rand)
	clientID := opts.ClientIDPrefix + strconv.Itoa(ids.intn(maxPacketID+1))
	p := &Protocol{
		opts:       opts,
		ids:        ids,
		clientID:   clientID,
		subs:       NewSubscriptions(),
		pendingPub: opts.PendingPublishes,
		pendingSub: opts.PendingSubscriptions,
		inflight:   make(map[uint16]*packets.Publish),
		used:       make(map[uint16]struct{}),
		logger: opts.Logger.With(
			slog.String("protocol", Name),
			slog.String("client_id", clientID),
			slog.String("role", opts.Role.String())),
	}

	// Publishes left in a durable queue keep their identifiers.
	err := p.pendingPub.Each(func(pkt packets.ControlPacket) error {
		if pub, ok := pkt.(*packets.Publish); ok {
			p.used[pub.ID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Protocol) Name() string {
	return Name
}

// IsThreadSafe reports the "concurrent" parameter.
func (p *Protocol) IsThreadSafe() bool {
	return p.opts.Parameters.Bool(protocol.ParamConcurrent)
}

func (p *Protocol) Parameters() protocol.Parameters {
	return p.opts.Parameters
}

func (p *Protocol) Role() protocol.Role {
	return p.opts.Role
}

func (p *Protocol) ClientID() string {
	return p.clientID
}

// Subscriptions returns the topic handler registry.
func (p *Protocol) Subscriptions() *Subscriptions {
	return p.subs
}

// SetupPipeline installs the decoder, the encoder, the frame handler and
// the ping stage, in that order.
func (p *Protocol) SetupPipeline(pl *pipeline.Pipeline) error {
	stages := []struct {
		name  string
		stage pipeline.Stage
	}{
		{DecoderStageName, newDecoder(p.opts.MaxPacketSize)},
		{EncoderStageName, encoder{}},
		{HandlerStageName, newFrameHandler(p)},
		{PingStageName, &PingStage{}},
	}
	for _, s := range stages {
		if err := pl.AddLast(s.name, s.stage); err != nil {
			return err
		}
	}
	return nil
}

// ConnectedChannel returns the channel the broker accepted, or nil.
func (p *Protocol) ConnectedChannel() *pipeline.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PendingPublications returns the number of queued publishes.
func (p *Protocol) PendingPublications() int {
	return p.pendingPub.Len()
}

// PendingSubscriptions returns the number of queued subscriptions.
func (p *Protocol) PendingSubscriptions() int {
	return p.pendingSub.Len()
}

// InFlight returns the number of publishes written and not yet acknowledged.
func (p *Protocol) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Protocol) buildConnect() *packets.Connect {
	return &packets.Connect{
		FixedHeader:     packets.FixedHeader{PacketType: packets.ConnectType, QoS: packets.AtMostOnce},
		ProtocolName:    packets.ProtocolName,
		ProtocolVersion: packets.V311,
		UsernameFlag:    p.opts.Username != "",
		PasswordFlag:    p.opts.Password != "",
		WillFlag:        p.opts.WillMessage != "",
		WillQoS:         packets.AtMostOnce,
		CleanSession:    false,
		KeepAlive:       keepAliveSeconds(p.opts.KeepAlive),
		ClientID:        p.clientID,
		WillTopic:       p.opts.WillTopic,
		WillMessage:     []byte(p.opts.WillMessage),
		Username:        p.opts.Username,
		Password:        []byte(p.opts.Password),
	}
}

// keepAliveSeconds rounds d up to whole seconds so that a sub-second
// interval never turns keep-alive off.
func keepAliveSeconds(d time.Duration) uint16 {
	if d >= maxKeepAlive {
		return math.MaxUint16
	}
	return uint16((d + time.Second - 1) / time.Second)
}

// BuildPublication builds a QoS 1 PUBLISH of payload on topic. It is
// written at once when publishing is ready and queued otherwise.
func (p *Protocol) BuildPublication(topic string, payload []byte) (*packets.Publish, error) {
	if err := packets.ValidateTopicName(topic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	id, err := p.ids.freePacketID(p.used)
	if err != nil {
		return nil, err
	}
	pub := &packets.Publish{
		FixedHeader: packets.FixedHeader{PacketType: packets.PublishType, QoS: packets.AtLeastOnce},
		TopicName:   topic,
		ID:          id,
		Payload:     payload,
	}

	if p.publishReady && p.connected != nil {
		p.used[id] = struct{}{}
		p.writePublishLocked(p.connected, pub)
		return pub, nil
	}

	if err := p.pendingPub.Push(pub); err != nil {
		return nil, err
	}
	p.used[id] = struct{}{}
	p.logger.Debug("publish queued", slog.String("topic", topic), slog.Int("packet_id", int(id)))
	return pub, nil
}

// BuildSubscription builds a QoS 1 SUBSCRIBE for topics. When subscribing
// is ready the frame is written at once and h is registered for every topic
// after the write succeeds. Otherwise the frame is queued and h is
// registered immediately; it is unregistered again if the queued frame
// later fails to be written.
func (p *Protocol) BuildSubscription(topics []packets.Topic, h Handler) (*packets.Subscribe, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	for _, t := range topics {
		if err := packets.ValidateTopicName(t.Name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	sub := &packets.Subscribe{
		FixedHeader: packets.FixedHeader{PacketType: packets.SubscribeType, QoS: packets.AtLeastOnce},
		ID:          p.ids.packetID(),
		Topics:      topics,
	}

	if p.subscribeReady && p.connected != nil {
		p.connected.WriteAndFlush(sub).AddListener(func(f *pipeline.Future) {
			if err := f.Err(); err != nil {
				p.requeueSubscription(sub, h, err)
				return
			}
			p.remember(sub)
			for _, t := range sub.Topics {
				p.subs.Add(t.Name, h)
			}
		})
		return sub, nil
	}

	if err := p.pendingSub.Push(sub); err != nil {
		return nil, err
	}
	for _, t := range topics {
		p.subs.Add(t.Name, h)
	}
	return sub, nil
}

// SendAndFlush marks ch as the connected channel and drains the queue of
// the adapter role in FIFO order: subscriptions for the input role,
// publishes for the output role.
func (p *Protocol) SendAndFlush(ch *pipeline.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.connected = ch

	switch p.opts.Role {
	case protocol.RoleInput:
		p.subscribeReady = true
		return p.drain(p.pendingSub, func(pkt packets.ControlPacket) {
			sub, ok := pkt.(*packets.Subscribe)
			if !ok {
				return
			}
			ch.WriteAndFlush(sub).AddListener(func(f *pipeline.Future) {
				if err := f.Err(); err != nil {
					p.logger.Warn("failed to flush SUBSCRIBE",
						slog.Int("packet_id", int(sub.ID)),
						slog.String("error", err.Error()))
					for _, t := range sub.Topics {
						p.subs.Remove(t.Name)
					}
					return
				}
				p.remember(sub)
			})
		})
	case protocol.RoleOutput:
		p.publishReady = true
		return p.drain(p.pendingPub, func(pkt packets.ControlPacket) {
			if pub, ok := pkt.(*packets.Publish); ok {
				p.writePublishLocked(ch, pub)
			}
		})
	}
	return nil
}

// requeueSubscription queues sub for the next connection after writing it
// on the current one failed. h is registered the way it is for frames
// built before the handshake.
func (p *Protocol) requeueSubscription(sub *packets.Subscribe, h Handler, cause error) {
	if err := p.pendingSub.Push(sub); err != nil {
		p.logger.Warn("failed to send SUBSCRIBE",
			slog.Int("packet_id", int(sub.ID)),
			slog.String("error", errors.Join(cause, err).Error()))
		return
	}
	for _, t := range sub.Topics {
		p.subs.Add(t.Name, h)
	}
	p.logger.Debug("SUBSCRIBE requeued",
		slog.Int("packet_id", int(sub.ID)),
		slog.String("error", cause.Error()))
}

func (p *Protocol) remember(sub *packets.Subscribe) {
	p.sentMu.Lock()
	p.sent = append(p.sent, sub)
	p.sentMu.Unlock()
}

// resubscribe writes every SUBSCRIBE already sent on an earlier connection
// to ch again. It is used when the broker did not keep the session.
func (p *Protocol) resubscribe(ch *pipeline.Channel) {
	p.sentMu.Lock()
	subs := slices.Clone(p.sent)
	p.sentMu.Unlock()

	for _, sub := range subs {
		ch.WriteAndFlush(sub).AddListener(func(f *pipeline.Future) {
			if err := f.Err(); err != nil {
				p.logger.Warn("failed to restore SUBSCRIBE",
					slog.Int("packet_id", int(sub.ID)),
					slog.String("error", err.Error()))
			}
		})
	}
	if len(subs) > 0 {
		p.logger.Info("subscriptions restored", slog.Int("count", len(subs)))
	}
}

func (p *Protocol) drain(q outbox.Queue, send func(packets.ControlPacket)) error {
	n := 0
	for {
		pkt, err := q.Pop()
		if errors.Is(err, outbox.ErrEmpty) {
			break
		}
		if err != nil {
			return err
		}
		send(pkt)
		n++
	}
	if n > 0 {
		p.logger.Info("pending frames flushed", slog.Int("count", n))
	}
	return nil
}

func (p *Protocol) writePublishLocked(ch *pipeline.Channel, pub *packets.Publish) {
	if _, ok := p.inflight[pub.ID]; !ok {
		p.inflightOrder = append(p.inflightOrder, pub.ID)
	}
	p.inflight[pub.ID] = pub
	ch.WriteAndFlush(pub).AddListener(func(f *pipeline.Future) {
		if err := f.Err(); err != nil {
			p.logger.Warn("failed to send PUBLISH",
				slog.Int("packet_id", int(pub.ID)),
				slog.String("error", err.Error()))
		}
	})
}

// acknowledge releases an in-flight publish.
func (p *Protocol) acknowledge(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; !ok {
		p.logger.Debug("acknowledgment for unknown packet", slog.Int("packet_id", int(id)))
		return
	}
	delete(p.inflight, id)
	delete(p.used, id)
	for i, v := range p.inflightOrder {
		if v == id {
			p.inflightOrder = append(p.inflightOrder[:i], p.inflightOrder[i+1:]...)
			break
		}
	}
}

// detach forgets ch once it is closed and requeues unacknowledged
// publishes.
func (p *Protocol) detach(ch *pipeline.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch == nil || p.connected != ch {
		return
	}
	p.connected = nil
	p.publishReady = false
	p.subscribeReady = false
	if p.closed {
		return
	}
	p.requeueInFlightLocked()
}

// requeueInFlightLocked puts unacknowledged publishes back at the front of
// the queue, in their original order, flagged as duplicates.
func (p *Protocol) requeueInFlightLocked() {
	for i := len(p.inflightOrder) - 1; i >= 0; i-- {
		dup := *p.inflight[p.inflightOrder[i]]
		dup.Dup = true
		pub := &dup
		if err := p.pendingPub.PushFront(pub); err != nil {
			p.logger.Error("failed to requeue publish",
				slog.Int("packet_id", int(pub.ID)),
				slog.String("error", err.Error()))
			delete(p.used, pub.ID)
		}
	}
	if n := len(p.inflightOrder); n > 0 {
		p.logger.Info("unacknowledged publishes requeued", slog.Int("count", n))
	}
	p.inflight = make(map[uint16]*packets.Publish)
	p.inflightOrder = nil
}

// Receive publishes msg.Payload on the topic named by msg.Operation.
func (p *Protocol) Receive(ctx context.Context, msg *comm.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.BuildPublication(msg.Operation, msg.Payload)
	return err
}

// Close closes the connected channel and releases the queues.
// Unacknowledged publishes are requeued first so that a durable queue
// keeps them for the next run.
func (p *Protocol) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.requeueInFlightLocked()
	p.closed = true
	ch := p.connected
	p.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	errs := []error{p.pendingPub.Close(), p.pendingSub.Close()}
	for _, c := range p.opts.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
