// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/pipeline"
	"github.com/absmach/commcore/protocol"
)

// State is the handshake state of one connection.
type State int32

const (
	// Opening is the state before a CONNACK is seen.
	Opening State = iota
	// Ready is the state after the broker accepted the connection.
	Ready
	// Rejected is the terminal state after a refused handshake.
	Rejected
	// Closed is the terminal state after the connection went away.
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Ready:
		return "READY"
	case Rejected:
		return "REJECTED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// FrameHandler drives the handshake of one connection and routes the
// frames the broker sends.
type FrameHandler struct {
	proto *Protocol
	state atomic.Int32

	// QoS 2 publishes received and waiting for PUBREL.
	received map[uint16]*packets.Publish
}

func newFrameHandler(p *Protocol) *FrameHandler {
	return &FrameHandler{
		proto:    p,
		received: make(map[uint16]*packets.Publish),
	}
}

// State returns the current handshake state.
func (h *FrameHandler) State() State {
	return State(h.state.Load())
}

func (h *FrameHandler) setState(s State) {
	h.state.Store(int32(s))
}

// Active sends CONNECT as soon as the connection opens.
func (h *FrameHandler) Active(ctx *pipeline.Context) error {
	h.setState(Opening)
	connect := h.proto.buildConnect()
	if err := ctx.Write(connect).Err(); err != nil {
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}
	ctx.Logger().Debug("CONNECT sent", slog.String("client_id", connect.ClientID))
	return nil
}

func (h *FrameHandler) Inactive(ctx *pipeline.Context) {
	if h.State() != Rejected {
		h.setState(Closed)
	}
	h.proto.detach(ctx.Channel())
}

func (h *FrameHandler) Read(ctx *pipeline.Context, msg any) error {
	pkt, ok := msg.(packets.ControlPacket)
	if !ok {
		return ctx.FireRead(msg)
	}

	switch p := pkt.(type) {
	case *packets.ConnAck:
		return h.handleConnAck(ctx, p)
	case *packets.Publish:
		h.handlePublish(ctx, p)
	case *packets.PubAck:
		h.proto.acknowledge(p.ID)
	case *packets.PubRec:
		h.write(ctx, &packets.PubRel{ID: p.ID})
	case *packets.PubRel:
		h.handleRelease(ctx, p)
	case *packets.PubComp:
		h.proto.acknowledge(p.ID)
	case *packets.SubAck:
		for _, code := range p.ReturnCodes {
			if code == packets.Failure {
				ctx.Logger().Warn("subscription refused by broker", slog.Int("packet_id", int(p.ID)))
				break
			}
		}
	case *packets.PingReq, *packets.PingResp:
		return ctx.FireRead(p)
	case *packets.UnsubAck, *packets.Disconnect:
		ctx.Logger().Debug("frame ignored", slog.String("type", packets.PacketNames[p.Type()]))
	default:
		ctx.Logger().Warn("unrecognized frame dropped", slog.Int("type", int(p.Type())))
	}
	return nil
}

func (h *FrameHandler) handleConnAck(ctx *pipeline.Context, p *packets.ConnAck) error {
	if h.State() != Opening {
		ctx.Logger().Warn("unexpected CONNACK", slog.String("state", h.State().String()))
		return nil
	}

	if p.ReturnCode != packets.Accepted {
		ctx.Logger().Warn("connection refused",
			slog.String("reason", p.Reason()),
			slog.Int("code", int(p.ReturnCode)))
		h.setState(Rejected)
		ctx.Channel().Close()
		return nil
	}

	if h.proto.Role() == protocol.RoleInput {
		l := h.proto.opts.Liveness
		idle := pipeline.NewIdleState(l, l, l)
		if err := ctx.Pipeline().AddBefore(PingStageName, IdleStateStageName, idle); err != nil {
			return err
		}
		if !p.SessionPresent {
			h.proto.resubscribe(ctx.Channel())
		}
	}
	if err := h.proto.SendAndFlush(ctx.Channel()); err != nil {
		return err
	}
	h.setState(Ready)
	ctx.Logger().Info("connection accepted", slog.String("role", h.proto.Role().String()))
	return nil
}

func (h *FrameHandler) handlePublish(ctx *pipeline.Context, p *packets.Publish) {
	if h.State() != Ready {
		ctx.Logger().Warn("publish before handshake dropped", slog.String("topic", p.TopicName))
		return
	}
	if h.proto.Role() != protocol.RoleInput {
		ctx.Logger().Debug("publish ignored by output adapter", slog.String("topic", p.TopicName))
		return
	}

	switch p.Level() {
	case packets.AtMostOnce:
		h.deliver(ctx, p)
	case packets.AtLeastOnce:
		h.deliver(ctx, p)
		if p.ID != packets.NoPacketID {
			h.write(ctx, &packets.PubAck{ID: p.ID})
		}
	case packets.ExactlyOnce:
		if _, ok := h.received[p.ID]; !ok {
			h.received[p.ID] = p
		}
		h.write(ctx, &packets.PubRec{ID: p.ID})
	default:
		ctx.Logger().Warn("publish with failure QoS, retransmission required",
			slog.String("topic", p.TopicName),
			slog.Int("packet_id", int(p.ID)))
	}
}

func (h *FrameHandler) handleRelease(ctx *pipeline.Context, p *packets.PubRel) {
	if pub, ok := h.received[p.ID]; ok {
		delete(h.received, p.ID)
		h.deliver(ctx, pub)
	}
	h.write(ctx, &packets.PubComp{ID: p.ID})
}

func (h *FrameHandler) deliver(ctx *pipeline.Context, p *packets.Publish) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Logger().Error("subscription handler panicked",
				slog.String("topic", p.TopicName),
				slog.Any("panic", r))
		}
	}()

	err := h.proto.subs.Deliver(p.TopicName, p.Payload)
	if errors.Is(err, ErrUnknownTopic) {
		ctx.Logger().Warn("no handler for topic", slog.String("topic", p.TopicName))
	}
}

func (h *FrameHandler) write(ctx *pipeline.Context, pkt packets.ControlPacket) {
	if err := ctx.Write(pkt).Err(); err != nil {
		ctx.Logger().Error("failed to send frame",
			slog.String("type", packets.PacketNames[pkt.Type()]),
			slog.String("error", err.Error()))
	}
}
