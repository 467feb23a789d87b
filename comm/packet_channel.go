// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/commcore/packets"
	"github.com/google/uuid"
)

var _ Channel = (*PacketChannel)(nil)

// PacketChannelOptions configure a PacketChannel.
type PacketChannelOptions struct {
	Logger       *slog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// PacketChannel reads MQTT frames from a connection and yields each
// PUBLISH as a Message whose operation is the topic name. It answers the
// frames a publishing peer expects on its way: CONNACK, PINGRESP, and the
// acknowledgments of QoS 1 and 2.
type PacketChannel struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	opts   PacketChannelOptions
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewPacketChannel wraps conn.
func NewPacketChannel(conn net.Conn, opts PacketChannelOptions) *PacketChannel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	id := uuid.NewString()
	return &PacketChannel{
		id:     id,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, opts.BufferSize),
		opts:   opts,
		logger: opts.Logger.With(slog.String("channel", id), slog.String("remote", remote(conn))),
	}
}

func (c *PacketChannel) ID() string {
	return c.id
}

// Recv returns the next published message. A DISCONNECT from the peer
// yields io.EOF.
func (c *PacketChannel) Recv(ctx context.Context) (*Message, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if c.opts.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				return nil, err
			}
		}
		pkt, err := packets.ReadPacket(c.reader)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		switch p := pkt.(type) {
		case *packets.Connect:
			if err := c.accept(p); err != nil {
				return nil, err
			}
		case *packets.PingReq:
			if err := c.write(&packets.PingResp{}); err != nil {
				return nil, err
			}
		case *packets.Publish:
			return c.receive(p)
		case *packets.Disconnect:
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, packets.PacketNames[pkt.Type()])
		}
	}
}

// Close closes the connection.
func (c *PacketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *PacketChannel) accept(p *packets.Connect) error {
	if p.ProtocolVersion != packets.V311 && p.ProtocolVersion != packets.V31 {
		c.write(&packets.ConnAck{ReturnCode: packets.ErrRefusedBadProtocolVersion})
		return fmt.Errorf("%w: protocol version %d", ErrUnexpectedPacket, p.ProtocolVersion)
	}
	c.logger.Debug("peer connected", slog.String("client_id", p.ClientID))
	return c.write(&packets.ConnAck{ReturnCode: packets.Accepted})
}

func (c *PacketChannel) receive(p *packets.Publish) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Operation: p.TopicName,
		Payload:   p.Payload,
	}

	switch p.Level() {
	case packets.AtLeastOnce:
		if err := c.write(&packets.PubAck{ID: p.ID}); err != nil {
			return nil, err
		}
	case packets.ExactlyOnce:
		if err := c.write(&packets.PubRec{ID: p.ID}); err != nil {
			return nil, err
		}
		if err := c.release(p.ID); err != nil {
			return nil, err
		}
	case packets.Failure:
		return nil, fmt.Errorf("%w: publish with invalid QoS", ErrUnexpectedPacket)
	}
	return msg, nil
}

// release completes the QoS 2 exchange for id.
func (c *PacketChannel) release(id uint16) error {
	pkt, err := packets.ReadPacket(c.reader)
	if err != nil {
		return err
	}
	rel, ok := pkt.(*packets.PubRel)
	if !ok || rel.ID != id {
		return fmt.Errorf("%w: expected PUBREL %d, got %s", ErrUnexpectedPacket, id, packets.PacketNames[pkt.Type()])
	}
	return c.write(&packets.PubComp{ID: id})
}

func (c *PacketChannel) write(pkt packets.ControlPacket) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return pkt.Pack(c.conn)
}

func remote(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
