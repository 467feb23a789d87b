// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/commcore/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recvResult struct {
	msg *Message
	err error
}

func startRecv(t *testing.T, ctx context.Context) (net.Conn, *PacketChannel, <-chan recvResult) {
	t.Helper()
	client, server := net.Pipe()
	ch := NewPacketChannel(server, PacketChannelOptions{})
	t.Cleanup(func() {
		client.Close()
		ch.Close()
	})

	res := make(chan recvResult, 1)
	go func() {
		msg, err := ch.Recv(ctx)
		res <- recvResult{msg: msg, err: err}
	}()
	return client, ch, res
}

func send(t *testing.T, conn net.Conn, pkt packets.ControlPacket) {
	t.Helper()
	require.NoError(t, pkt.Pack(conn))
}

func expect[T packets.ControlPacket](t *testing.T, conn net.Conn) T {
	t.Helper()
	pkt, err := packets.ReadPacket(conn)
	require.NoError(t, err)
	p, ok := pkt.(T)
	require.True(t, ok, "unexpected packet %T", pkt)
	return p
}

func TestPacketChannelQoS1(t *testing.T) {
	client, ch, res := startRecv(t, context.Background())
	assert.NotEmpty(t, ch.ID())

	send(t, client, &packets.Connect{ProtocolName: packets.ProtocolName, ProtocolVersion: packets.V311, ClientID: "peer"})
	ack := expect[*packets.ConnAck](t, client)
	assert.Equal(t, packets.Accepted, ack.ReturnCode)

	send(t, client, &packets.PingReq{})
	expect[*packets.PingResp](t, client)

	send(t, client, &packets.Publish{
		FixedHeader: packets.FixedHeader{QoS: packets.AtLeastOnce},
		TopicName:   "orders",
		ID:          3,
		Payload:     []byte("42"),
	})
	puback := expect[*packets.PubAck](t, client)
	assert.Equal(t, uint16(3), puback.ID)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "orders", r.msg.Operation)
	assert.Equal(t, []byte("42"), r.msg.Payload)
	assert.NotEmpty(t, r.msg.ID)
}

func TestPacketChannelQoS0WithoutConnect(t *testing.T) {
	client, _, res := startRecv(t, context.Background())

	send(t, client, &packets.Publish{TopicName: "status", Payload: []byte("up")})

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "status", r.msg.Operation)
}

func TestPacketChannelQoS2(t *testing.T) {
	client, _, res := startRecv(t, context.Background())

	send(t, client, &packets.Publish{
		FixedHeader: packets.FixedHeader{QoS: packets.ExactlyOnce},
		TopicName:   "billing",
		ID:          9,
		Payload:     []byte("x"),
	})
	rec := expect[*packets.PubRec](t, client)
	assert.Equal(t, uint16(9), rec.ID)

	send(t, client, &packets.PubRel{ID: 9})
	comp := expect[*packets.PubComp](t, client)
	assert.Equal(t, uint16(9), comp.ID)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "billing", r.msg.Operation)
}

func TestPacketChannelRejectsVersion(t *testing.T) {
	client, _, res := startRecv(t, context.Background())

	send(t, client, &packets.Connect{ProtocolName: packets.ProtocolName, ProtocolVersion: 5, ClientID: "v5"})
	ack := expect[*packets.ConnAck](t, client)
	assert.Equal(t, packets.ErrRefusedBadProtocolVersion, ack.ReturnCode)

	r := <-res
	assert.ErrorIs(t, r.err, ErrUnexpectedPacket)
}

func TestPacketChannelDisconnect(t *testing.T) {
	client, _, res := startRecv(t, context.Background())

	send(t, client, &packets.Disconnect{})
	r := <-res
	assert.ErrorIs(t, r.err, io.EOF)
}

func TestPacketChannelUnexpectedPacket(t *testing.T) {
	client, _, res := startRecv(t, context.Background())

	send(t, client, &packets.Subscribe{ID: 1, Topics: []packets.Topic{{Name: "a"}}})
	r := <-res
	assert.ErrorIs(t, r.err, ErrUnexpectedPacket)
}

func TestPacketChannelContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, _, res := startRecv(t, ctx)
	cancel()

	select {
	case r := <-res:
		assert.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}
