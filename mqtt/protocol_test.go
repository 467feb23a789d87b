// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/commcore/comm"
	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/pipeline"
	"github.com/absmach/commcore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolContract(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	assert.Equal(t, "mqtt", p.Name())
	assert.False(t, p.IsThreadSafe())
	assert.Equal(t, protocol.RoleInput, p.Role())

	concurrent, err := New(Options{Parameters: protocol.Parameters{protocol.ParamConcurrent: true}})
	require.NoError(t, err)
	assert.True(t, concurrent.IsThreadSafe())

	pl := pipeline.New()
	require.NoError(t, p.SetupPipeline(pl))
	assert.Equal(t, []string{DecoderStageName, EncoderStageName, HandlerStageName, PingStageName}, pl.Names())
}

func TestClientIDIsSeeded(t *testing.T) {
	a, err := New(Options{Rand: rand.New(rand.NewSource(42))})
	require.NoError(t, err)
	b, err := New(Options{Rand: rand.New(rand.NewSource(42))})
	require.NoError(t, err)

	assert.Equal(t, a.ClientID(), b.ClientID())
	assert.Regexp(t, `^commcore/\d{1,5}$`, a.ClientID())
}

func TestConnectFrame(t *testing.T) {
	p, err := New(Options{
		Role:        protocol.RoleOutput,
		Username:    "user",
		Password:    "secret",
		WillTopic:   "status",
		WillMessage: "gone",
		Rand:        rand.New(rand.NewSource(1)),
	})
	require.NoError(t, err)
	defer p.Close()

	_, _, connect := open(t, p)
	assert.Equal(t, packets.ProtocolName, connect.ProtocolName)
	assert.Equal(t, packets.V311, connect.ProtocolVersion)
	assert.Equal(t, uint16(2), connect.KeepAlive)
	assert.False(t, connect.CleanSession)
	assert.Equal(t, p.ClientID(), connect.ClientID)
	assert.True(t, connect.UsernameFlag)
	assert.True(t, connect.PasswordFlag)
	assert.True(t, connect.WillFlag)
	assert.Equal(t, "user", connect.Username)
	assert.Equal(t, []byte("secret"), connect.Password)
	assert.Equal(t, "status", connect.WillTopic)
	assert.Equal(t, []byte("gone"), connect.WillMessage)
	assert.Equal(t, packets.AtMostOnce, connect.QoS)
}

func TestConnectFrameWithoutCredentials(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	_, _, connect := open(t, p)
	assert.False(t, connect.UsernameFlag)
	assert.False(t, connect.PasswordFlag)
	assert.False(t, connect.WillFlag)
}

func TestPublicationRoundTrip(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleOutput, nil)
	pub, err := p.BuildPublication("sensors/temp", []byte{0x00, 0xFF, 'x'})
	require.NoError(t, err)
	assert.Equal(t, packets.AtLeastOnce, pub.QoS)
	assert.NotEqual(t, packets.NoPacketID, pub.ID)

	decoded, err := packets.ReadPacket(bytes.NewReader(pub.Encode()))
	require.NoError(t, err)
	got := decoded.(*packets.Publish)
	assert.Equal(t, pub.TopicName, got.TopicName)
	assert.Equal(t, pub.Payload, got.Payload)
	assert.Equal(t, pub.ID, got.ID)
}

func TestBuildPublicationValidation(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleOutput, nil)
	_, err := p.BuildPublication("", nil)
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = p.BuildPublication("a/#", nil)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	require.NoError(t, p.Close())
	_, err = p.BuildPublication("t", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublicationIDsAreUnique(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleOutput, nil)
	seen := make(map[uint16]bool)
	for i := 0; i < 500; i++ {
		pub, err := p.BuildPublication("t", nil)
		require.NoError(t, err)
		require.False(t, seen[pub.ID], "duplicate id %d", pub.ID)
		seen[pub.ID] = true
	}
	assert.Equal(t, 500, p.PendingPublications())
}

func TestPublisherFlushesInOrder(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleOutput, nil)

	var queued []*packets.Publish
	for _, topic := range []string{"a", "b", "c"} {
		pub, err := p.BuildPublication(topic, []byte(topic))
		require.NoError(t, err)
		queued = append(queued, pub)
	}
	assert.Equal(t, 3, p.PendingPublications())
	assert.Nil(t, p.ConnectedChannel())

	ch, b, _ := open(t, p)
	accept(t, ch, b)

	for _, want := range queued {
		got := expectFrame[*packets.Publish](b)
		assert.Equal(t, want.TopicName, got.TopicName)
		assert.Equal(t, want.ID, got.ID)
		assert.False(t, got.Dup)
	}
	assert.Equal(t, 0, p.PendingPublications())
	assert.Equal(t, 3, p.InFlight())
	assert.Same(t, ch, p.ConnectedChannel())

	// Once ready, publishes are written directly.
	direct, err := p.BuildPublication("d", []byte("now"))
	require.NoError(t, err)
	got := expectFrame[*packets.Publish](b)
	assert.Equal(t, direct.ID, got.ID)
	assert.Equal(t, 0, p.PendingPublications())

	b.send(&packets.PubAck{ID: queued[0].ID})
	require.Eventually(t, func() bool { return p.InFlight() == 3 }, time.Second, time.Millisecond)
}

func TestUnacknowledgedPublishesAreRequeued(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleOutput, nil)
	first, err := p.BuildPublication("a", nil)
	require.NoError(t, err)
	second, err := p.BuildPublication("b", nil)
	require.NoError(t, err)

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	expectFrame[*packets.Publish](b)
	expectFrame[*packets.Publish](b)

	b.send(&packets.PubAck{ID: first.ID})
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.conn.Close())
	require.Eventually(t, func() bool { return p.ConnectedChannel() == nil }, time.Second, time.Millisecond)
	assert.Equal(t, 0, p.InFlight())
	require.Equal(t, 1, p.PendingPublications())

	pkt, err := p.pendingPub.Peek()
	require.NoError(t, err)
	requeued := pkt.(*packets.Publish)
	assert.Equal(t, second.ID, requeued.ID)
	assert.True(t, requeued.Dup)

	// A new connection redelivers the duplicate.
	ch2, b2, _ := open(t, p)
	accept(t, ch2, b2)
	got := expectFrame[*packets.Publish](b2)
	assert.Equal(t, second.ID, got.ID)
	assert.True(t, got.Dup)
}

func TestSubscriptionsAreRestoredAfterReconnect(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	topics := []packets.Topic{{Name: "t", QoS: packets.AtLeastOnce}}
	sub, err := p.BuildSubscription(topics, func(string, []byte) {})
	require.NoError(t, err)

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	expectFrame[*packets.Subscribe](b)
	require.Eventually(t, func() bool { return written(p) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.conn.Close())
	require.Eventually(t, func() bool { return p.ConnectedChannel() == nil }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"t"}, p.Subscriptions().Topics())
	assert.Equal(t, 0, p.PendingSubscriptions())

	t.Run("broker without session gets the subscription again", func(t *testing.T) {
		ch, b, _ := open(t, p)
		acceptSession(t, ch, b, false)
		got := expectFrame[*packets.Subscribe](b)
		assert.Equal(t, sub.ID, got.ID)
		assert.Equal(t, topics, got.Topics)
		assert.Equal(t, 1, written(p))

		require.NoError(t, b.conn.Close())
		require.Eventually(t, func() bool { return p.ConnectedChannel() == nil }, time.Second, time.Millisecond)
	})

	t.Run("broker with session is not asked again", func(t *testing.T) {
		ch, b, _ := open(t, p)
		acceptSession(t, ch, b, true)
		b.send(&packets.PingReq{})
		expectFrame[*packets.PingResp](b)
	})
}

func TestSubscriptionWriteFailureIsRequeued(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)

	client, server := net.Pipe()
	defer client.Close()
	ch := pipeline.NewChannel(server, pipeline.New(), pipeline.Options{})
	require.NoError(t, p.SendAndFlush(ch))
	require.NoError(t, ch.Close())

	sub, err := p.BuildSubscription([]packets.Topic{{Name: "later", QoS: packets.AtLeastOnce}}, func(string, []byte) {})
	require.NoError(t, err)
	assert.Equal(t, 1, p.PendingSubscriptions())
	assert.Equal(t, 0, written(p))
	_, ok := p.Subscriptions().Get("later")
	assert.True(t, ok)

	pkt, err := p.pendingSub.Peek()
	require.NoError(t, err)
	assert.Equal(t, sub.ID, pkt.(*packets.Subscribe).ID)
}

func TestKeepAliveRoundsUp(t *testing.T) {
	cases := []struct {
		desc      string
		keepAlive time.Duration
		want      uint16
	}{
		{desc: "sub-second", keepAlive: 500 * time.Millisecond, want: 1},
		{desc: "whole seconds", keepAlive: 2 * time.Second, want: 2},
		{desc: "fraction above a second", keepAlive: 1500 * time.Millisecond, want: 2},
		{desc: "capped", keepAlive: 24 * time.Hour, want: 65535},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := New(Options{KeepAlive: tc.keepAlive})
			require.NoError(t, err)
			defer p.Close()
			assert.Equal(t, tc.want, p.buildConnect().KeepAlive)
		})
	}
}

func TestSubscriptionBeforeHandshakeRegistersImmediately(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)

	topics := []packets.Topic{{Name: "a", QoS: packets.AtLeastOnce}, {Name: "b", QoS: packets.AtLeastOnce}}
	sub, err := p.BuildSubscription(topics, func(string, []byte) {})
	require.NoError(t, err)
	assert.Equal(t, packets.AtLeastOnce, sub.QoS)
	assert.NotEqual(t, packets.NoPacketID, sub.ID)

	assert.Equal(t, []string{"a", "b"}, p.Subscriptions().Topics())
	assert.Equal(t, 1, p.PendingSubscriptions())

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	got := expectFrame[*packets.Subscribe](b)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, topics, got.Topics)
	assert.Equal(t, 0, p.PendingSubscriptions())
	assert.Equal(t, []string{
		DecoderStageName, EncoderStageName, HandlerStageName, IdleStateStageName, PingStageName,
	}, ch.Pipeline().Names())
}

func TestSubscriptionAfterHandshakeRegistersOnWrite(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	ch, b, _ := open(t, p)
	accept(t, ch, b)

	_, err := p.BuildSubscription([]packets.Topic{{Name: "late", QoS: packets.AtLeastOnce}}, func(string, []byte) {})
	require.NoError(t, err)
	assert.Equal(t, 0, p.PendingSubscriptions())

	got := expectFrame[*packets.Subscribe](b)
	assert.Equal(t, "late", got.Topics[0].Name)
	require.Eventually(t, func() bool {
		_, ok := p.Subscriptions().Get("late")
		return ok
	}, time.Second, time.Millisecond)
}

func TestFailedSubscriptionFlushIsRolledBack(t *testing.T) {
	logs := &recordHandler{}
	p := newTestProtocol(t, protocol.RoleInput, logs)
	_, err := p.BuildSubscription([]packets.Topic{{Name: "gone", QoS: packets.AtLeastOnce}}, func(string, []byte) {})
	require.NoError(t, err)
	_, ok := p.Subscriptions().Get("gone")
	require.True(t, ok)

	client, server := net.Pipe()
	defer client.Close()
	ch := pipeline.NewChannel(server, pipeline.New(), pipeline.Options{})
	require.NoError(t, ch.Close())

	require.NoError(t, p.SendAndFlush(ch))
	assert.Equal(t, 0, p.PendingSubscriptions())
	_, ok = p.Subscriptions().Get("gone")
	assert.False(t, ok)
	assert.Equal(t, 1, logs.count(slog.LevelWarn, "failed to flush SUBSCRIBE"))
}

func TestBuildSubscriptionValidation(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	_, err := p.BuildSubscription(nil, nil)
	assert.ErrorIs(t, err, ErrNoTopics)
	_, err = p.BuildSubscription([]packets.Topic{{Name: ""}}, nil)
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = p.BuildSubscription([]packets.Topic{{Name: "sensors/+"}}, nil)
	assert.ErrorIs(t, err, packets.ErrInvalidTopicName)
}

func TestFlushRoleIsExclusive(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	_, err := p.BuildPublication("out", nil)
	require.NoError(t, err)
	_, err = p.BuildSubscription([]packets.Topic{{Name: "in"}}, func(string, []byte) {})
	require.NoError(t, err)

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	expectFrame[*packets.Subscribe](b)

	assert.Equal(t, 0, p.PendingSubscriptions())
	assert.Equal(t, 1, p.PendingPublications())
}

func TestReceivePublishesOperation(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleOutput, nil)
	err := p.Receive(context.Background(), &comm.Message{Operation: "orders", Payload: []byte("1")})
	require.NoError(t, err)

	pkt, err := p.pendingPub.Peek()
	require.NoError(t, err)
	assert.Equal(t, "orders", pkt.(*packets.Publish).TopicName)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Receive(ctx, &comm.Message{Operation: "x"}), context.Canceled)
}

func TestHandshakeRefused(t *testing.T) {
	logs := &recordHandler{}
	p := newTestProtocol(t, protocol.RoleOutput, logs)
	_, err := p.BuildPublication("kept", nil)
	require.NoError(t, err)

	ch, b, _ := open(t, p)
	h := ch.Pipeline().Get(HandlerStageName).(*FrameHandler)
	assert.Equal(t, Opening, h.State())

	b.send(&packets.ConnAck{ReturnCode: packets.ErrRefusedBadUsernameOrPassword})
	<-ch.Done()

	assert.Equal(t, Rejected, h.State())
	assert.Nil(t, p.ConnectedChannel())
	assert.Equal(t, 1, p.PendingPublications())
	assert.Equal(t, 1, logs.count(slog.LevelWarn, "connection refused"))
}

func TestSubscriberQoS(t *testing.T) {
	logs := &recordHandler{}
	p := newTestProtocol(t, protocol.RoleInput, logs)

	var mu sync.Mutex
	var got []string
	_, err := p.BuildSubscription([]packets.Topic{{Name: "t", QoS: packets.ExactlyOnce}}, func(topic string, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	require.NoError(t, err)
	delivered := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	expectFrame[*packets.Subscribe](b)

	t.Run("at most once is not acknowledged", func(t *testing.T) {
		b.send(&packets.Publish{TopicName: "t", Payload: []byte("q0")})
		b.send(&packets.Publish{FixedHeader: packets.FixedHeader{QoS: packets.AtLeastOnce}, TopicName: "t", ID: 8, Payload: []byte("q1")})

		ack := expectFrame[*packets.PubAck](b)
		assert.Equal(t, uint16(8), ack.ID)
		assert.Equal(t, []string{"q0", "q1"}, delivered())
	})

	t.Run("exactly once is delivered on release", func(t *testing.T) {
		b.send(&packets.Publish{FixedHeader: packets.FixedHeader{QoS: packets.ExactlyOnce}, TopicName: "t", ID: 11, Payload: []byte("q2")})
		rec := expectFrame[*packets.PubRec](b)
		assert.Equal(t, uint16(11), rec.ID)
		assert.Len(t, delivered(), 2)

		b.send(&packets.PubRel{ID: 11})
		comp := expectFrame[*packets.PubComp](b)
		assert.Equal(t, uint16(11), comp.ID)
		assert.Equal(t, []string{"q0", "q1", "q2"}, delivered())
	})

	t.Run("failure level is logged and dropped", func(t *testing.T) {
		b.send(&packets.Publish{FixedHeader: packets.FixedHeader{QoS: 3}, TopicName: "t", ID: 12, Payload: []byte("bad")})
		b.send(&packets.Publish{FixedHeader: packets.FixedHeader{QoS: packets.AtLeastOnce}, TopicName: "t", ID: 13, Payload: []byte("q3")})

		ack := expectFrame[*packets.PubAck](b)
		assert.Equal(t, uint16(13), ack.ID)
		assert.Equal(t, []string{"q0", "q1", "q2", "q3"}, delivered())
		assert.Equal(t, 1, logs.count(slog.LevelWarn, "publish with failure QoS, retransmission required"))
	})

	t.Run("unknown topic produces one diagnostic", func(t *testing.T) {
		b.send(&packets.Publish{FixedHeader: packets.FixedHeader{QoS: packets.AtLeastOnce}, TopicName: "nobody", ID: 5, Payload: []byte("lost")})
		ack := expectFrame[*packets.PubAck](b)
		assert.Equal(t, uint16(5), ack.ID)
		assert.Equal(t, 1, logs.count(slog.LevelWarn, "no handler for topic"))
		assert.True(t, ch.IsActive())

		b.send(&packets.Publish{FixedHeader: packets.FixedHeader{QoS: packets.AtLeastOnce}, TopicName: "t", ID: 6, Payload: []byte("q4")})
		expectFrame[*packets.PubAck](b)
		assert.Equal(t, []string{"q0", "q1", "q2", "q3", "q4"}, delivered())
	})

	t.Run("pings are answered", func(t *testing.T) {
		b.send(&packets.PingReq{})
		expectFrame[*packets.PingResp](b)
	})
}

func TestPublishBeforeHandshakeIsDropped(t *testing.T) {
	logs := &recordHandler{}
	p := newTestProtocol(t, protocol.RoleInput, logs)
	called := false
	_, err := p.BuildSubscription([]packets.Topic{{Name: "t"}}, func(string, []byte) { called = true })
	require.NoError(t, err)

	_, b, _ := open(t, p)
	b.send(&packets.Publish{TopicName: "t", Payload: []byte("early")})
	b.send(&packets.ConnAck{ReturnCode: packets.Accepted})
	expectFrame[*packets.Subscribe](b)

	assert.False(t, called)
	assert.Equal(t, 1, logs.count(slog.LevelWarn, "publish before handshake dropped"))
}

func TestSubscriberPings(t *testing.T) {
	p, err := New(Options{Role: protocol.RoleInput, Liveness: 20 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	ch, b, _ := open(t, p)
	accept(t, ch, b)

	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	pkt, err := packets.ReadPacket(b.conn)
	require.NoError(t, err)
	assert.IsType(t, &packets.PingReq{}, pkt)

	// Keep reading so further pings do not block the channel.
	require.NoError(t, b.conn.SetReadDeadline(time.Time{}))
	go func() {
		for {
			if _, err := packets.ReadPacket(b.conn); err != nil {
				return
			}
		}
	}()

	b.send(&packets.PingResp{})
	ping := ch.Pipeline().Get(PingStageName).(*PingStage)
	require.Eventually(t, func() bool { return ping.Received() >= 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, ping.Sent(), int64(1))
}

func TestDecoderSplitsAndJoinsFrames(t *testing.T) {
	p := newTestProtocol(t, protocol.RoleInput, nil)
	var mu sync.Mutex
	var got []string
	_, err := p.BuildSubscription([]packets.Topic{{Name: "t"}}, func(_ string, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	require.NoError(t, err)

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	expectFrame[*packets.Subscribe](b)

	one := (&packets.Publish{TopicName: "t", Payload: []byte("one")}).Encode()
	two := (&packets.Publish{TopicName: "t", Payload: []byte("two")}).Encode()
	joined := append(append([]byte{}, one...), two[:3]...)
	_, err = b.conn.Write(joined)
	require.NoError(t, err)
	_, err = b.conn.Write(two[3:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestDecoderRejectsOversizedFrames(t *testing.T) {
	p, err := New(Options{Role: protocol.RoleInput, MaxPacketSize: 16, Liveness: time.Hour})
	require.NoError(t, err)
	defer p.Close()

	ch, b, _ := open(t, p)
	b.send(&packets.Publish{TopicName: "t", Payload: bytes.Repeat([]byte("x"), 64)})
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel was not closed")
	}
}
