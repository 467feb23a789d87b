// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/pipeline"
	"github.com/absmach/commcore/protocol"
	"github.com/stretchr/testify/require"
)

// recordHandler keeps every log record for inspection.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r)
	h.mu.Unlock()
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// count returns the number of records with the given level and message.
func (h *recordHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

// peer plays the broker side of a connection.
type peer struct {
	t    *testing.T
	conn net.Conn
}

func (b *peer) send(pkt packets.ControlPacket) {
	b.t.Helper()
	require.NoError(b.t, b.conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(b.t, pkt.Pack(b.conn))
}

// next returns the next frame, skipping keep-alive pings.
func (b *peer) next() packets.ControlPacket {
	b.t.Helper()
	for {
		require.NoError(b.t, b.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		pkt, err := packets.ReadPacket(b.conn)
		require.NoError(b.t, err)
		if _, ok := pkt.(*packets.PingReq); ok {
			continue
		}
		return pkt
	}
}

func expectFrame[T packets.ControlPacket](b *peer) T {
	b.t.Helper()
	pkt := b.next()
	p, ok := pkt.(T)
	require.True(b.t, ok, "unexpected frame %T", pkt)
	return p
}

func newTestProtocol(t *testing.T, role protocol.Role, logs *recordHandler) *Protocol {
	t.Helper()
	if logs == nil {
		logs = &recordHandler{}
	}
	p, err := New(Options{
		Role:     role,
		Liveness: time.Hour,
		Rand:     rand.New(rand.NewSource(7)),
		Logger:   slog.New(logs),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// open runs a pipeline for p over an in-memory connection and returns the
// broker side after reading the CONNECT frame.
func open(t *testing.T, p *Protocol) (*pipeline.Channel, *peer, *packets.Connect) {
	t.Helper()
	pl := pipeline.New()
	require.NoError(t, p.SetupPipeline(pl))

	client, server := net.Pipe()
	ch := pipeline.NewChannel(server, pl, pipeline.Options{Logger: p.logger})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.Run(context.Background())
	}()
	t.Cleanup(func() {
		client.Close()
		ch.Close()
		<-done
	})

	b := &peer{t: t, conn: client}
	connect := expectFrame[*packets.Connect](b)
	return ch, b, connect
}

// accept completes the handshake.
func accept(t *testing.T, ch *pipeline.Channel, b *peer) *FrameHandler {
	t.Helper()
	return acceptSession(t, ch, b, false)
}

// acceptSession completes the handshake, reporting whether the broker kept
// the session.
func acceptSession(t *testing.T, ch *pipeline.Channel, b *peer, present bool) *FrameHandler {
	t.Helper()
	b.send(&packets.ConnAck{SessionPresent: present, ReturnCode: packets.Accepted})
	h := ch.Pipeline().Get(HandlerStageName).(*FrameHandler)
	require.Eventually(t, func() bool { return h.State() == Ready }, 3*time.Second, time.Millisecond)
	return h
}

// written returns the number of SUBSCRIBE frames p would restore.
func written(p *Protocol) int {
	p.sentMu.Lock()
	defer p.sentMu.Unlock()
	return len(p.sent)
}
