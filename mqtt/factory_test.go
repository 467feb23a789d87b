// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreatesAdapter(t *testing.T) {
	r := protocol.NewRegistry()
	require.NoError(t, Register(r))
	assert.ErrorIs(t, Register(r), protocol.ErrDuplicateProtocol)

	proto, err := r.New(Name, protocol.Config{
		Role: protocol.RoleOutput,
		Parameters: protocol.Parameters{
			protocol.ParamConcurrent: "yes",
			ParamClientIDPrefix:      "edge/",
			ParamUsername:            "user",
			ParamPassword:            "secret",
			ParamKeepAlive:           10,
		},
		Logger: slog.New(&recordHandler{}),
	})
	require.NoError(t, err)
	p := proto.(*Protocol)
	t.Cleanup(func() { p.Close() })

	assert.Equal(t, Name, p.Name())
	assert.True(t, p.IsThreadSafe())
	assert.Equal(t, protocol.RoleOutput, p.Role())
	assert.True(t, strings.HasPrefix(p.ClientID(), "edge/"))

	connect := p.buildConnect()
	assert.Equal(t, "user", connect.Username)
	assert.Equal(t, []byte("secret"), connect.Password)
	assert.Equal(t, uint16(10), connect.KeepAlive)
	assert.Equal(t, 10*time.Second, p.opts.KeepAlive)
}

func TestFactoryOutbox(t *testing.T) {
	_, err := NewFromConfig(protocol.Config{Parameters: protocol.Parameters{ParamOutbox: "kafka"}})
	assert.ErrorIs(t, err, ErrUnknownOutbox)

	_, err = NewFromConfig(protocol.Config{Parameters: protocol.Parameters{ParamOutbox: OutboxBadger}})
	assert.Error(t, err)

	dir := t.TempDir()
	params := protocol.Parameters{ParamOutbox: OutboxBadger, ParamOutboxDir: dir}
	cfg := protocol.Config{Role: protocol.RoleOutput, Parameters: params, Logger: slog.New(&recordHandler{})}

	p, err := NewFromConfig(cfg)
	require.NoError(t, err)
	first, err := p.BuildPublication("a", []byte("1"))
	require.NoError(t, err)
	_, err = p.BuildPublication("b", []byte("2"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p, err = NewFromConfig(cfg)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 2, p.PendingPublications())

	// Ids of stored publishes stay reserved.
	for i := 0; i < 50; i++ {
		pub, err := p.BuildPublication("c", nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, pub.ID)
	}
}

func TestCloseKeepsUnacknowledgedPublishes(t *testing.T) {
	dir := t.TempDir()
	params := protocol.Parameters{ParamOutbox: OutboxBadger, ParamOutboxDir: dir}
	cfg := protocol.Config{Role: protocol.RoleOutput, Parameters: params, Logger: slog.New(&recordHandler{})}

	p, err := NewFromConfig(cfg)
	require.NoError(t, err)
	pub, err := p.BuildPublication("a", []byte("1"))
	require.NoError(t, err)

	ch, b, _ := open(t, p)
	accept(t, ch, b)
	expectFrame[*packets.Publish](b)
	require.Equal(t, 1, p.InFlight())
	require.Equal(t, 0, p.PendingPublications())

	require.NoError(t, p.Close())
	<-ch.Done()

	p, err = NewFromConfig(cfg)
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, 1, p.PendingPublications())

	pkt, err := p.pendingPub.Peek()
	require.NoError(t, err)
	requeued := pkt.(*packets.Publish)
	assert.Equal(t, pub.ID, requeued.ID)
	assert.Equal(t, []byte("1"), requeued.Payload)
	assert.True(t, requeued.Dup)
}
