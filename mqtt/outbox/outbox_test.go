// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"errors"
	"testing"

	"github.com/absmach/commcore/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(id uint16, topic string) *packets.Publish {
	return &packets.Publish{
		FixedHeader: packets.FixedHeader{PacketType: packets.PublishType, QoS: packets.AtLeastOnce},
		TopicName:   topic,
		ID:          id,
		Payload:     []byte(topic),
	}
}

func ids(t *testing.T, q Queue) []uint16 {
	t.Helper()
	var got []uint16
	err := q.Each(func(pkt packets.ControlPacket) error {
		got = append(got, pkt.(packets.Identified).PacketID())
		return nil
	})
	require.NoError(t, err)
	return got
}

func openBadger(t *testing.T) (*Store, *Badger) {
	t.Helper()
	store, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := store.Queue("client/publish")
	require.NoError(t, err)
	return store, q
}

func queues(t *testing.T) map[string]Queue {
	_, b := openBadger(t)
	return map[string]Queue{
		"memory": NewMemory(),
		"badger": b,
	}
}

func TestQueueFIFO(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			_, err := q.Pop()
			assert.ErrorIs(t, err, ErrEmpty)
			_, err = q.Peek()
			assert.ErrorIs(t, err, ErrEmpty)

			for i := uint16(1); i <= 3; i++ {
				require.NoError(t, q.Push(publish(i, "t")))
			}
			assert.Equal(t, 3, q.Len())
			assert.Equal(t, []uint16{1, 2, 3}, ids(t, q))

			head, err := q.Peek()
			require.NoError(t, err)
			assert.Equal(t, uint16(1), head.(*packets.Publish).ID)
			assert.Equal(t, 3, q.Len())

			for i := uint16(1); i <= 3; i++ {
				pkt, err := q.Pop()
				require.NoError(t, err)
				pub := pkt.(*packets.Publish)
				assert.Equal(t, i, pub.ID)
				assert.Equal(t, "t", pub.TopicName)
				assert.Equal(t, []byte("t"), pub.Payload)
			}
			assert.Equal(t, 0, q.Len())
		})
	}
}

func TestQueuePushFront(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.PushFront(publish(2, "b")))
			require.NoError(t, q.Push(publish(3, "c")))
			require.NoError(t, q.PushFront(publish(1, "a")))
			assert.Equal(t, []uint16{1, 2, 3}, ids(t, q))

			pkt, err := q.Pop()
			require.NoError(t, err)
			assert.Equal(t, uint16(1), pkt.(*packets.Publish).ID)
			assert.Equal(t, 2, q.Len())
		})
	}
}

func TestQueueEachStops(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Push(publish(1, "a")))
			require.NoError(t, q.Push(publish(2, "b")))

			stop := errors.New("stop")
			calls := 0
			err := q.Each(func(packets.ControlPacket) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestQueueClosed(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Close())
			assert.ErrorIs(t, q.Push(publish(1, "a")), ErrClosed)
			_, err := q.Pop()
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestBadgerPersistsOrder(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBadger(dir)
	require.NoError(t, err)

	q, err := store.Queue("pub")
	require.NoError(t, err)
	require.NoError(t, q.Push(publish(5, "x")))
	require.NoError(t, q.Push(publish(6, "y")))
	require.NoError(t, q.PushFront(publish(4, "w")))

	dup := publish(7, "z")
	dup.Dup = true
	require.NoError(t, q.Push(dup))
	require.NoError(t, store.Close())

	store, err = OpenBadger(dir)
	require.NoError(t, err)
	defer store.Close()

	q, err = store.Queue("pub")
	require.NoError(t, err)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []uint16{4, 5, 6, 7}, ids(t, q))

	other, err := store.Queue("sub")
	require.NoError(t, err)
	assert.Equal(t, 0, other.Len())

	var last *packets.Publish
	for q.Len() > 0 {
		pkt, err := q.Pop()
		require.NoError(t, err)
		last = pkt.(*packets.Publish)
	}
	assert.True(t, last.Dup)
}
