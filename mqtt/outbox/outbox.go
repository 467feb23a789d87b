// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package outbox holds frames that wait for a connection to become ready.
package outbox

import (
	"errors"

	"github.com/absmach/commcore/packets"
)

var (
	// ErrEmpty is returned by Peek and Pop on an empty queue.
	ErrEmpty = errors.New("outbox is empty")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("outbox is closed")
)

// Queue is a FIFO of pending control packets.
type Queue interface {
	// Push appends pkt at the back.
	Push(pkt packets.ControlPacket) error

	// PushFront inserts pkt at the front, ahead of every queued packet.
	PushFront(pkt packets.ControlPacket) error

	// Peek returns the front packet without removing it.
	Peek() (packets.ControlPacket, error)

	// Pop removes and returns the front packet.
	Pop() (packets.ControlPacket, error)

	// Len returns the number of queued packets.
	Len() int

	// Each calls fn for every queued packet in order, stopping at the
	// first error.
	Each(fn func(packets.ControlPacket) error) error

	// Close releases the queue.
	Close() error
}
