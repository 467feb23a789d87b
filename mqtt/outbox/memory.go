// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"sync"

	"github.com/absmach/commcore/packets"
)

var _ Queue = (*Memory)(nil)

// Memory is an in-memory Queue.
type Memory struct {
	mu     sync.Mutex
	items  []packets.ControlPacket
	closed bool
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Push(pkt packets.ControlPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items = append(m.items, pkt)
	return nil
}

func (m *Memory) PushFront(pkt packets.ControlPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items = append([]packets.ControlPacket{pkt}, m.items...)
	return nil
}

func (m *Memory) Peek() (packets.ControlPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.items) == 0 {
		return nil, ErrEmpty
	}
	return m.items[0], nil
}

func (m *Memory) Pop() (packets.ControlPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.items) == 0 {
		return nil, ErrEmpty
	}
	pkt := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return pkt, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Each(fn func(packets.ControlPacket) error) error {
	m.mu.Lock()
	items := append([]packets.ControlPacket(nil), m.items...)
	m.mu.Unlock()

	for _, pkt := range items {
		if err := fn(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}
