// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"math/rand"
	"sync"
	"time"
)

// maxPacketID is the largest 16-bit packet identifier. Zero is reserved
// for frames without one.
const maxPacketID = 65535

// idGenerator draws identifiers from an injected source so tests can seed it.
type idGenerator struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func newIDGenerator(r *rand.Rand) *idGenerator {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &idGenerator{rand: r}
}

// intn returns a value in [0, n).
func (g *idGenerator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rand.Intn(n)
}

// packetID returns a value in [1, 65535].
func (g *idGenerator) packetID() uint16 {
	return uint16(g.intn(maxPacketID) + 1)
}

// freePacketID returns a packet identifier not present in used. A few
// random draws are tried before scanning from a random offset.
func (g *idGenerator) freePacketID(used map[uint16]struct{}) (uint16, error) {
	if len(used) >= maxPacketID {
		return 0, ErrNoPacketID
	}
	for i := 0; i < 8; i++ {
		id := g.packetID()
		if _, ok := used[id]; !ok {
			return id, nil
		}
	}
	start := g.packetID()
	for i := 0; i < maxPacketID; i++ {
		id := uint16((int(start)-1+i)%maxPacketID + 1)
		if _, ok := used[id]; !ok {
			return id, nil
		}
	}
	return 0, ErrNoPacketID
}
