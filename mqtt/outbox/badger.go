// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/commcore/packets"
	"github.com/dgraph-io/badger/v4"
)

var _ Queue = (*Badger)(nil)

// Sequence numbers start in the middle of the key space so that PushFront
// can keep allocating keys below the current head.
const initialSeq uint64 = 1 << 63

// Store owns a BadgerDB instance shared by several queues.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// OpenBadger opens or creates a BadgerDB database in dir.
func OpenBadger(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox at %s: %w", dir, err)
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()

	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *badger.DB {
	return s.db
}

// Queue returns the queue stored under prefix.
func (s *Store) Queue(prefix string) (*Badger, error) {
	return NewBadger(s.db, prefix)
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there is nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

// Badger is a Queue persisted in BadgerDB. Each packet is stored encoded
// under {prefix}/{seq}, seq being a big-endian sequence number, so the
// queue order survives restarts.
type Badger struct {
	db     *badger.DB
	prefix []byte

	mu     sync.Mutex
	head   uint64
	tail   uint64
	count  int
	closed bool
}

// NewBadger returns the queue stored under prefix, loading its bounds
// from the database.
func NewBadger(db *badger.DB, prefix string) (*Badger, error) {
	q := &Badger{
		db:     db,
		prefix: []byte(prefix + "/"),
		head:   initialSeq,
		tail:   initialSeq,
	}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		first := true
		for it.Rewind(); it.Valid(); it.Next() {
			seq, err := q.seq(it.Item().Key())
			if err != nil {
				return err
			}
			if first {
				q.head = seq
				first = false
			}
			q.tail = seq + 1
			q.count++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox %s: %w", prefix, err)
	}

	return q, nil
}

func (q *Badger) Push(pkt packets.ControlPacket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if err := q.set(q.tail, pkt); err != nil {
		return err
	}
	q.tail++
	q.count++
	return nil
}

func (q *Badger) PushFront(pkt packets.ControlPacket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if q.count == 0 {
		q.head, q.tail = initialSeq, initialSeq
		if err := q.set(q.tail, pkt); err != nil {
			return err
		}
		q.tail++
		q.count++
		return nil
	}

	if err := q.set(q.head-1, pkt); err != nil {
		return err
	}
	q.head--
	q.count++
	return nil
}

func (q *Badger) Peek() (packets.ControlPacket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.count == 0 {
		return nil, ErrEmpty
	}

	var pkt packets.ControlPacket
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		pkt, err = q.get(txn, q.head)
		return err
	})
	return pkt, err
}

func (q *Badger) Pop() (packets.ControlPacket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.count == 0 {
		return nil, ErrEmpty
	}

	var pkt packets.ControlPacket
	err := q.db.Update(func(txn *badger.Txn) error {
		var err error
		pkt, err = q.get(txn, q.head)
		if err != nil {
			return err
		}
		return txn.Delete(q.key(q.head))
	})
	if err != nil {
		return nil, err
	}

	q.head++
	q.count--
	if q.count == 0 {
		q.head, q.tail = initialSeq, initialSeq
	}
	return pkt, nil
}

func (q *Badger) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Badger) Each(fn func(packets.ControlPacket) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	var pkts []packets.ControlPacket
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				pkt, err := packets.ReadPacket(bytes.NewReader(val))
				if err != nil {
					return err
				}
				pkts = append(pkts, pkt)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to decode queued packet: %w", err)
			}
		}
		return nil
	})
	q.mu.Unlock()
	if err != nil {
		return err
	}

	for _, pkt := range pkts {
		if err := fn(pkt); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches the queue. The database stays open.
func (q *Badger) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Badger) key(seq uint64) []byte {
	key := make([]byte, len(q.prefix)+8)
	copy(key, q.prefix)
	binary.BigEndian.PutUint64(key[len(q.prefix):], seq)
	return key
}

func (q *Badger) seq(key []byte) (uint64, error) {
	if len(key) != len(q.prefix)+8 {
		return 0, fmt.Errorf("malformed outbox key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(q.prefix):]), nil
}

func (q *Badger) set(seq uint64, pkt packets.ControlPacket) error {
	data := pkt.Encode()
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(q.key(seq), data)
	})
}

func (q *Badger) get(txn *badger.Txn, seq uint64) (packets.ControlPacket, error) {
	item, err := txn.Get(q.key(seq))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrEmpty
		}
		return nil, err
	}

	var pkt packets.ControlPacket
	err = item.Value(func(val []byte) error {
		pkt, err = packets.ReadPacket(bytes.NewReader(val))
		return err
	})
	return pkt, err
}
