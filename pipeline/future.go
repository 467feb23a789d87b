// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"sync"
)

// Future is the completion notification of an asynchronous write.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	listeners []func(*Future)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.err = err
	close(f.done)
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(f)
	}
}

// AddListener registers fn to be called once the write completes. If the
// future is already complete, fn is called immediately.
func (f *Future) AddListener(fn func(*Future)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f)
		return
	default:
	}
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Done is closed when the write completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the write error. It is nil until the future is complete.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Success reports whether the write completed without error.
func (f *Future) Success() bool {
	select {
	case <-f.done:
		return f.Err() == nil
	default:
		return false
	}
}

// Wait blocks until the write completes or ctx is done.
// It must not be called from a stage.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
