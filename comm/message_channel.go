// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"io"
	"sync"
)

var _ Channel = (*MessageChannel)(nil)

// MessageChannel yields one message that was already decoded, such as a
// PUBLISH delivered to a subscription. Later calls to Recv return io.EOF.
type MessageChannel struct {
	mu     sync.Mutex
	msg    *Message
	closed bool
}

// NewMessageChannel returns a channel carrying msg.
func NewMessageChannel(msg *Message) *MessageChannel {
	return &MessageChannel{msg: msg}
}

func (c *MessageChannel) Recv(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.msg == nil {
		return nil, io.EOF
	}
	msg := c.msg
	c.msg = nil
	return msg, nil
}

func (c *MessageChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.msg = nil
	c.mu.Unlock()
	return nil
}
