// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var _ net.Conn = (*streamConn)(nil)

// streamConn turns a message-oriented WebSocket into the byte stream the
// packet channel reads frames from. Binary messages are concatenated in
// order and every Write goes out as one binary message.
type streamConn struct {
	ws     *websocket.Conn
	remote net.Addr
	cur    io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *streamConn) Read(b []byte) (int, error) {
	for {
		if c.cur == nil {
			r, err := c.next()
			if err != nil {
				return 0, err
			}
			c.cur = r
		}
		n, err := c.cur.Read(b)
		if !errors.Is(err, io.EOF) {
			return n, err
		}
		c.cur = nil
		if n > 0 {
			return n, nil
		}
	}
}

// next returns the reader of the following binary message. A close
// frame ends the stream with io.EOF.
func (c *streamConn) next() (io.Reader, error) {
	kind, r, err := c.ws.NextReader()
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		return nil, io.EOF
	case err != nil:
		return nil, err
	case kind != websocket.BinaryMessage:
		return nil, ErrTextFrame
	}
	return r, nil
}

func (c *streamConn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.ws.Close() })
	return c.closeErr
}

func (c *streamConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *streamConn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

// remoteAddr is the peer address reported by the HTTP request.
type remoteAddr string

func (a remoteAddr) Network() string { return "websocket" }
func (a remoteAddr) String() string  { return string(a) }
