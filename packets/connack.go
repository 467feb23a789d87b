// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

// CONNACK return codes.
const (
	Accepted                        byte = 0x00
	ErrRefusedBadProtocolVersion    byte = 0x01
	ErrRefusedIDRejected            byte = 0x02
	ErrRefusedServerUnavailable     byte = 0x03
	ErrRefusedBadUsernameOrPassword byte = 0x04
	ErrRefusedNotAuthorized         byte = 0x05
)

// ConnAck represents the MQTT V3.1.1 CONNACK packet.
type ConnAck struct {
	FixedHeader
	SessionPresent bool
	ReturnCode     byte
}

func (c *ConnAck) String() string {
	return fmt.Sprintf("%s session_present=%t code=%d", c.FixedHeader, c.SessionPresent, c.ReturnCode)
}

var connAckReasons = [...]string{
	Accepted:                        "connection accepted",
	ErrRefusedBadProtocolVersion:    "unacceptable protocol version",
	ErrRefusedIDRejected:            "client identifier rejected",
	ErrRefusedServerUnavailable:     "server unavailable",
	ErrRefusedBadUsernameOrPassword: "bad username or password",
	ErrRefusedNotAuthorized:         "not authorized",
}

// Reason describes the return code.
func (c *ConnAck) Reason() string {
	if int(c.ReturnCode) < len(connAckReasons) {
		return connAckReasons[c.ReturnCode]
	}
	return fmt.Sprintf("reserved return code %d", c.ReturnCode)
}

func (c *ConnAck) Type() byte {
	return ConnAckType
}

func (c *ConnAck) Encode() []byte {
	var ack byte
	if c.SessionPresent {
		ack = 0x01
	}
	return frame(&c.FixedHeader, ConnAckType, []byte{ack, c.ReturnCode})
}

func (c *ConnAck) Unpack(r io.Reader) error {
	d := codec.NewReader(r)
	c.SessionPresent = d.Byte()&0x01 != 0
	c.ReturnCode = d.Byte()
	return d.Err()
}

func (c *ConnAck) Pack(w io.Writer) error {
	return pack(w, c)
}
