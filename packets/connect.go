// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

// CONNECT flag bits.
const (
	flagUsername     = 0x80
	flagPassword     = 0x40
	flagWillRetain   = 0x20
	flagWill         = 0x04
	flagCleanSession = 0x02
	flagReserved     = 0x01
)

// Connect represents the MQTT V3.1.1 CONNECT packet.
type Connect struct {
	FixedHeader
	ProtocolName    string
	ProtocolVersion byte
	UsernameFlag    bool
	PasswordFlag    bool
	WillRetain      bool
	WillQoS         byte
	WillFlag        bool
	CleanSession    bool
	ReservedBit     byte
	KeepAlive       uint16

	ClientID    string
	WillTopic   string
	WillMessage []byte
	Username    string
	Password    []byte
}

func (c *Connect) String() string {
	return fmt.Sprintf("%s protocol=%s/%d client_id=%s clean=%t keep_alive=%d user=%q",
		c.FixedHeader, c.ProtocolName, c.ProtocolVersion, c.ClientID, c.CleanSession, c.KeepAlive, c.Username)
}

func (c *Connect) Type() byte {
	return ConnectType
}

func (c *Connect) flags() byte {
	f := (c.WillQoS & 0x03) << 3
	for _, bit := range []struct {
		set  bool
		mask byte
	}{
		{c.UsernameFlag, flagUsername},
		{c.PasswordFlag, flagPassword},
		{c.WillRetain, flagWillRetain},
		{c.WillFlag, flagWill},
		{c.CleanSession, flagCleanSession},
	} {
		if bit.set {
			f |= bit.mask
		}
	}
	return f
}

func (c *Connect) setFlags(f byte) {
	c.UsernameFlag = f&flagUsername != 0
	c.PasswordFlag = f&flagPassword != 0
	c.WillRetain = f&flagWillRetain != 0
	c.WillQoS = (f >> 3) & 0x03
	c.WillFlag = f&flagWill != 0
	c.CleanSession = f&flagCleanSession != 0
	c.ReservedBit = f & flagReserved
}

func (c *Connect) Encode() []byte {
	w := codec.NewWriter(16 + len(c.ClientID) + len(c.Username) + len(c.Password))
	w.String(c.ProtocolName)
	w.Byte(c.ProtocolVersion)
	w.Byte(c.flags())
	w.Uint16(c.KeepAlive)

	w.String(c.ClientID)
	if c.WillFlag {
		w.String(c.WillTopic)
		w.Field(c.WillMessage)
	}
	if c.UsernameFlag {
		w.String(c.Username)
	}
	if c.PasswordFlag {
		w.Field(c.Password)
	}
	return frame(&c.FixedHeader, ConnectType, w.Bytes())
}

func (c *Connect) Unpack(r io.Reader) error {
	d := codec.NewReader(r)
	c.ProtocolName = d.String()
	c.ProtocolVersion = d.Byte()
	c.setFlags(d.Byte())
	c.KeepAlive = d.Uint16()

	c.ClientID = d.String()
	if c.WillFlag {
		c.WillTopic = d.String()
		c.WillMessage = d.Field()
	}
	if c.UsernameFlag {
		c.Username = d.String()
	}
	if c.PasswordFlag {
		c.Password = d.Field()
	}
	return d.Err()
}

func (c *Connect) Pack(w io.Writer) error {
	return pack(w, c)
}
