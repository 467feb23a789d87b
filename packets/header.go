// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

// FixedHeader represents the MQTT fixed header present in all packets.
type FixedHeader struct {
	PacketType      byte
	Dup             bool
	QoS             byte
	Retain          bool
	RemainingLength int
}

func (fh FixedHeader) String() string {
	return fmt.Sprintf("%s dup=%t qos=%d retain=%t len=%d",
		PacketNames[fh.PacketType], fh.Dup, fh.QoS, fh.Retain, fh.RemainingLength)
}

// Encode serializes the fixed header.
func (fh FixedHeader) Encode() []byte {
	return fh.appendTo(nil)
}

func (fh FixedHeader) appendTo(dst []byte) []byte {
	b := fh.PacketType<<4 | (fh.QoS&0x03)<<1
	if fh.Dup {
		b |= 0x08
	}
	if fh.Retain {
		b |= 0x01
	}
	return codec.AppendVBI(append(dst, b), fh.RemainingLength)
}

// Decode parses the fixed header from the type/flags byte and reader.
func (fh *FixedHeader) Decode(typeAndFlags byte, r io.Reader) error {
	fh.setFlags(typeAndFlags)
	n, err := codec.ReadVBI(r)
	fh.RemainingLength = n
	return err
}

// DecodeFromBytes parses the fixed header at the start of data and
// returns the number of bytes it used. A header cut short yields
// ErrBufferTooShort.
func (fh *FixedHeader) DecodeFromBytes(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, ErrBufferTooShort
	}
	length, n, err := codec.VBIFromBytes(data[1:])
	if err != nil {
		return 0, err
	}
	fh.setFlags(data[0])
	fh.RemainingLength = length
	return n + 1, nil
}

func (fh *FixedHeader) setFlags(b byte) {
	fh.PacketType = b >> 4
	fh.Dup = b&0x08 != 0
	fh.QoS = (b >> 1) & 0x03
	fh.Retain = b&0x01 != 0
}
