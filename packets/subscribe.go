// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

// Topic is one topic of a SUBSCRIBE with its requested QoS.
type Topic struct {
	Name string
	QoS  byte
}

// Subscribe represents the MQTT V3.1.1 SUBSCRIBE packet.
type Subscribe struct {
	FixedHeader
	ID     uint16
	Topics []Topic
}

func (s *Subscribe) String() string {
	return fmt.Sprintf("%s id=%d topics=%v", s.FixedHeader, s.ID, s.Topics)
}

func (s *Subscribe) Type() byte {
	return SubscribeType
}

func (s *Subscribe) PacketID() uint16 {
	return s.ID
}

func (s *Subscribe) Encode() []byte {
	w := codec.NewWriter(2 + 8*len(s.Topics))
	w.Uint16(s.ID)
	for _, t := range s.Topics {
		w.String(t.Name)
		w.Byte(t.QoS)
	}
	// Flags 0010 are mandatory.
	s.FixedHeader.QoS = AtLeastOnce
	return frame(&s.FixedHeader, SubscribeType, w.Bytes())
}

func (s *Subscribe) Unpack(r io.Reader) error {
	d := codec.NewReader(r)
	s.ID = d.Uint16()
	for d.More() {
		t := Topic{Name: d.String()}
		t.QoS = d.Byte()
		s.Topics = append(s.Topics, t)
	}
	return d.Err()
}

func (s *Subscribe) Pack(w io.Writer) error {
	return pack(w, s)
}

// SubAck represents the MQTT V3.1.1 SUBACK packet. It holds one return
// code per requested topic, Failure for a refused one.
type SubAck struct {
	FixedHeader
	ID          uint16
	ReturnCodes []byte
}

func (s *SubAck) String() string {
	return fmt.Sprintf("%s id=%d codes=%v", s.FixedHeader, s.ID, s.ReturnCodes)
}

func (s *SubAck) Type() byte {
	return SubAckType
}

func (s *SubAck) PacketID() uint16 {
	return s.ID
}

func (s *SubAck) Encode() []byte {
	w := codec.NewWriter(2 + len(s.ReturnCodes))
	w.Uint16(s.ID)
	w.Raw(s.ReturnCodes)
	return frame(&s.FixedHeader, SubAckType, w.Bytes())
}

func (s *SubAck) Unpack(r io.Reader) error {
	d := codec.NewReader(r)
	s.ID = d.Uint16()
	s.ReturnCodes = d.Rest()
	return d.Err()
}

func (s *SubAck) Pack(w io.Writer) error {
	return pack(w, s)
}

// Unsubscribe represents the MQTT V3.1.1 UNSUBSCRIBE packet.
type Unsubscribe struct {
	FixedHeader
	ID     uint16
	Topics []string
}

func (u *Unsubscribe) String() string {
	return fmt.Sprintf("%s id=%d topics=%v", u.FixedHeader, u.ID, u.Topics)
}

func (u *Unsubscribe) Type() byte {
	return UnsubscribeType
}

func (u *Unsubscribe) PacketID() uint16 {
	return u.ID
}

func (u *Unsubscribe) Encode() []byte {
	w := codec.NewWriter(2 + 8*len(u.Topics))
	w.Uint16(u.ID)
	for _, t := range u.Topics {
		w.String(t)
	}
	u.FixedHeader.QoS = AtLeastOnce
	return frame(&u.FixedHeader, UnsubscribeType, w.Bytes())
}

func (u *Unsubscribe) Unpack(r io.Reader) error {
	d := codec.NewReader(r)
	u.ID = d.Uint16()
	for d.More() {
		u.Topics = append(u.Topics, d.String())
	}
	return d.Err()
}

func (u *Unsubscribe) Pack(w io.Writer) error {
	return pack(w, u)
}
