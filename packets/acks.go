// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

// The acknowledgment packets carry nothing but a packet identifier.

func encodeID(fh *FixedHeader, typ byte, id uint16) []byte {
	return frame(fh, typ, []byte{byte(id >> 8), byte(id)})
}

func unpackID(r io.Reader, id *uint16) error {
	d := codec.NewReader(r)
	*id = d.Uint16()
	return d.Err()
}

func idString(fh FixedHeader, id uint16) string {
	return fmt.Sprintf("%s id=%d", fh, id)
}

// PubAck acknowledges a QoS 1 PUBLISH.
type PubAck struct {
	FixedHeader
	ID uint16
}

func (p *PubAck) Type() byte               { return PubAckType }
func (p *PubAck) PacketID() uint16         { return p.ID }
func (p *PubAck) String() string           { return idString(p.FixedHeader, p.ID) }
func (p *PubAck) Encode() []byte           { return encodeID(&p.FixedHeader, PubAckType, p.ID) }
func (p *PubAck) Unpack(r io.Reader) error { return unpackID(r, &p.ID) }
func (p *PubAck) Pack(w io.Writer) error   { return pack(w, p) }

// PubRec is the first answer to a QoS 2 PUBLISH.
type PubRec struct {
	FixedHeader
	ID uint16
}

func (p *PubRec) Type() byte               { return PubRecType }
func (p *PubRec) PacketID() uint16         { return p.ID }
func (p *PubRec) String() string           { return idString(p.FixedHeader, p.ID) }
func (p *PubRec) Encode() []byte           { return encodeID(&p.FixedHeader, PubRecType, p.ID) }
func (p *PubRec) Unpack(r io.Reader) error { return unpackID(r, &p.ID) }
func (p *PubRec) Pack(w io.Writer) error   { return pack(w, p) }

// PubRel releases a QoS 2 PUBLISH. Its fixed header flags are 0010.
type PubRel struct {
	FixedHeader
	ID uint16
}

func (p *PubRel) Type() byte               { return PubRelType }
func (p *PubRel) PacketID() uint16         { return p.ID }
func (p *PubRel) String() string           { return idString(p.FixedHeader, p.ID) }
func (p *PubRel) Unpack(r io.Reader) error { return unpackID(r, &p.ID) }
func (p *PubRel) Pack(w io.Writer) error   { return pack(w, p) }

func (p *PubRel) Encode() []byte {
	p.FixedHeader.QoS = AtLeastOnce
	return encodeID(&p.FixedHeader, PubRelType, p.ID)
}

// PubComp completes a QoS 2 exchange.
type PubComp struct {
	FixedHeader
	ID uint16
}

func (p *PubComp) Type() byte               { return PubCompType }
func (p *PubComp) PacketID() uint16         { return p.ID }
func (p *PubComp) String() string           { return idString(p.FixedHeader, p.ID) }
func (p *PubComp) Encode() []byte           { return encodeID(&p.FixedHeader, PubCompType, p.ID) }
func (p *PubComp) Unpack(r io.Reader) error { return unpackID(r, &p.ID) }
func (p *PubComp) Pack(w io.Writer) error   { return pack(w, p) }

// UnsubAck acknowledges an UNSUBSCRIBE.
type UnsubAck struct {
	FixedHeader
	ID uint16
}

func (p *UnsubAck) Type() byte               { return UnsubAckType }
func (p *UnsubAck) PacketID() uint16         { return p.ID }
func (p *UnsubAck) String() string           { return idString(p.FixedHeader, p.ID) }
func (p *UnsubAck) Encode() []byte           { return encodeID(&p.FixedHeader, UnsubAckType, p.ID) }
func (p *UnsubAck) Unpack(r io.Reader) error { return unpackID(r, &p.ID) }
func (p *UnsubAck) Pack(w io.Writer) error   { return pack(w, p) }
