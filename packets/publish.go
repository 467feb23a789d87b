// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

// Publish represents the MQTT V3.1.1 PUBLISH packet. ID is only present
// on the wire for QoS 1 and 2.
type Publish struct {
	FixedHeader
	TopicName string
	ID        uint16
	Payload   []byte
}

func (p *Publish) String() string {
	return fmt.Sprintf("%s topic=%s id=%d payload=%dB", p.FixedHeader, p.TopicName, p.ID, len(p.Payload))
}

func (p *Publish) Type() byte {
	return PublishType
}

func (p *Publish) PacketID() uint16 {
	return p.ID
}

// Level returns the QoS level of the packet, mapping the reserved
// wire value 3 to Failure.
func (p *Publish) Level() byte {
	if p.QoS > ExactlyOnce {
		return Failure
	}
	return p.QoS
}

func (p *Publish) Encode() []byte {
	w := codec.NewWriter(4 + len(p.TopicName) + len(p.Payload))
	w.String(p.TopicName)
	if p.QoS > AtMostOnce {
		w.Uint16(p.ID)
	}
	w.Raw(p.Payload)
	return frame(&p.FixedHeader, PublishType, w.Bytes())
}

func (p *Publish) Unpack(r io.Reader) error {
	d := codec.NewReader(r)
	p.TopicName = d.String()
	if p.QoS > AtMostOnce {
		p.ID = d.Uint16()
	}
	p.Payload = d.Rest()
	return d.Err()
}

func (p *Publish) Pack(w io.Writer) error {
	return pack(w, p)
}
