// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets implements the MQTT 3.1.1 control packets used by the
// publish/subscribe protocol adapter and the one-shot message channel.
package packets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/commcore/packets/codec"
)

var (
	// ErrFailRemaining indicates remaining data does not match the size of sent data.
	ErrFailRemaining = errors.New("remaining data length does not match data size")

	// ErrUnknownType is returned for the reserved packet types 0 and 15.
	ErrUnknownType = errors.New("unsupported packet type")

	ErrMalformedVBI   = codec.ErrMalformedVBI
	ErrBufferTooShort = codec.ErrBufferTooShort
)

// Protocol version constants.
const (
	V31  byte = 0x03 // MQTT 3.1
	V311 byte = 0x04 // MQTT 3.1.1

	ProtocolName = "MQTT"
)

// Packet type constants.
const (
	ConnectType = iota + 1 // 0 value is forbidden
	ConnAckType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
)

// Quality of service levels. Failure is not a valid wire level for PUBLISH;
// it marks a frame whose QoS bits were both set and, in SUBACK, a refused topic.
const (
	AtMostOnce  byte = 0x00
	AtLeastOnce byte = 0x01
	ExactlyOnce byte = 0x02
	Failure     byte = 0x80
)

// NoPacketID is the packet identifier of frames that carry none.
const NoPacketID uint16 = 0

// PacketNames maps packet type constants to string names.
var PacketNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnAckType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
}

// QoSName returns a human-readable name of a QoS level.
func QoSName(qos byte) string {
	switch qos {
	case AtMostOnce:
		return "AT_MOST_ONCE"
	case AtLeastOnce:
		return "AT_LEAST_ONCE"
	case ExactlyOnce:
		return "EXACTLY_ONCE"
	default:
		return "FAILURE"
	}
}

// ControlPacket is the interface for all MQTT control packets.
type ControlPacket interface {
	// Encode serializes the packet, fixed header included.
	Encode() []byte

	// Pack writes the encoded packet to the writer.
	Pack(w io.Writer) error

	// Unpack decodes the packet body, everything after the fixed header.
	Unpack(r io.Reader) error

	Type() byte
	String() string
}

// Identified is implemented by packets carrying a packet identifier.
type Identified interface {
	PacketID() uint16
}

// New returns an empty packet for the type in fh.
func New(fh FixedHeader) (ControlPacket, error) {
	switch fh.PacketType {
	case ConnectType:
		return &Connect{FixedHeader: fh}, nil
	case ConnAckType:
		return &ConnAck{FixedHeader: fh}, nil
	case PublishType:
		return &Publish{FixedHeader: fh}, nil
	case PubAckType:
		return &PubAck{FixedHeader: fh}, nil
	case PubRecType:
		return &PubRec{FixedHeader: fh}, nil
	case PubRelType:
		return &PubRel{FixedHeader: fh}, nil
	case PubCompType:
		return &PubComp{FixedHeader: fh}, nil
	case SubscribeType:
		return &Subscribe{FixedHeader: fh}, nil
	case SubAckType:
		return &SubAck{FixedHeader: fh}, nil
	case UnsubscribeType:
		return &Unsubscribe{FixedHeader: fh}, nil
	case UnsubAckType:
		return &UnsubAck{FixedHeader: fh}, nil
	case PingReqType:
		return &PingReq{FixedHeader: fh}, nil
	case PingRespType:
		return &PingResp{FixedHeader: fh}, nil
	case DisconnectType:
		return &Disconnect{FixedHeader: fh}, nil
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrUnknownType, fh.PacketType)
}

// ReadPacket reads one complete frame from r.
func ReadPacket(r io.Reader) (ControlPacket, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}

	var fh FixedHeader
	if err := fh.Decode(first[0], r); err != nil {
		return nil, err
	}
	cp, err := New(fh)
	if err != nil {
		return nil, err
	}

	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrFailRemaining, err)
		}
		return nil, err
	}
	return cp, cp.Unpack(bytes.NewReader(body))
}

// frame completes fh for body and returns header and body together.
func frame(fh *FixedHeader, typ byte, body []byte) []byte {
	fh.PacketType = typ
	fh.RemainingLength = len(body)
	out := fh.appendTo(make([]byte, 0, len(body)+5))
	return append(out, body...)
}

func pack(w io.Writer, p ControlPacket) error {
	_, err := w.Write(p.Encode())
	return err
}
