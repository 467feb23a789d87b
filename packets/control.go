// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import "io"

// PINGREQ, PINGRESP and DISCONNECT consist of the fixed header only.

// PingReq represents the MQTT V3.1.1 PINGREQ packet.
type PingReq struct {
	FixedHeader
}

func (p *PingReq) Type() byte             { return PingReqType }
func (p *PingReq) String() string         { return p.FixedHeader.String() }
func (p *PingReq) Encode() []byte         { return frame(&p.FixedHeader, PingReqType, nil) }
func (p *PingReq) Unpack(io.Reader) error { return nil }
func (p *PingReq) Pack(w io.Writer) error { return pack(w, p) }

// PingResp represents the MQTT V3.1.1 PINGRESP packet.
type PingResp struct {
	FixedHeader
}

func (p *PingResp) Type() byte             { return PingRespType }
func (p *PingResp) String() string         { return p.FixedHeader.String() }
func (p *PingResp) Encode() []byte         { return frame(&p.FixedHeader, PingRespType, nil) }
func (p *PingResp) Unpack(io.Reader) error { return nil }
func (p *PingResp) Pack(w io.Writer) error { return pack(w, p) }

// Disconnect represents the MQTT V3.1.1 DISCONNECT packet.
type Disconnect struct {
	FixedHeader
}

func (p *Disconnect) Type() byte             { return DisconnectType }
func (p *Disconnect) String() string         { return p.FixedHeader.String() }
func (p *Disconnect) Encode() []byte         { return frame(&p.FixedHeader, DisconnectType, nil) }
func (p *Disconnect) Unpack(io.Reader) error { return nil }
func (p *Disconnect) Pack(w io.Writer) error { return pack(w, p) }
