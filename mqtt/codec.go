// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/pipeline"
)

// decoder accumulates inbound bytes and fires one control packet per
// complete frame.
type decoder struct {
	maxSize int
	buf     []byte
}

func newDecoder(maxSize int) *decoder {
	return &decoder{maxSize: maxSize}
}

func (d *decoder) Read(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireRead(msg)
	}
	d.buf = append(d.buf, data...)

	for len(d.buf) > 0 {
		var fh packets.FixedHeader
		n, err := fh.DecodeFromBytes(d.buf)
		if errors.Is(err, packets.ErrBufferTooShort) {
			return nil
		}
		if err != nil {
			return err
		}

		total := n + fh.RemainingLength
		if d.maxSize > 0 && total > d.maxSize {
			return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, total, d.maxSize)
		}
		if len(d.buf) < total {
			return nil
		}

		pkt, err := packets.New(fh)
		if err != nil {
			return err
		}
		if err := pkt.Unpack(bytes.NewReader(d.buf[n:total])); err != nil {
			return fmt.Errorf("failed to decode %s: %w", packets.PacketNames[fh.PacketType], err)
		}
		d.buf = append(d.buf[:0], d.buf[total:]...)

		if err := ctx.FireRead(pkt); err != nil {
			return err
		}
	}
	return nil
}

// encoder turns control packets into wire bytes.
type encoder struct{}

func (encoder) Write(ctx *pipeline.Context, msg any) (any, error) {
	if pkt, ok := msg.(packets.ControlPacket); ok {
		return pkt.Encode(), nil
	}
	return msg, nil
}
