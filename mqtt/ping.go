// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"log/slog"
	"sync/atomic"

	"github.com/absmach/commcore/packets"
	"github.com/absmach/commcore/pipeline"
)

// PingStage answers PINGREQ and sends PINGREQ when the connection has been
// writer-idle.
type PingStage struct {
	sent     atomic.Int64
	received atomic.Int64
}

func (s *PingStage) Read(ctx *pipeline.Context, msg any) error {
	switch msg.(type) {
	case *packets.PingReq:
		if err := ctx.Write(&packets.PingResp{}).Err(); err != nil {
			ctx.Logger().Warn("failed to send PINGRESP", slog.String("error", err.Error()))
		}
		return nil
	case *packets.PingResp:
		s.received.Add(1)
		return nil
	}
	return ctx.FireRead(msg)
}

func (s *PingStage) Event(ctx *pipeline.Context, ev any) error {
	ie, ok := ev.(pipeline.IdleEvent)
	if !ok || ie.State != pipeline.WriterIdle {
		return ctx.FireEvent(ev)
	}
	if err := ctx.Write(&packets.PingReq{}).Err(); err != nil {
		ctx.Logger().Warn("failed to send PINGREQ", slog.String("error", err.Error()))
		return nil
	}
	s.sent.Add(1)
	return nil
}

// Sent returns the number of PINGREQ frames written.
func (s *PingStage) Sent() int64 {
	return s.sent.Load()
}

// Received returns the number of PINGRESP frames read.
func (s *PingStage) Received() int64 {
	return s.received.Load()
}
