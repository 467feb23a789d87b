// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"

	"github.com/absmach/commcore/mqtt/outbox"
	"github.com/absmach/commcore/protocol"
)

// Parameters read by Factory.
const (
	ParamUsername       = "username"
	ParamPassword       = "password"
	ParamWillTopic      = "will_topic"
	ParamWillMessage    = "will_message"
	ParamClientIDPrefix = "client_id_prefix"
	ParamKeepAlive      = "keep_alive"
	ParamLiveness       = "liveness"
	ParamMaxPacketSize  = "max_packet_size"
	ParamOutbox         = "outbox"
	ParamOutboxDir      = "outbox_dir"
)

// Outbox kinds.
const (
	OutboxMemory = "memory"
	OutboxBadger = "badger"
)

// Register adds the MQTT factory to r.
func Register(r *protocol.Registry) error {
	return r.Register(Name, Factory)
}

// Factory creates an adapter from protocol parameters.
func Factory(cfg protocol.Config) (protocol.Protocol, error) {
	return NewFromConfig(cfg)
}

// NewFromConfig creates an adapter from protocol parameters. With the
// badger outbox, pending publishes are kept in outbox_dir and survive
// restarts.
func NewFromConfig(cfg protocol.Config) (*Protocol, error) {
	params := cfg.Parameters
	if params == nil {
		params = protocol.Parameters{}
	}
	opts := Options{
		Role:           cfg.Role,
		ClientIDPrefix: params.String(ParamClientIDPrefix),
		Username:       params.String(ParamUsername),
		Password:       params.String(ParamPassword),
		WillTopic:      params.String(ParamWillTopic),
		WillMessage:    params.String(ParamWillMessage),
		KeepAlive:      params.Duration(ParamKeepAlive, defaultKeepAlive),
		Liveness:       params.Duration(ParamLiveness, defaultLiveness),
		MaxPacketSize:  params.Int(ParamMaxPacketSize, 0),
		Parameters:     params,
		Logger:         cfg.Logger,
	}

	switch kind := params.String(ParamOutbox); kind {
	case "", OutboxMemory:
	case OutboxBadger:
		dir := params.String(ParamOutboxDir)
		if dir == "" {
			return nil, fmt.Errorf("%s outbox requires %s", OutboxBadger, ParamOutboxDir)
		}
		store, err := outbox.OpenBadger(dir)
		if err != nil {
			return nil, err
		}
		q, err := store.Queue("publish")
		if err != nil {
			store.Close()
			return nil, err
		}
		opts.PendingPublishes = q
		opts.closers = append(opts.closers, store)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutbox, kind)
	}

	p, err := New(opts)
	if err != nil {
		for _, c := range opts.closers {
			c.Close()
		}
		return nil, err
	}
	return p, nil
}
