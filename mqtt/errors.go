// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import "errors"

var (
	// ErrUnknownTopic marks a PUBLISH for a topic nobody subscribed to.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrNoPacketID means all 65535 identifiers are queued or in flight.
	ErrNoPacketID = errors.New("no free packet identifier")

	// ErrNoTopics is returned for a subscription without topics.
	ErrNoTopics = errors.New("subscription has no topics")

	// ErrInvalidTopic is returned for an empty topic name or one carrying
	// wildcards; subscriptions match topics exactly.
	ErrInvalidTopic = errors.New("invalid topic")

	ErrClosed         = errors.New("protocol closed")
	ErrPacketTooLarge = errors.New("frame exceeds max_packet_size")
	ErrUnknownOutbox  = errors.New("unknown outbox type")
)
