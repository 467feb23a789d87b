// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "errors"

var (
	// ErrDuplicateStage is returned when a stage name is already in use.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrStageNotFound is returned when a named stage does not exist.
	ErrStageNotFound = errors.New("stage not found")

	// ErrChannelClosed is returned for work submitted to a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrUnencodedMessage is returned when an outbound message reaches the
	// connection without having been encoded to bytes.
	ErrUnencodedMessage = errors.New("outbound message is not encoded")

	// ErrNotBound is returned when a pipeline is used without a channel.
	ErrNotBound = errors.New("pipeline is not bound to a channel")
)
