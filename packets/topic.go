// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalidTopicName is returned for topic names that cannot be sent.
var ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")

// ValidateTopicName checks a concrete topic name: non-empty valid UTF-8
// without wildcards or NUL characters. Operation names travel as topic
// names, so the same rule applies to both.
func ValidateTopicName(topic string) error {
	if topic == "" || len(topic) > 65535 {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#\u0000") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	return nil
}
