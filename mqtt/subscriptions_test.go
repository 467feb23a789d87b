// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptions(t *testing.T) {
	s := NewSubscriptions()
	assert.Equal(t, 0, s.Len())

	var got []string
	s.Add("b/c", func(topic string, payload []byte) { got = append(got, topic+"="+string(payload)) })
	s.Add("a", func(topic string, payload []byte) { got = append(got, "first") })
	s.Add("a", func(topic string, payload []byte) { got = append(got, "second") })

	assert.Equal(t, []string{"a", "b/c"}, s.Topics())
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Deliver("a", nil))
	require.NoError(t, s.Deliver("b/c", []byte("x")))
	assert.Equal(t, []string{"second", "b/c=x"}, got)

	cases := []string{"b/+", "b/#", "#", "B/c", "b/c/"}
	for _, topic := range cases {
		err := s.Deliver(topic, nil)
		assert.ErrorIs(t, err, ErrUnknownTopic, topic)
	}

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b/c"}, s.Topics())
}

func TestSubscriptionsConcurrentAccess(t *testing.T) {
	s := NewSubscriptions()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topic := fmt.Sprintf("t/%d", i)
			for j := 0; j < 100; j++ {
				s.Add(topic, func(string, []byte) {})
				_ = s.Deliver(topic, nil)
				s.Topics()
				s.Remove(topic)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
