// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"sort"
	"sync"
)

// Handler receives the payload of a publish on a subscribed topic.
type Handler func(topic string, payload []byte)

// Subscriptions maps topic names to handlers. Lookups are exact string
// matches; wildcards are not interpreted.
type Subscriptions struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{handlers: make(map[string]Handler)}
}

// Add registers h for topic, replacing any previous handler.
func (s *Subscriptions) Add(topic string, h Handler) {
	s.mu.Lock()
	s.handlers[topic] = h
	s.mu.Unlock()
}

// Remove unregisters topic and reports whether it was registered.
func (s *Subscriptions) Remove(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[topic]
	delete(s.handlers, topic)
	return ok
}

func (s *Subscriptions) Get(topic string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[topic]
	return h, ok
}

// Topics returns the registered topics, sorted.
func (s *Subscriptions) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Deliver calls the handler of topic with payload.
func (s *Subscriptions) Deliver(topic string, payload []byte) error {
	h, ok := s.Get(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	h(topic, payload)
	return nil
}
