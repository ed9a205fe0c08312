package channel

import (
	"context"
	"strings"
	"sync"

	"github.com/Bldg-7/stationd/internal/protocol"
)

// MemoryChannel is an in-process Channel used by tests and local
// development. It mirrors the broker's at-least-once semantics closely
// enough for lifecycle testing and supports injected message loss.
type MemoryChannel struct {
	mu       sync.RWMutex
	subs     []memorySub
	dropRule func(topic string) bool
	closed   bool
}

type memorySub struct {
	filter string
	h      Handler
}

// NewMemoryChannel returns an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{}
}

// SetDropRule installs a predicate: topics for which it returns true have
// their messages silently dropped. Used to simulate network loss.
func (c *MemoryChannel) SetDropRule(rule func(topic string) bool) {
	c.mu.Lock()
	c.dropRule = rule
	c.mu.Unlock()
}

func (c *MemoryChannel) Publish(ctx context.Context, topic string, env *protocol.Envelope) error {
	// Round-trip through the codec so tests exercise the same validation
	// path as the broker transport.
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := protocol.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil
	}
	if c.dropRule != nil && c.dropRule(topic) {
		c.mu.RUnlock()
		return nil
	}
	handlers := make([]Handler, 0, len(c.subs))
	for _, sub := range c.subs {
		if MatchTopic(sub.filter, topic) {
			handlers = append(handlers, sub.h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(topic, decoded)
	}
	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, filter string, h Handler) error {
	c.mu.Lock()
	c.subs = append(c.subs, memorySub{filter: filter, h: h})
	c.mu.Unlock()
	return nil
}

// Connected reports whether the channel accepts publishes.
func (c *MemoryChannel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.subs = nil
	c.mu.Unlock()
	return nil
}

// MatchTopic reports whether a topic matches a filter where "+" matches
// exactly one level.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	if len(fparts) != len(tparts) {
		return false
	}
	for i, fp := range fparts {
		if fp == "+" {
			if tparts[i] == "" {
				return false
			}
			continue
		}
		if fp != tparts[i] {
			return false
		}
	}
	return true
}
