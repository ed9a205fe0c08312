// Package channel provides the pub/sub command channel between the
// orchestrator and device agents: commands flow downstream on a per-machine
// topic, status and heartbeat events flow upstream. Delivery is
// at-least-once with no ordering guarantee across topics; consumers are
// responsible for deduplication.
package channel

import (
	"context"

	"github.com/Bldg-7/stationd/internal/protocol"
)

// Handler processes one decoded envelope received on a topic. Malformed
// payloads never reach a Handler; implementations log and discard them.
type Handler func(topic string, env *protocol.Envelope)

// Publisher sends envelopes to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *protocol.Envelope) error
}

// Subscriber registers a handler for a topic filter. Filters may contain a
// single-level "+" wildcard (e.g. "machines/+/status").
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, h Handler) error
}

// Channel is a full transport: both ends of the pub/sub exchange.
type Channel interface {
	Publisher
	Subscriber
	Close() error
}
