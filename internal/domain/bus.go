package domain

import "context"

// Topics carried on the event bus.
const (
	// TopicSessionSubmitted carries an encoded BehaviorRequest queued for
	// asynchronous scoring.
	TopicSessionSubmitted = "kestrel.session.submitted"
	// TopicSessionScored carries the JSON SessionResult of every scored session.
	TopicSessionScored = "kestrel.session.scored"
	// TopicAlert carries each Alert raised by a matching trigger.
	TopicAlert = "kestrel.alert"
)

// Message is one event as seen by a subscriber.
//
// Metadata holds W3C trace context (traceparent, baggage) injected by the
// publisher, plus any headers a foreign NATS publisher attached.
// Timestamp is Unix nanoseconds at publish time.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MessageHandler consumes a Message. The context carries the publisher's
// span as remote parent.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is a live handler registration.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// EventBus moves pipeline events between components: in-process channels
// for a single node, NATS when several nodes share work.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// EventBusConfig selects and tunes the EventBus implementation.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `json:"type" yaml:"type" toml:"type"`

	// ChannelBufferSize is the per-subscriber queue depth of the channel bus.
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize" toml:"channel_buffer_size"`

	NATSUrl   string `json:"natsUrl" yaml:"natsUrl" toml:"nats_url"`
	NATSToken string `json:"-" yaml:"-" toml:"-"`
	// NATSMaxReconnects also bounds the initial connect attempts.
	NATSMaxReconnects int `json:"natsMaxReconnects" yaml:"natsMaxReconnects" toml:"nats_max_reconnects"`
	// NATSReconnectWait is in seconds.
	NATSReconnectWait int `json:"natsReconnectWait" yaml:"natsReconnectWait" toml:"nats_reconnect_wait"`

	// NATSQueueGroup, when set, load-balances each topic across all
	// subscribers in the group instead of fanning out.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"natsQueueGroup" toml:"nats_queue_group"`
}
