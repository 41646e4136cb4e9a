package domain

import (
	"context"
)

// EventBus carries signals into the engine and flag decisions out of it.
// Backed by Go channels (community) or NATS (pro).
type EventBus interface {
	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. Subscribers sharing a
	// non-empty group split the topic's messages between them.
	Subscribe(ctx context.Context, topic, group string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the bus envelope.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" koanf:"type"`

	// Channel settings (community tier)
	ChannelBufferSize int `json:"channelBufferSize" koanf:"channel_buffer_size"`

	// NATS settings (pro tier)
	NATSUrl           string `json:"natsUrl" koanf:"nats_url"`
	NATSToken         string `json:"-" koanf:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" koanf:"nats_reconnect_wait"` // seconds
}

// Topics used by the ingestion worker and flag notifiers.
const (
	TopicSignalIngested = "kestrel.signal.ingested"
	TopicFlagDecision   = "kestrel.flag.decision"
	TopicBlockIssued    = "kestrel.flag.block"
)
