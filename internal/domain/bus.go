package domain

import (
	"context"
)

// EventBus carries calculation requests and results between the API, the
// async worker and outside consumers. Channels back the community tier and
// NATS the pro tier.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers every message on topic to handler until the
	// subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload with a reply topic in its metadata and waits
	// for the first answer, or for ctx.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// QueueSubscriber is implemented by buses that can load-balance a topic
// across a named group, so each message reaches one member only.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, topic, queue string, handler MessageHandler) (Subscription, error)
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every payload travels in.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSDrainTimeout bounds how long Close waits for in-flight handlers, in seconds.
	NATSDrainTimeout int
}

// Topics of the calculation pipeline.
const (
	TopicCalculationRequested = "vatcalc.calculation.requested"
	TopicCalculationCompleted = "vatcalc.calculation.completed"
	TopicCalculationFailed    = "vatcalc.calculation.failed"
)

// MetadataReplyTo names the topic a request handler should publish its answer to.
const MetadataReplyTo = "reply_to"

// WorkerQueueGroup is the queue group async workers share on the request topic.
const WorkerQueueGroup = "vatcalc-workers"
