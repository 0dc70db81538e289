package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels or NATS.
// Topics are scoped by namespace (the test set ID, or GlobalNamespace).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, namespace string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, namespace string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
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
	Type string `koanf:"type"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
}

// GlobalNamespace carries events that are not tied to one test set, such as
// run requests consumed by the async worker.
const GlobalNamespace = "_global"

// Standard topic names for the evaluation pipeline.
const (
	TopicRunRequested   = "kestrel.run.requested"
	TopicRunStarted     = "kestrel.run.started"
	TopicBatchCompleted = "kestrel.batch.completed"
	TopicRunCompleted   = "kestrel.run.completed"
	TopicRunFailed      = "kestrel.run.failed"
	TopicRecordRescored = "kestrel.record.rescored"
)

// RunEvent is the JSON payload of run lifecycle topics.
type RunEvent struct {
	RunID     string `json:"runId"`
	TestSetID string `json:"testSetId,omitempty"`
	Batch     int    `json:"batch,omitempty"`
	Batches   int    `json:"batches,omitempty"`
	Records   int    `json:"records"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// RunRequest is the payload of TopicRunRequested.
type RunRequest struct {
	RunID     string `json:"runId"`
	TestSetID string `json:"testSetId"`
	TraceID   string `json:"traceId,omitempty"`
}
