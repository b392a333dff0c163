package interfaces

import (
	"context"
	"time"
)

// Message is a broker message as seen by the services.
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	Headers     map[string]string `json:"headers"`
	PublishedAt time.Time         `json:"published_at"`
	Attempts    int               `json:"attempts"`
}

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerConfig carries subscriber tuning knobs.
type ConsumerConfig struct {
	GroupID            string
	AutoCommit         bool
	AutoCommitInterval time.Duration
	MaxPollRecords     int
	PollTimeout        time.Duration
}

// MessagingPort is the message-broker interface the services depend on.
type MessagingPort interface {
	Publish(ctx context.Context, topic string, message []byte) error

	// PublishWithKey publishes with a partition key so events for one
	// batch land on the same partition in order.
	PublishWithKey(ctx context.Context, topic string, key string, message []byte) error

	Subscribe(ctx context.Context, topic string, handler MessageHandler) (func() error, error)

	Close() error
}
