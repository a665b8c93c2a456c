// Package messaging moves JSON messages through Kafka topics.
package messaging

import "context"

// Message is one record on a topic.
type Message struct {
	Key   []byte
	Value []byte
}

// Producer publishes messages to a single topic.
type Producer interface {
	// Publish sends one message.
	Publish(ctx context.Context, msg Message) error

	// PublishBatch sends messages in one write.
	PublishBatch(ctx context.Context, msgs []Message) error

	// Close flushes buffered messages and closes the connection.
	Close() error
}

// Consumer reads messages from a single topic.
type Consumer interface {
	// Consume blocks until a message is received or the context is cancelled.
	// ack(true) commits the message; ack(false) leaves it to be redelivered.
	Consume(ctx context.Context) (msg *Message, ack func(success bool), err error)

	// Close shuts down the consumer connection.
	Close() error
}
