// Package queue provides the durable pool-request queue contract.
// Delivery is at-least-once with peek-lock semantics: a received message
// stays invisible for the visibility timeout and reappears unless deleted.
package queue

import (
	"context"
	"time"
)

// Message is one dequeued queue entry. Receipt identifies this delivery
// for deletion.
type Message struct {
	ID       string
	Receipt  string
	Body     []byte
	Dequeued time.Time
}

// Queue is one named durable queue.
type Queue interface {
	// Name returns the queue's cloud-side name.
	Name() string

	// Add enqueues one message.
	Add(ctx context.Context, body []byte) error

	// Get dequeues one message under peek-lock, or returns nil when the
	// queue is empty.
	Get(ctx context.Context) (*Message, error)

	// Delete removes a received message permanently.
	Delete(ctx context.Context, msg *Message) error

	// ApproximateCount returns the eventually-consistent pending count.
	ApproximateCount(ctx context.Context) (int, error)
}

// Provider creates and locates named queues.
type Provider interface {
	// CreateIfNotExists idempotently creates a queue. The bool reports
	// whether the queue was newly created.
	CreateIfNotExists(ctx context.Context, name string) (Queue, bool, error)

	// Open returns an existing queue without creating it.
	Open(ctx context.Context, name string) (Queue, error)

	// DeleteIfExists idempotently deletes a queue. The bool reports
	// whether a queue existed.
	DeleteIfExists(ctx context.Context, name string) (bool, error)
}
