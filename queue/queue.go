// Package queue defines the durable at-least-once message queue between the
// ingestion endpoint and the relay consumer.
//
// A claimed message stays in the queue, invisible, until it is acked or its
// visibility timeout lapses. A consumer that dies mid-delivery therefore
// never loses the message; it is redelivered after the timeout.
package queue

import (
	"context"
	"time"

	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/entity"
)

// Message is one queued event.
type Message struct {
	entity.Entity

	// ID is the unique TypeID for this message.
	ID id.ID `json:"id"`

	// Body is the base64 text of the event JSON.
	Body string `json:"body"`

	// DequeueCount is the number of times the message has been claimed.
	DequeueCount int `json:"dequeue_count"`

	// EnqueuedAt is when the message was first enqueued.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// VisibleAt is when the message can next be claimed.
	VisibleAt time.Time `json:"visible_at"`
}

// NewMessage creates a message that is visible immediately.
func NewMessage(body []byte) *Message {
	now := time.Now().UTC()
	return &Message{
		Entity:     entity.New(),
		ID:         id.NewMessageID(),
		Body:       string(body),
		EnqueuedAt: now,
		VisibleAt:  now,
	}
}

// Publisher adds messages to the queue.
type Publisher interface {
	// Enqueue stores a new message.
	Enqueue(ctx context.Context, m *Message) error
}

// Store defines the persistence contract for the message queue.
type Store interface {
	Publisher

	// Claim leases up to limit visible messages for visibility, incrementing
	// their DequeueCount. Concurrent claimers never receive the same message
	// inside one lease. A limit <= 0 claims nothing.
	Claim(ctx context.Context, limit int, visibility time.Duration) ([]*Message, error)

	// Ack deletes a message after successful processing.
	Ack(ctx context.Context, msgID id.ID) error

	// Release makes a claimed message visible again after delay.
	Release(ctx context.Context, msgID id.ID, delay time.Duration) error

	// GetMessage returns a message by ID.
	GetMessage(ctx context.Context, msgID id.ID) (*Message, error)

	// CountPending returns the number of messages in the queue, claimed or not.
	CountPending(ctx context.Context) (int64, error)
}
