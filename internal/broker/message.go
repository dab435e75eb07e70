package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one published item. Payload is shared by every subscriber of
// the send and must be treated as read-only.
type Message[T any] struct {
	ID      string
	Time    time.Time
	Payload T
}

// NewMessage stamps payload with a fresh id and the current time.
func NewMessage[T any](payload T) *Message[T] {
	return &Message[T]{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// Subscriber receives messages published to the channels it joined.
// ID is its identity inside a channel's subscriber set.
type Subscriber[T any] interface {
	ID() string
	// OnMessage performs one delivery. A non-nil error removes the subscriber
	// from the channel once the current send has finished.
	OnMessage(ctx context.Context, msg *Message[T]) error
}

// SubscriberFunc adapts a function to a Subscriber.
type SubscriberFunc[T any] struct {
	Name string
	Fn   func(ctx context.Context, msg *Message[T]) error
}

func (f SubscriberFunc[T]) ID() string { return f.Name }

func (f SubscriberFunc[T]) OnMessage(ctx context.Context, msg *Message[T]) error {
	return f.Fn(ctx, msg)
}
