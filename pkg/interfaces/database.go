package interfaces

import (
	"context"

	"github.com/google/uuid"

	"chatline/pkg/types"
)

// MessageStore persists direct messages and serves history replay.
type MessageStore interface {
	// StoreMessage persists msg. It must succeed before the message is delivered.
	StoreMessage(ctx context.Context, msg *types.ChatMessage) error

	// Conversation returns the latest limit messages between a and b, oldest first.
	Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]*types.ChatMessage, error)

	// RecentForUser returns the latest limit messages sent or received by user, oldest first.
	RecentForUser(ctx context.Context, user uuid.UUID, limit int) ([]*types.ChatMessage, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
