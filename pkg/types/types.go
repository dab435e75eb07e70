package types

import (
	"time"

	"github.com/google/uuid"
)

// Wire message type tags
const (
	MessageTypeRegular = "Regular"
	MessageTypeNotify  = "Notify"
)

// MaxMessageBytes is the largest accepted chat message body.
const MaxMessageBytes = 4096

// ClientMessage is what a client sends over the chat websocket.
// Only MessageTypeRegular exists today.
type ClientMessage struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	CreatedAt  string `json:"created_at"`
	ReceiverID string `json:"receiver_id"`
}

// ServerMessage is what the server pushes to a connected client.
// Regular carries a chat message from SenderID; Notify carries a topic
// announcement or an error reply and leaves SenderID empty.
type ServerMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ChatMessage is a persisted direct message.
type ChatMessage struct {
	ID         string    `json:"id" db:"id"`
	SenderID   uuid.UUID `json:"sender_id" db:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id" db:"receiver_id"`
	Body       string    `json:"body" db:"body"`
	// ClientCreatedAt is the timestamp the sender attached, kept verbatim.
	ClientCreatedAt string    `json:"client_created_at,omitempty" db:"client_created_at"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// NewChatMessage builds a ChatMessage from a validated client message.
func NewChatMessage(sender uuid.UUID, msg *ClientMessage) (*ChatMessage, error) {
	receiver, err := msg.Receiver()
	if err != nil {
		return nil, err
	}
	return &ChatMessage{
		ID:              uuid.NewString(),
		SenderID:        sender,
		ReceiverID:      receiver,
		Body:            msg.Message,
		ClientCreatedAt: msg.CreatedAt,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// ServerMessage converts m into the Regular frame delivered to both parties.
func (m *ChatMessage) ServerMessage() ServerMessage {
	createdAt := m.ClientCreatedAt
	if createdAt == "" {
		createdAt = m.CreatedAt.Format(time.RFC3339Nano)
	}
	return ServerMessage{
		Type:      MessageTypeRegular,
		Message:   m.Body,
		CreatedAt: createdAt,
		SenderID:  m.SenderID.String(),
	}
}

// NewNotify builds a Notify frame announcing message on topic.
func NewNotify(topic, message string) ServerMessage {
	return ServerMessage{
		Type:      MessageTypeNotify,
		Topic:     topic,
		Message:   message,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewErrorNotify builds a Notify frame telling the client its last message was refused.
func NewErrorNotify(err error) ServerMessage {
	return ServerMessage{
		Type:  MessageTypeNotify,
		Error: err.Error(),
	}
}
