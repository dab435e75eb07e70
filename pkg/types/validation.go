package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ParseClientMessage decodes and validates one inbound websocket frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the message type, body and receiver.
func (m *ClientMessage) Validate() error {
	if m.Type != MessageTypeRegular {
		return ErrInvalidMessageType
	}
	if err := validateBody(m.Message); err != nil {
		return err
	}
	if _, err := m.Receiver(); err != nil {
		return err
	}
	return nil
}

// Receiver parses ReceiverID.
func (m *ClientMessage) Receiver() (uuid.UUID, error) {
	id, err := uuid.Parse(m.ReceiverID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidReceiver
	}
	return id, nil
}

// Validate checks a ChatMessage before it is stored.
func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return ErrMissingMessageID
	}
	if m.SenderID == uuid.Nil {
		return ErrInvalidSender
	}
	if m.ReceiverID == uuid.Nil {
		return ErrInvalidReceiver
	}
	return validateBody(m.Body)
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if len(body) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	if !utf8.ValidString(body) {
		return ErrInvalidEncoding
	}
	return nil
}
