package types

import "errors"

var (
	ErrMalformedMessage   = errors.New("message is not valid JSON")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLarge    = errors.New("message exceeds 4KB limit")
	ErrInvalidEncoding    = errors.New("message must be valid UTF-8")
	ErrInvalidReceiver    = errors.New("receiver_id must be a valid UUID")
	ErrInvalidSender      = errors.New("sender_id must be a valid UUID")
	ErrMissingMessageID   = errors.New("message id is required")
)
