package session

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Command is sent into a connection actor through its Handle.
type Command interface{ isCommand() }

type baseCommand struct{}

func (baseCommand) isCommand() {}

// SendMessage writes one data frame to the connection.
type SendMessage struct {
	baseCommand
	Type int
	Data []byte
}

// Close asks the actor to close the connection gracefully and exit.
type Close struct {
	baseCommand
}

// Text builds a SendMessage carrying a text frame.
func Text(data []byte) SendMessage {
	return SendMessage{Type: websocket.TextMessage, Data: data}
}

// Binary builds a SendMessage carrying a binary frame.
func Binary(data []byte) SendMessage {
	return SendMessage{Type: websocket.BinaryMessage, Data: data}
}

// Event is emitted by a connection actor to whoever holds its event receiver.
type Event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

// MessageEvent carries one inbound text or binary frame.
type MessageEvent struct {
	baseEvent
	Type int
	Data []byte
}

// ClosedEvent is the last event of a session that ended with a peer close.
// Reason is nil when the stream ended without a close frame.
type ClosedEvent struct {
	baseEvent
	Reason *CloseReason
}

// ErrorEvent is the last event of a session whose inbound stream failed.
type ErrorEvent struct {
	baseEvent
	Err error
}

// CloseReason is the status carried by a peer close frame.
type CloseReason struct {
	Code int
	Text string
}

func (r CloseReason) String() string {
	if r.Text == "" {
		return fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("%d (%s)", r.Code, r.Text)
}

func commandName(cmd Command) string {
	switch cmd.(type) {
	case SendMessage:
		return "send_message"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}
