package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatline/internal/broker"
	"chatline/internal/session"
	"chatline/pkg/types"
)

// UserTopicPrefix starts every per-user topic name.
const UserTopicPrefix = "user:"

// UserTopic is the broker topic that carries direct messages for user.
func UserTopic(user uuid.UUID) string {
	return UserTopicPrefix + user.String()
}

// IsUserTopic reports whether topic is reserved for one user's direct messages.
func IsUserTopic(topic string) bool {
	return strings.HasPrefix(topic, UserTopicPrefix)
}

// SessionSubscriber forwards broker messages to one live connection.
// Its id is unique per connection, so a reconnect never collides with the
// membership of the connection it replaced.
type SessionSubscriber struct {
	id      string
	handle  *session.Handle
	timeout time.Duration
}

var _ broker.Subscriber[types.ServerMessage] = (*SessionSubscriber)(nil)

func NewSessionSubscriber(id string, handle *session.Handle, timeout time.Duration) *SessionSubscriber {
	return &SessionSubscriber{id: id, handle: handle, timeout: timeout}
}

func (s *SessionSubscriber) ID() string { return s.id }

// OnMessage queues the payload as a text frame. It fails once the session is
// gone or when the connection cannot take the frame within the timeout; the
// latter also closes the session so the client reconnects and resubscribes.
func (s *SessionSubscriber) OnMessage(ctx context.Context, msg *broker.Message[types.ServerMessage]) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.handle.Send(sctx, session.Text(data))
	if errors.Is(err, context.DeadlineExceeded) {
		go s.closeStalled()
	}
	return err
}

func (s *SessionSubscriber) closeStalled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_ = s.handle.Send(ctx, session.Close{})
}
