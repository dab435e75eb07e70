package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/auth"
	"chatline/internal/broker"
	"chatline/internal/session"
	"chatline/pkg/types"
)

const waitFor = 2 * time.Second

// memoryStore is an in-memory MessageStore.
type memoryStore struct {
	mu       sync.Mutex
	messages []*types.ChatMessage
	storeErr error
}

func (s *memoryStore) StoreMessage(_ context.Context, msg *types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memoryStore) Conversation(_ context.Context, a, b uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	return s.filter(func(m *types.ChatMessage) bool {
		return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
	}, limit), nil
}

func (s *memoryStore) RecentForUser(_ context.Context, user uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	return s.filter(func(m *types.ChatMessage) bool {
		return m.SenderID == user || m.ReceiverID == user
	}, limit), nil
}

func (s *memoryStore) filter(keep func(*types.ChatMessage) bool, limit int) []*types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ChatMessage
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *memoryStore) HealthCheck(context.Context) error { return nil }
func (s *memoryStore) Close() error                      { return nil }

func (s *memoryStore) stored() []*types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.ChatMessage(nil), s.messages...)
}

type chatFixture struct {
	registry *session.Registry
	broker   *broker.Broker[types.ServerMessage]
	store    *memoryStore
	verifier *auth.Verifier
	handler  *Handler
	server   *httptest.Server
}

func newChatFixture(t *testing.T, mutate ...func(*Config, **RateLimiter)) *chatFixture {
	t.Helper()

	sessCfg := session.DefaultConfig()
	sessCfg.PingInterval = 0
	registry := session.NewRegistry(sessCfg, zerolog.Nop())

	verifier, err := auth.NewVerifier("secret", "chatline")
	require.NoError(t, err)

	cfg := DefaultConfig()
	limiter := NewRateLimiter(0, 1, nil)
	for _, m := range mutate {
		m(&cfg, &limiter)
	}

	f := &chatFixture{
		registry: registry,
		broker:   broker.New[types.ServerMessage](zerolog.Nop()),
		store:    &memoryStore{},
		verifier: verifier,
	}
	f.handler = NewHandler(f.registry, f.broker, f.store, verifier, limiter, cfg, zerolog.Nop())
	f.server = httptest.NewServer(f.handler)

	t.Cleanup(func() {
		f.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = registry.Shutdown(ctx)
		f.handler.Wait()
	})
	return f
}

func (f *chatFixture) url(t *testing.T, user uuid.UUID, query string) string {
	t.Helper()
	token, err := f.verifier.Issue(user, time.Hour)
	require.NoError(t, err)

	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=" + url.QueryEscape(token)
	if query != "" {
		u += "&" + query
	}
	return u
}

// connect dials as user and waits until the connection is registered and subscribed.
func (f *chatFixture) connect(t *testing.T, user uuid.UUID, query string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(f.url(t, user, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		subs, err := f.broker.Subscribers(UserTopic(user))
		return err == nil && len(subs) == 1
	}, waitFor, 5*time.Millisecond)
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) types.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg types.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendRegular(t *testing.T, conn *websocket.Conn, to uuid.UUID, body string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(types.ClientMessage{
		Type:       types.MessageTypeRegular,
		Message:    body,
		CreatedAt:  "2024-01-01T00:00:00Z",
		ReceiverID: to.String(),
	}))
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	f := newChatFixture(t)

	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_DirectMessage(t *testing.T) {
	f := newChatFixture(t)
	alice, bob := uuid.New(), uuid.New()

	aliceConn := f.connect(t, alice, "")
	bobConn := f.connect(t, bob, "")

	sendRegular(t, aliceConn, bob, "hi bob")

	got := readServerMessage(t, bobConn)
	assert.Equal(t, types.ServerMessage{
		Type:      types.MessageTypeRegular,
		Message:   "hi bob",
		CreatedAt: "2024-01-01T00:00:00Z",
		SenderID:  alice.String(),
	}, got)

	echo := readServerMessage(t, aliceConn)
	assert.Equal(t, got, echo)

	stored := f.store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, alice, stored[0].SenderID)
	assert.Equal(t, bob, stored[0].ReceiverID)
}

func TestHandler_OfflineReceiverStillStored(t *testing.T) {
	f := newChatFixture(t)
	alice, offline := uuid.New(), uuid.New()

	conn := f.connect(t, alice, "")
	sendRegular(t, conn, offline, "see you later")

	echo := readServerMessage(t, conn)
	assert.Equal(t, "see you later", echo.Message)

	require.Len(t, f.store.stored(), 1)
	assert.NotContains(t, f.broker.Channels(), UserTopic(offline))
}

func TestHandler_InvalidMessageKeepsSession(t *testing.T) {
	f := newChatFixture(t)
	alice := uuid.New()
	conn := f.connect(t, alice, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := readServerMessage(t, conn)
	assert.Equal(t, types.MessageTypeNotify, reply.Type)
	assert.Contains(t, reply.Error, types.ErrMalformedMessage.Error())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	reply = readServerMessage(t, conn)
	assert.Equal(t, ErrBinaryUnsupported.Error(), reply.Error)

	sendRegular(t, conn, alice, "note to self")
	reply = readServerMessage(t, conn)
	assert.Equal(t, types.MessageTypeRegular, reply.Type)
	assert.Equal(t, "note to self", reply.Message)
}

func TestHandler_StoreFailureIsReported(t *testing.T) {
	f := newChatFixture(t)
	f.store.storeErr = errors.New("disk full")
	alice, bob := uuid.New(), uuid.New()

	aliceConn := f.connect(t, alice, "")
	bobConn := f.connect(t, bob, "")

	sendRegular(t, aliceConn, bob, "lost")
	reply := readServerMessage(t, aliceConn)
	assert.Equal(t, ErrStoreFailed.Error(), reply.Error)

	// Nothing reaches the receiver when persisting fails.
	require.NoError(t, bobConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bobConn.ReadMessage()
	assert.Error(t, err)
}

func TestHandler_DuplicateConnectionRejected(t *testing.T) {
	f := newChatFixture(t)
	alice := uuid.New()
	f.connect(t, alice, "")

	_, resp, err := websocket.DefaultDialer.Dial(f.url(t, alice, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandler_HistoryReplay(t *testing.T) {
	f := newChatFixture(t)
	alice, bob := uuid.New(), uuid.New()

	for _, body := range []string{"one", "two"} {
		require.NoError(t, f.store.StoreMessage(context.Background(), &types.ChatMessage{
			ID: uuid.NewString(), SenderID: bob, ReceiverID: alice, Body: body, CreatedAt: time.Now(),
		}))
	}

	conn := f.connect(t, alice, "")
	assert.Equal(t, "one", readServerMessage(t, conn).Message)
	assert.Equal(t, "two", readServerMessage(t, conn).Message)
}

func TestHandler_RateLimit(t *testing.T) {
	f := newChatFixture(t, func(_ *Config, l **RateLimiter) {
		*l = NewRateLimiter(0.001, 1, nil)
	})
	alice := uuid.New()
	conn := f.connect(t, alice, "")

	sendRegular(t, conn, alice, "first")
	assert.Equal(t, "first", readServerMessage(t, conn).Message)

	sendRegular(t, conn, alice, "second")
	assert.Equal(t, ErrRateLimited.Error(), readServerMessage(t, conn).Error)
	assert.Len(t, f.store.stored(), 1)
}

func TestHandler_TopicMembership(t *testing.T) {
	f := newChatFixture(t)
	require.NoError(t, f.broker.CreateChannel("general"))
	alice := uuid.New()

	conn := f.connect(t, alice, "topics=general,missing")

	reply := readServerMessage(t, conn)
	assert.Equal(t, types.MessageTypeNotify, reply.Type)
	assert.Equal(t, "missing", reply.Topic)

	subs, err := f.broker.Subscribers("general")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, f.broker.SendMessage(context.Background(), "general",
		broker.NewMessage(types.NewNotify("general", "hello everyone"))))

	got := readServerMessage(t, conn)
	assert.Equal(t, "general", got.Topic)
	assert.Equal(t, "hello everyone", got.Message)
}

func TestHandler_DisconnectCleansUp(t *testing.T) {
	f := newChatFixture(t)
	require.NoError(t, f.broker.CreateChannel("general"))
	alice := uuid.New()

	conn := f.connect(t, alice, "topics=general")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		_, registered := f.registry.Lookup(alice)
		own, _ := f.broker.Subscribers(UserTopic(alice))
		general, _ := f.broker.Subscribers("general")
		return !registered && len(own) == 0 && len(general) == 0
	}, waitFor, 5*time.Millisecond)

	// The per-user topic goes with its last connection; shared topics stay.
	require.Eventually(t, func() bool {
		return !contains(f.broker.Channels(), UserTopic(alice))
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, f.broker.Channels(), "general")

	// The identity is free again.
	f.connect(t, alice, "")
}

func TestSessionSubscriber_FailsOnceSessionIsGone(t *testing.T) {
	f := newChatFixture(t)
	alice := uuid.New()
	conn := f.connect(t, alice, "")

	h, ok := f.registry.Lookup(alice)
	require.True(t, ok)
	sub := NewSessionSubscriber("observer", h, time.Second)
	msg := broker.NewMessage(types.NewNotify("general", "ping"))

	require.NoError(t, sub.OnMessage(context.Background(), msg))
	assert.Equal(t, "ping", readServerMessage(t, conn).Message)

	if err := h.Send(context.Background(), session.Close{}); err != nil {
		require.ErrorIs(t, err, session.ErrSessionGone)
	}
	<-h.Done()

	assert.ErrorIs(t, sub.OnMessage(context.Background(), msg), session.ErrSessionGone)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestHandler_OtherUsersTopicIsRefused(t *testing.T) {
	f := newChatFixture(t)
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()

	aliceConn := f.connect(t, alice, "")
	bobConn := f.connect(t, bob, "")
	malloryConn := f.connect(t, mallory, "topics="+url.QueryEscape(UserTopic(bob)+","+UserTopic(mallory)))

	reply := readServerMessage(t, malloryConn)
	assert.Equal(t, types.MessageTypeNotify, reply.Type)
	assert.Equal(t, UserTopic(bob), reply.Topic)
	assert.Equal(t, ErrForbiddenTopic.Error(), reply.Message)

	subs, err := f.broker.Subscribers(UserTopic(bob))
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	own, err := f.broker.Subscribers(UserTopic(mallory))
	require.NoError(t, err)
	assert.Len(t, own, 1, "naming one's own topic does not join it twice")

	sendRegular(t, aliceConn, bob, "secret for bob")
	assert.Equal(t, "secret for bob", readServerMessage(t, bobConn).Message)

	require.NoError(t, malloryConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = malloryConn.ReadMessage()
	assert.Error(t, err, "a direct message reaches only its receiver and sender")
}

func TestHandler_ReconnectKeepsUserTopic(t *testing.T) {
	f := newChatFixture(t)
	alice, bob := uuid.New(), uuid.New()

	bobConn := f.connect(t, bob, "")
	aliceConn := f.connect(t, alice, "")
	require.NoError(t, aliceConn.Close())

	require.Eventually(t, func() bool {
		_, registered := f.registry.Lookup(alice)
		return !registered && !contains(f.broker.Channels(), UserTopic(alice))
	}, waitFor, 5*time.Millisecond)

	// The topic is recreated for the next connection and carries messages again.
	aliceConn = f.connect(t, alice, "")
	sendRegular(t, bobConn, alice, "welcome back")
	assert.Equal(t, "welcome back", readServerMessage(t, bobConn).Message)
	assert.Equal(t, "welcome back", readServerMessage(t, aliceConn).Message)
}

func TestHandler_RefusesConnectionsAfterWait(t *testing.T) {
	f := newChatFixture(t)
	f.handler.Wait()

	_, resp, err := websocket.DefaultDialer.Dial(f.url(t, uuid.New(), ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, f.registry.Len())
}

func TestHandler_WaitDuringConnects(t *testing.T) {
	f := newChatFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		u := f.url(t, uuid.New(), "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(u, nil)
			if err == nil {
				_ = conn.Close()
			}
		}()
	}

	// Connections admitted before Wait are waited for; later ones get 503.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.registry.Shutdown(ctx))

	done := make(chan struct{})
	go func() {
		f.handler.Wait()
		close(done)
	}()
	wg.Wait()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Wait did not return")
	}
}

func TestClient_LoggerCarriesIdentity(t *testing.T) {
	var buf bytes.Buffer
	user := uuid.New()
	c := &client{user: user, connID: "conn-1"}

	c.logger(zerolog.New(&buf)).Warn().Msg("history unavailable")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, user.String(), line["user_id"])
	assert.Equal(t, "conn-1", line["conn_id"])
}
