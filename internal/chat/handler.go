// Package chat connects websocket clients to the session registry and the
// topic broker: it authenticates and registers connections, persists the
// direct messages they send and fans them out to sender and receiver.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatline/internal/broker"
	"chatline/internal/metrics"
	"chatline/internal/session"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Config tunes per-connection behavior of the Handler.
type Config struct {
	// HistoryLimit is how many recent messages are replayed on connect. Zero disables replay.
	HistoryLimit int
	// SendTimeout bounds a single queued frame, both for replies and broker deliveries.
	SendTimeout time.Duration
	// StoreTimeout bounds persisting one inbound message.
	StoreTimeout time.Duration
	// AllowedOrigins restricts the websocket Origin header. Empty allows any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit: 50,
		SendTimeout:  5 * time.Second,
		StoreTimeout: 5 * time.Second,
	}
}

// Handler serves the chat websocket endpoint.
type Handler struct {
	registry *session.Registry
	broker   *broker.Broker[types.ServerMessage]
	store    interfaces.MessageStore
	auth     interfaces.TokenVerifier
	limiter  *RateLimiter
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// mu orders wg.Add in ServeHTTP against Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(
	registry *session.Registry,
	b *broker.Broker[types.ServerMessage],
	store interfaces.MessageStore,
	auth interfaces.TokenVerifier,
	limiter *RateLimiter,
	cfg Config,
	logger zerolog.Logger,
) *Handler {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}

	h := &Handler{
		registry: registry,
		broker:   b,
		store:    store,
		auth:     auth,
		limiter:  limiter,
		cfg:      cfg,
		log:      logger.With().Str("component", "chat").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates, upgrades and registers the connection, then hands
// it to a pump goroutine. Query parameter "topics" lists existing broker
// topics to join in addition to the user's own. Other users' topics cannot
// be joined.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.FromRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Refuse before upgrading when the registry would reject anyway.
	if h.registry.Policy() == session.PolicyReject {
		if existing, ok := h.registry.Lookup(user); ok && existing.Alive() {
			http.Error(w, "User already connected", http.StatusConflict)
			return
		}
	}

	if !h.track() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wg.Done()
		h.log.Warn().Err(err).Str("user_id", user.String()).Msg("websocket upgrade failed")
		return
	}

	handle, events, err := h.registry.Register(user, conn)
	if err != nil {
		h.log.Info().Err(err).Str("user_id", user.String()).Msg("connection refused")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		h.wg.Done()
		return
	}

	c := &client{
		user:   user,
		connID: uuid.NewString(),
		handle: handle,
		events: events,
	}
	c.topics = h.subscribe(c, splitTopics(r.URL.Query().Get("topics")))

	go func() {
		defer h.wg.Done()
		h.pump(c)
	}()
}

// track reserves a pump slot unless Wait has been called.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

// Wait refuses new connections and blocks until every pump has returned.
// Pumps end once their session ends.
func (h *Handler) Wait() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.wg.Wait()
}

type client struct {
	user   uuid.UUID
	connID string
	handle *session.Handle
	events <-chan session.Event
	topics []string
}

func (c *client) logger(base zerolog.Logger) *zerolog.Logger {
	l := base.With().Str("user_id", c.user.String()).Str("conn_id", c.connID).Logger()
	return &l
}

// subscribe joins the user's own topic and every requested topic that exists.
// Topics of other users are refused.
func (h *Handler) subscribe(c *client, requested []string) []string {
	sub := NewSessionSubscriber(c.connID, c.handle, h.cfg.SendTimeout)

	own := UserTopic(c.user)
	if err := h.joinOwn(own, sub); err != nil {
		c.logger(h.log).Warn().Err(err).Str("topic", own).Msg("failed to join own topic")
	}
	joined := []string{own}

	for _, topic := range requested {
		if topic == own {
			continue
		}
		if IsUserTopic(topic) {
			h.reply(c, types.NewNotify(topic, ErrForbiddenTopic.Error()))
			continue
		}
		if err := h.broker.AddSubscriber(topic, sub); err != nil {
			h.reply(c, types.NewNotify(topic, ErrUnknownTopic.Error()))
			continue
		}
		joined = append(joined, topic)
	}
	return joined
}

// joinOwn adds sub to the user's topic, creating it when needed. The cleanup
// of the user's previous connection can drop the empty topic between
// EnsureChannel and AddSubscriber; that case is retried.
func (h *Handler) joinOwn(topic string, sub *SessionSubscriber) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		h.broker.EnsureChannel(topic)
		err = h.broker.AddSubscriber(topic, sub)
		if !errors.Is(err, broker.ErrChannelDoesNotExist) {
			return err
		}
	}
	return err
}

func (h *Handler) pump(c *client) {
	log := c.logger(h.log)
	defer h.cleanup(c)

	h.replayHistory(c)

	for ev := range c.events {
		switch e := ev.(type) {
		case session.MessageEvent:
			h.handleFrame(c, e)
		case session.ClosedEvent:
			if e.Reason != nil {
				log.Debug().Str("reason", e.Reason.String()).Msg("peer closed connection")
			} else {
				log.Debug().Msg("connection ended")
			}
		case session.ErrorEvent:
			log.Debug().Err(e.Err).Msg("connection failed")
		}
	}
}

// cleanup leaves every joined topic and drops the user's topic once no
// connection of that user is subscribed to it.
func (h *Handler) cleanup(c *client) {
	for _, topic := range c.topics {
		_ = h.broker.RemoveSubscriber(topic, c.connID)
	}
	h.broker.DeleteChannelIfEmpty(UserTopic(c.user))
	h.registry.RemoveHandle(c.handle)
}

// replayHistory sends the user's recent direct messages, oldest first.
func (h *Handler) replayHistory(c *client) {
	if h.cfg.HistoryLimit <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()

	history, err := h.store.RecentForUser(ctx, c.user, h.cfg.HistoryLimit)
	if err != nil {
		c.logger(h.log).Warn().Err(err).Msg("failed to load history")
		h.reply(c, types.NewNotify("", "message history unavailable"))
		return
	}

	for _, msg := range history {
		if !h.reply(c, msg.ServerMessage()) {
			return
		}
	}
}

func (h *Handler) handleFrame(c *client, ev session.MessageEvent) {
	if ev.Type != websocket.TextMessage {
		metrics.ChatMessagesTotal.WithLabelValues("invalid").Inc()
		h.reply(c, types.NewErrorNotify(ErrBinaryUnsupported))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(c.user) {
		metrics.ChatMessagesTotal.WithLabelValues("rate_limited").Inc()
		h.reply(c, types.NewErrorNotify(ErrRateLimited))
		return
	}

	in, err := types.ParseClientMessage(ev.Data)
	if err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("invalid").Inc()
		h.reply(c, types.NewErrorNotify(err))
		return
	}

	msg, err := types.NewChatMessage(c.user, in)
	if err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("invalid").Inc()
		h.reply(c, types.NewErrorNotify(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()

	if err := h.store.StoreMessage(ctx, msg); err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("store_failed").Inc()
		c.logger(h.log).Error().Err(err).Str("message_id", msg.ID).Msg("failed to store message")
		h.reply(c, types.NewErrorNotify(ErrStoreFailed))
		return
	}

	h.deliver(msg)
	metrics.ChatMessagesTotal.WithLabelValues("delivered").Inc()
}

// deliver publishes msg to the receiver's topic and echoes it to the sender's.
// A receiver that is not connected simply has no topic yet.
func (h *Handler) deliver(msg *types.ChatMessage) {
	out := broker.NewMessage(msg.ServerMessage())
	ctx := context.Background()

	topics := []string{UserTopic(msg.ReceiverID)}
	if msg.SenderID != msg.ReceiverID {
		topics = append(topics, UserTopic(msg.SenderID))
	}

	for _, topic := range topics {
		err := h.broker.SendMessage(ctx, topic, out)
		if err != nil && !errors.Is(err, broker.ErrChannelDoesNotExist) {
			h.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}
}

// reply queues one frame for c alone and reports whether the session took it.
func (h *Handler) reply(c *client, msg types.ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("encode reply")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
	defer cancel()

	if err := c.handle.Send(ctx, session.Text(data)); err != nil {
		if !errors.Is(err, session.ErrSessionGone) {
			c.logger(h.log).Debug().Err(err).Msg("reply dropped")
		}
		return false
	}
	return true
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
