// Package api exposes the HTTP surface: the chat websocket endpoint, topic
// administration, session control, history and health.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatline/internal/auth"
	"chatline/internal/broker"
	"chatline/internal/chat"
	"chatline/internal/session"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

const maxConversationLimit = 500

type Server struct {
	registry   *session.Registry
	broker     *broker.Broker[types.ServerMessage]
	store      interfaces.MessageStore
	auth       interfaces.TokenVerifier
	adminToken string
	chat       http.Handler
	router     *httprouter.Router
	started    time.Time
	log        zerolog.Logger
}

// NewServer builds the router. Topic and session admin routes require
// adminToken as a bearer token; an empty adminToken disables them.
func NewServer(
	registry *session.Registry,
	b *broker.Broker[types.ServerMessage],
	store interfaces.MessageStore,
	verifier interfaces.TokenVerifier,
	adminToken string,
	chatHandler http.Handler,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		registry:   registry,
		broker:     b,
		store:      store,
		auth:       verifier,
		adminToken: adminToken,
		chat:       chatHandler,
		router:     httprouter.New(),
		started:    time.Now(),
		log:        logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "Not found", http.StatusNotFound)
	})
	s.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		s.log.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panicked")
		s.sendError(w, "Internal server error", http.StatusInternalServerError)
	}

	s.router.GET("/health", s.wrap(s.healthCheck))
	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Handler(http.MethodGet, "/api/chat", s.chat)

	s.router.GET("/api/sessions", s.wrap(s.sessionStats))
	s.router.POST("/api/sessions/:id/close", s.wrap(s.admin(s.closeSession)))

	s.router.GET("/api/topics", s.wrap(s.admin(s.listTopics)))
	s.router.POST("/api/topics/:topic", s.wrap(s.admin(s.createTopic)))
	s.router.DELETE("/api/topics/:topic", s.wrap(s.admin(s.deleteTopic)))
	s.router.POST("/api/topics/:topic/messages", s.wrap(s.admin(s.publish)))

	s.router.GET("/api/conversations/:peer", s.wrap(s.conversation))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// wrap applies the CORS and JSON middleware to a JSON route.
func (s *Server) wrap(h httprouter.Handle) httprouter.Handle {
	return s.corsMiddleware(s.jsonMiddleware(h))
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Database  string         `json:"database"`
	Sessions  map[string]int `json:"sessions"`
	Topics    int            `json:"topics"`
}

type TopicInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

type ListTopicsResponse struct {
	Topics []TopicInfo `json:"topics"`
}

type PublishRequest struct {
	Message string `json:"message"`
}

type PublishResponse struct {
	ID string `json:"id"`
}

type ConversationResponse struct {
	Messages []types.ServerMessage `json:"messages"`
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
		Sessions:  s.registry.Stats(),
		Topics:    len(s.broker.Channels()),
	}

	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// GET /api/sessions
func (s *Server) sessionStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.sendJSON(w, http.StatusOK, s.registry.Stats())
}

// POST /api/sessions/:id/close
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		s.sendError(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	h, ok := s.registry.Lookup(id)
	if !ok {
		s.sendError(w, session.ErrNoSuchSession.Error(), http.StatusNotFound)
		return
	}
	if !h.Alive() {
		s.sendError(w, session.ErrSessionGone.Error(), http.StatusGone)
		return
	}

	// ErrSessionGone here means the actor ended while taking Close; the session is closed either way.
	if err := h.Send(r.Context(), session.Close{}); err != nil && !errors.Is(err, session.ErrSessionGone) {
		s.sendError(w, "Failed to close session", http.StatusInternalServerError)
		return
	}
	s.log.Info().Str("user_id", id.String()).Msg("session close requested")
	s.sendJSON(w, http.StatusAccepted, map[string]string{"message": "Close requested"})
}

// GET /api/topics
func (s *Server) listTopics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := ListTopicsResponse{Topics: []TopicInfo{}}
	for _, name := range s.broker.Channels() {
		subs, err := s.broker.Subscribers(name)
		if err != nil {
			// Deleted since Channels ran.
			continue
		}
		resp.Topics = append(resp.Topics, TopicInfo{Name: name, Subscribers: len(subs)})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// POST /api/topics/:topic
func (s *Server) createTopic(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	topic := ps.ByName("topic")
	if s.reserved(w, topic) {
		return
	}
	if err := s.broker.CreateChannel(topic); err != nil {
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	}
	s.sendJSON(w, http.StatusCreated, TopicInfo{Name: topic})
}

// DELETE /api/topics/:topic
func (s *Server) deleteTopic(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	topic := ps.ByName("topic")
	if s.reserved(w, topic) {
		return
	}
	if err := s.broker.DeleteChannel(topic); err != nil {
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/topics/:topic/messages publishes a Notify to every subscriber.
func (s *Server) publish(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	topic := ps.ByName("topic")
	if s.reserved(w, topic) {
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, types.MaxMessageBytes*2)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.sendError(w, "Message is required", http.StatusBadRequest)
		return
	}

	msg := broker.NewMessage(types.NewNotify(topic, req.Message))
	if err := s.broker.SendMessage(r.Context(), topic, msg); err != nil {
		if errors.Is(err, broker.ErrChannelDoesNotExist) {
			s.sendError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to publish", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusAccepted, PublishResponse{ID: msg.ID})
}

// GET /api/conversations/:peer returns the caller's history with peer, oldest first.
func (s *Server) conversation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user, err := s.auth.FromRequest(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	peer, err := uuid.Parse(ps.ByName("peer"))
	if err != nil || peer == uuid.Nil {
		s.sendError(w, "Invalid peer id", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxConversationLimit {
			s.sendError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := s.store.Conversation(r.Context(), user, peer, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.String()).Msg("failed to load conversation")
		s.sendError(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	resp := ConversationResponse{Messages: make([]types.ServerMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, m.ServerMessage())
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// reserved refuses per-user topics, which only the chat handler manages.
func (s *Server) reserved(w http.ResponseWriter, topic string) bool {
	if !chat.IsUserTopic(topic) {
		return false
	}
	s.sendError(w, "Topic is reserved for direct messages", http.StatusForbidden)
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func (s *Server) corsMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		setCORSHeaders(w)
		next(w, r, ps)
	}
}

// admin requires the admin bearer token.
func (s *Server) admin(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.adminToken == "" {
			s.sendError(w, "Admin API disabled", http.StatusForbidden)
			return
		}
		token := auth.TokenFromRequest(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.sendError(w, "Invalid admin token", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) jsonMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r, ps)
	}
}
