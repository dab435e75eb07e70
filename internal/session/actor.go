package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatline/internal/metrics"
)

// Exit reasons reported to metrics and logs.
const (
	exitClosed     = "closed"
	exitPeerClosed = "peer_closed"
	exitError      = "error"
	exitShutdown   = "shutdown"
)

// inbound is one result of ReadMessage handed from the reader to the actor.
type inbound struct {
	typ  int
	data []byte
	err  error
}

// actor exclusively owns one connection. Its reader goroutine is the only
// caller of ReadMessage; run is the only caller of every write method and Close.
type actor struct {
	id       uuid.UUID
	conn     Conn
	commands chan Command
	events   chan Event
	inbound  chan inbound
	done     chan struct{}
	cfg      Config
	log      zerolog.Logger
}

func newActor(id uuid.UUID, conn Conn, cfg Config, logger zerolog.Logger) *actor {
	return &actor{
		id:       id,
		conn:     conn,
		commands: make(chan Command, cfg.CommandBuffer),
		events:   make(chan Event, cfg.EventBuffer),
		inbound:  make(chan inbound),
		done:     make(chan struct{}),
		cfg:      cfg,
		log:      logger.With().Str("user_id", id.String()).Logger(),
	}
}

func (a *actor) handle() *Handle {
	return &Handle{id: a.id, commands: a.commands, done: a.done}
}

// run drives the actor until a terminal condition. ctx ending plays the role of
// the command channel losing all its senders.
func (a *actor) run(ctx context.Context) {
	metrics.ActiveSessions.Inc()

	var tick <-chan time.Time
	if a.cfg.PingInterval > 0 {
		ticker := a.cfg.Clock.NewTicker(a.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.Chan()

		// Deadlines are wall clock: they are enforced by the network stack.
		_ = a.conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
		a.conn.SetPongHandler(func(string) error {
			return a.conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
		})
	}

	go a.readLoop()

	reason := a.loop(ctx, tick)

	if err := a.conn.Close(); err != nil {
		a.log.Debug().Err(err).Msg("connection close")
	}
	close(a.done)
	close(a.events)

	metrics.ActiveSessions.Dec()
	metrics.SessionExitsTotal.WithLabelValues(reason).Inc()
	a.log.Debug().Str("reason", reason).Msg("session actor exited")
}

func (a *actor) loop(ctx context.Context, tick <-chan time.Time) string {
	for {
		select {
		case in := <-a.inbound:
			if in.err != nil {
				ev, reason := classifyReadError(in.err)
				if r, stop := a.emit(ctx, ev); stop {
					return r
				}
				return reason
			}
			if r, stop := a.handleFrame(ctx, in); stop {
				return r
			}

		case cmd := <-a.commands:
			if r, stop := a.handleCommand(cmd); stop {
				return r
			}

		case <-tick:
			a.ping()

		case <-ctx.Done():
			a.closeGracefully()
			return exitShutdown
		}
	}
}

func (a *actor) handleFrame(ctx context.Context, in inbound) (string, bool) {
	switch in.typ {
	case websocket.TextMessage, websocket.BinaryMessage:
		return a.emit(ctx, MessageEvent{Type: in.typ, Data: in.data})

	case websocket.CloseMessage:
		// Only reached for Conn implementations that surface close frames as data.
		reason := parseCloseFrame(in.data)
		if r, stop := a.emit(ctx, ClosedEvent{Reason: reason}); stop {
			return r, true
		}
		a.closeGracefully()
		return exitPeerClosed, true

	default:
		a.log.Debug().Int("frame_type", in.typ).Msg("ignoring unsupported frame")
		return "", false
	}
}

// emit hands ev to the event consumer. Commands keep being served while the
// event channel is full, so a slow consumer cannot starve the command side.
func (a *actor) emit(ctx context.Context, ev Event) (string, bool) {
	for {
		select {
		case a.events <- ev:
			return "", false
		case cmd := <-a.commands:
			if r, stop := a.handleCommand(cmd); stop {
				return r, true
			}
		case <-ctx.Done():
			a.closeGracefully()
			return exitShutdown, true
		}
	}
}

func (a *actor) handleCommand(cmd Command) (string, bool) {
	metrics.SessionCommandsTotal.WithLabelValues(commandName(cmd)).Inc()

	switch c := cmd.(type) {
	case SendMessage:
		a.write(c)
		return "", false
	case Close:
		a.closeGracefully()
		return exitClosed, true
	default:
		a.log.Warn().Str("command", commandName(cmd)).Msg("unknown command ignored")
		return "", false
	}
}

// write is best effort: a failure is logged and the actor keeps running. A dead
// connection is detected by the read side.
func (a *actor) write(c SendMessage) {
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteWait)); err != nil {
		a.log.Debug().Err(err).Msg("set write deadline")
	}
	if err := a.conn.WriteMessage(c.Type, c.Data); err != nil {
		metrics.SessionWriteErrors.Inc()
		a.log.Warn().Err(err).Msg("write to connection failed")
	}
}

func (a *actor) ping() {
	deadline := time.Now().Add(a.cfg.WriteWait)
	if err := a.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		a.log.Debug().Err(err).Msg("ping failed")
	}
}

func (a *actor) closeGracefully() {
	deadline := time.Now().Add(a.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := a.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		a.log.Debug().Err(err).Msg("close frame not sent")
	}
}

func (a *actor) readLoop() {
	for {
		typ, data, err := a.conn.ReadMessage()
		select {
		case a.inbound <- inbound{typ: typ, data: data, err: err}:
		case <-a.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// classifyReadError maps the error that ended the inbound stream to the final event.
func classifyReadError(err error) (Event, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseAbnormalClosure {
			return ErrorEvent{Err: err}, exitError
		}
		return ClosedEvent{Reason: &CloseReason{Code: ce.Code, Text: ce.Text}}, exitPeerClosed
	}
	if errors.Is(err, io.EOF) {
		return ClosedEvent{}, exitPeerClosed
	}
	return ErrorEvent{Err: err}, exitError
}

func parseCloseFrame(data []byte) *CloseReason {
	if len(data) < 2 {
		return &CloseReason{Code: websocket.CloseNoStatusReceived}
	}
	return &CloseReason{
		Code: int(data[0])<<8 | int(data[1]),
		Text: string(data[2:]),
	}
}
