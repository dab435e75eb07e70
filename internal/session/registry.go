package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatline/internal/metrics"
)

// replaceTimeout bounds how long a replaced actor is given to accept its Close command.
const replaceTimeout = 5 * time.Second

// Registry maps an identity to the Handle of the actor owning its connection.
// Entries are synchronized individually; unrelated identities never contend on
// a shared lock.
type Registry struct {
	entries sync.Map // uuid.UUID -> *Handle

	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Register against Shutdown.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. Actors spawned by it run until their
// connection ends, they receive Close, or Shutdown is called.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg.withDefaults(),
		log:    logger.With().Str("component", "session").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register spawns an actor that takes ownership of conn and stores its handle
// under id. The returned channel yields the actor's events and is closed when
// the actor exits.
//
// If id already has a live actor the configured Policy applies: PolicyReject
// returns ErrAlreadyConnected, PolicyReplace sends Close to the old actor.
// An entry whose actor already exited is always replaced. On error conn is
// left untouched and still belongs to the caller.
func (r *Registry) Register(id uuid.UUID, conn Conn) (*Handle, <-chan Event, error) {
	if conn == nil {
		return nil, nil, ErrNilConnection
	}
	if !r.track() {
		return nil, nil, ErrRegistryClosed
	}

	a := newActor(id, conn, r.cfg, r.log)
	h := a.handle()

	outcome := "registered"
	for {
		prev, loaded := r.entries.LoadOrStore(id, h)
		if !loaded {
			break
		}

		old := prev.(*Handle)
		if old.Alive() && r.cfg.Policy == PolicyReject {
			metrics.SessionsTotal.WithLabelValues("rejected").Inc()
			r.wg.Done()
			return nil, nil, ErrAlreadyConnected
		}

		if r.entries.CompareAndSwap(id, old, h) {
			if old.Alive() {
				outcome = "replaced"
				go r.retire(old)
			}
			break
		}
		// Another Register or Remove won the race for this id; look again.
	}

	go func() {
		defer r.wg.Done()
		a.run(r.ctx)
	}()

	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	r.log.Debug().Str("user_id", id.String()).Str("outcome", outcome).Msg("session registered")

	return h, a.events, nil
}

// track reserves a slot in wg for one actor unless Shutdown has begun.
func (r *Registry) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// retire closes a replaced actor without blocking Register.
func (r *Registry) retire(old *Handle) {
	ctx, cancel := context.WithTimeout(r.ctx, replaceTimeout)
	defer cancel()

	if err := old.Send(ctx, Close{}); err != nil && !errors.Is(err, ErrSessionGone) {
		r.log.Warn().Err(err).Str("user_id", old.ID().String()).Msg("failed to close replaced session")
	}
}

// Policy returns the duplicate-identity policy in effect.
func (r *Registry) Policy() Policy {
	return r.cfg.Policy
}

// Lookup returns the handle registered under id without blocking.
func (r *Registry) Lookup(id uuid.UUID) (*Handle, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Remove drops the registry's reference to id. It does not close the connection.
func (r *Registry) Remove(id uuid.UUID) {
	r.entries.Delete(id)
}

// RemoveHandle removes h only if it is still the handle registered under its
// identity, so cleanup of an old session cannot unregister a newer one.
func (r *Registry) RemoveHandle(h *Handle) bool {
	if h == nil {
		return false
	}
	return r.entries.CompareAndDelete(h.id, h)
}

// SendCommand resolves id and submits cmd to its actor.
func (r *Registry) SendCommand(ctx context.Context, id uuid.UUID, cmd Command) error {
	h, ok := r.Lookup(id)
	if !ok {
		return ErrNoSuchSession
	}
	return h.Send(ctx, cmd)
}

// Len returns the number of registered identities, live or not yet removed.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns registry statistics for monitoring.
func (r *Registry) Stats() map[string]int {
	total, live := 0, 0
	r.entries.Range(func(_, v any) bool {
		total++
		if v.(*Handle).Alive() {
			live++
		}
		return true
	})
	return map[string]int{
		"registered_sessions": total,
		"live_sessions":       live,
	}
}

// Shutdown closes every live actor and waits until all of them exited or ctx ends.
// Register fails with ErrRegistryClosed afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Msg("all sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
