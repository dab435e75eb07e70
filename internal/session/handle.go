package session

import (
	"context"

	"github.com/google/uuid"
)

// Handle is the only way to reach a connection: it submits commands to the
// actor that owns it. A Handle may outlive its actor; Send then fails with
// ErrSessionGone.
type Handle struct {
	id       uuid.UUID
	commands chan<- Command
	done     <-chan struct{}
}

// ID returns the identity the handle was registered under.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Done is closed when the actor has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the actor is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Send submits cmd, blocking while the command channel is full. It returns
// ErrSessionGone once the actor has exited and ctx.Err() if ctx ends first.
// A nil error means the actor was still running after cmd was queued. When
// the actor exits around the time cmd is queued, Send reports ErrSessionGone
// even though cmd may have run.
func (h *Handle) Send(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return ErrNilCommand
	}

	select {
	case h.commands <- cmd:
		// The buffer accepts commands after the actor is gone.
		select {
		case <-h.done:
			return ErrSessionGone
		default:
			return nil
		}
	case <-h.done:
		return ErrSessionGone
	case <-ctx.Done():
		return ctx.Err()
	}
}
