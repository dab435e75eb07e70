package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy decides what Register does when an identity already has a live actor.
type Policy int

const (
	// PolicyReject refuses the new connection with ErrAlreadyConnected.
	PolicyReject Policy = iota
	// PolicyReplace closes the previous actor and installs the new one.
	PolicyReplace
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyReplace:
		return "replace"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "reject" or "replace".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "replace":
		return PolicyReplace, nil
	default:
		return PolicyReject, fmt.Errorf("unknown session policy %q", s)
	}
}

// Config controls registry policy and per-actor behavior.
type Config struct {
	Policy Policy

	// CommandBuffer is the capacity of each actor's command channel.
	CommandBuffer int
	// EventBuffer is the capacity of each actor's event channel.
	EventBuffer int

	// PingInterval enables the heartbeat when positive. PongWait is the read
	// deadline extended on every pong; it must exceed PingInterval.
	PingInterval time.Duration
	PongWait     time.Duration
	// WriteWait bounds every write and the closing handshake.
	WriteWait time.Duration

	// Clock drives the heartbeat ticker. Nil means the real clock.
	Clock clockwork.Clock
}

// DefaultConfig mirrors the bounds recommended for control and event traffic.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyReject,
		CommandBuffer: 1,
		EventBuffer:   10,
		PingInterval:  30 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = d.CommandBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}
