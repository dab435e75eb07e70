// Package broker fans published messages out to the subscribers of named
// channels. Subscribers whose delivery fails are removed after the send.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatline/internal/metrics"
)

// channel is one topic's subscriber set. Order is insertion order.
type channel[T any] struct {
	mu      sync.Mutex
	order   []string
	members map[string]Subscriber[T]
	deleted bool
}

func newChannel[T any]() *channel[T] {
	return &channel[T]{members: make(map[string]Subscriber[T])}
}

func (c *channel[T]) snapshot() []Subscriber[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Subscriber[T], 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.members[id])
	}
	return out
}

// remove deletes ids from the set and reports how many were present.
func (c *channel[T]) remove(ids ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := c.members[id]; !ok {
			continue
		}
		delete(c.members, id)
		n++
	}
	if n == 0 {
		return 0
	}

	kept := c.order[:0]
	for _, id := range c.order {
		if _, ok := c.members[id]; ok {
			kept = append(kept, id)
		}
	}
	c.order = kept
	return n
}

// Option configures a Broker.
type Option func(*options)

type options struct {
	parallelism int
}

// WithParallelDelivery lets SendMessage run up to n deliveries at once.
// Deliveries still start in subscriber order. n <= 1 keeps sequential delivery.
func WithParallelDelivery(n int) Option {
	return func(o *options) { o.parallelism = n }
}

// Broker maps topic names to subscriber sets. Each topic is locked
// independently; no operation holds a lock across topics.
type Broker[T any] struct {
	channels sync.Map // string -> *channel[T]
	opts     options
	log      zerolog.Logger
}

// New creates a broker with no channels.
func New[T any](logger zerolog.Logger, opts ...Option) *Broker[T] {
	o := options{parallelism: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		opts: o,
		log:  logger.With().Str("component", "broker").Logger(),
	}
}

// CreateChannel creates an empty topic.
func (b *Broker[T]) CreateChannel(topic string) error {
	if _, loaded := b.channels.LoadOrStore(topic, newChannel[T]()); loaded {
		return ErrChannelAlreadyExists
	}
	metrics.BrokerChannels.Inc()
	b.log.Debug().Str("topic", topic).Msg("channel created")
	return nil
}

// EnsureChannel creates topic unless it already exists.
func (b *Broker[T]) EnsureChannel(topic string) {
	_ = b.CreateChannel(topic)
}

// DeleteChannel removes topic and drops its subscribers.
func (b *Broker[T]) DeleteChannel(topic string) error {
	v, loaded := b.channels.LoadAndDelete(topic)
	if !loaded {
		return ErrChannelDoesNotExist
	}

	ch := v.(*channel[T])
	ch.mu.Lock()
	ch.deleted = true
	ch.members = make(map[string]Subscriber[T])
	ch.order = nil
	ch.mu.Unlock()

	metrics.BrokerChannels.Dec()
	b.log.Debug().Str("topic", topic).Msg("channel deleted")
	return nil
}

// DeleteChannelIfEmpty removes topic only while it has no subscribers and
// reports whether it did. An AddSubscriber racing with it either lands first,
// which keeps the topic, or fails with ErrChannelDoesNotExist.
func (b *Broker[T]) DeleteChannelIfEmpty(topic string) bool {
	ch, ok := b.channel(topic)
	if !ok {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.deleted || len(ch.members) > 0 {
		return false
	}
	if !b.channels.CompareAndDelete(topic, ch) {
		return false
	}
	ch.deleted = true

	metrics.BrokerChannels.Dec()
	b.log.Debug().Str("topic", topic).Msg("empty channel deleted")
	return true
}

// AddSubscriber joins s to topic. Adding an id that is already a member is a no-op.
func (b *Broker[T]) AddSubscriber(topic string, s Subscriber[T]) error {
	if s == nil {
		return ErrNilSubscriber
	}

	ch, ok := b.channel(topic)
	if !ok {
		return ErrChannelDoesNotExist
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	// Lost a race with DeleteChannel.
	if ch.deleted {
		return ErrChannelDoesNotExist
	}
	if _, exists := ch.members[s.ID()]; exists {
		return nil
	}
	ch.members[s.ID()] = s
	ch.order = append(ch.order, s.ID())
	return nil
}

// RemoveSubscriber drops the subscriber with id from topic. Removing a
// non-member is not an error.
func (b *Broker[T]) RemoveSubscriber(topic, id string) error {
	ch, ok := b.channel(topic)
	if !ok {
		return ErrChannelDoesNotExist
	}
	ch.remove(id)
	return nil
}

// SendMessage delivers msg to every subscriber of topic that was a member
// when the send began, then removes those whose delivery failed. Delivery
// failures are not reported to the caller.
func (b *Broker[T]) SendMessage(ctx context.Context, topic string, msg *Message[T]) error {
	ch, ok := b.channel(topic)
	if !ok {
		return ErrChannelDoesNotExist
	}

	start := time.Now()
	defer func() { metrics.BrokerSendDuration.Observe(time.Since(start).Seconds()) }()

	subs := ch.snapshot()
	if len(subs) == 0 {
		return nil
	}

	var failed []string
	if b.opts.parallelism > 1 {
		failed = b.deliverParallel(ctx, topic, subs, msg)
	} else {
		failed = b.deliverSequential(ctx, topic, subs, msg)
	}

	if len(failed) > 0 {
		pruned := ch.remove(failed...)
		metrics.BrokerSubscribersPruned.Add(float64(pruned))
		b.log.Debug().Str("topic", topic).Strs("subscribers", failed).Msg("pruned failed subscribers")
	}
	return nil
}

func (b *Broker[T]) deliverSequential(ctx context.Context, topic string, subs []Subscriber[T], msg *Message[T]) []string {
	var failed []string
	for _, s := range subs {
		if !b.deliver(ctx, topic, s, msg) {
			failed = append(failed, s.ID())
		}
	}
	return failed
}

func (b *Broker[T]) deliverParallel(ctx context.Context, topic string, subs []Subscriber[T], msg *Message[T]) []string {
	ok := make([]bool, len(subs))

	var g errgroup.Group
	g.SetLimit(b.opts.parallelism)
	for i, s := range subs {
		g.Go(func() error {
			ok[i] = b.deliver(ctx, topic, s, msg)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, s := range subs {
		if !ok[i] {
			failed = append(failed, s.ID())
		}
	}
	return failed
}

func (b *Broker[T]) deliver(ctx context.Context, topic string, s Subscriber[T], msg *Message[T]) bool {
	if err := s.OnMessage(ctx, msg); err != nil {
		metrics.BrokerDeliveriesTotal.WithLabelValues("failed").Inc()
		b.log.Debug().
			Err(fmt.Errorf("%w: %w", errSubscriberDeliveryFailed, err)).
			Str("topic", topic).
			Str("subscriber", s.ID()).
			Str("message_id", msg.ID).
			Msg("delivery failed")
		return false
	}
	metrics.BrokerDeliveriesTotal.WithLabelValues("ok").Inc()
	return true
}

// Subscribers lists the member ids of topic in insertion order.
func (b *Broker[T]) Subscribers(topic string) ([]string, error) {
	ch, ok := b.channel(topic)
	if !ok {
		return nil, ErrChannelDoesNotExist
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.order...), nil
}

// Channels lists all topic names, sorted.
func (b *Broker[T]) Channels() []string {
	var names []string
	b.channels.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func (b *Broker[T]) channel(topic string) (*channel[T], bool) {
	v, ok := b.channels.Load(topic)
	if !ok {
		return nil, false
	}
	return v.(*channel[T]), true
}
