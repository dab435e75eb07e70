package chat

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_TokenBucket(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewRateLimiter(1, 2, clock)
	user := uuid.New()

	assert.True(t, l.Allow(user))
	assert.True(t, l.Allow(user))
	assert.False(t, l.Allow(user), "burst exhausted")

	clock.Advance(time.Second)
	assert.True(t, l.Allow(user))
	assert.False(t, l.Allow(user))

	// Users do not share buckets.
	assert.True(t, l.Allow(uuid.New()))
}

func TestRateLimiter_Unlimited(t *testing.T) {
	l := NewRateLimiter(0, 0, clockwork.NewFakeClock())
	user := uuid.New()
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow(user))
	}
}

func TestRateLimiter_IdleCleanup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewRateLimiter(10, 10, clock)

	l.Allow(uuid.New())
	l.Allow(uuid.New())
	assert.Equal(t, 2, l.Len())

	clock.Advance(idleTimeout + cleanupInterval + time.Second)
	active := uuid.New()
	l.Allow(active)
	assert.Equal(t, 1, l.Len())
}

func TestSplitTopics(t *testing.T) {
	assert.Nil(t, splitTopics(""))
	assert.Equal(t, []string{"a", "b"}, splitTopics(" a, ,b,"))
}

func TestUserTopic(t *testing.T) {
	id := uuid.MustParse("6f1c2d9e-8a4b-4c3d-9e2f-1a2b3c4d5e6f")
	assert.Equal(t, "user:6f1c2d9e-8a4b-4c3d-9e2f-1a2b3c4d5e6f", UserTopic(id))
}
