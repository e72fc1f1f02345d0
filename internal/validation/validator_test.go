package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/showfolio/analytics/internal/event"
)

func TestStruct_RequiredFields(t *testing.T) {
	v := NewValidator(nil, 0)

	err := v.Struct(event.AnalyticsEvent{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "sessionId is required")
	assert.Contains(t, err.Error(), "page is required")
	assert.Contains(t, err.Error(), "event is required")
}

func TestStruct_Ranges(t *testing.T) {
	v := NewValidator(nil, 0)

	err := v.Struct(event.AnalyticsEvent{
		SessionID:   "s",
		Page:        "/",
		Event:       event.TypeScrollDepth,
		ScrollDepth: 120,
		TimeSpent:   -1,
		Device:      "watch",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scrollDepth must be at most 100")
	assert.Contains(t, err.Error(), "timeSpent must be at least 0")
	assert.Contains(t, err.Error(), "device must be one of")
}

func TestStruct_Valid(t *testing.T) {
	v := NewValidator(nil, 0)

	assert.NoError(t, v.Struct(event.AnalyticsEvent{SessionID: "s", Page: "/", Event: event.TypeClick}))
	assert.NoError(t, v.Struct(event.Heartbeat{SessionID: "s", Page: "/", TimeSpent: 30}))
	assert.Error(t, v.Struct(event.Heartbeat{Page: "/"}))
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return rdb, mr
}

func TestCheckRateLimit(t *testing.T) {
	rdb, mr := setupRedis(t)
	v := NewValidator(rdb, 2)
	ctx := context.Background()

	assert.True(t, v.CheckRateLimit(ctx, "ip-a"))
	assert.True(t, v.CheckRateLimit(ctx, "ip-a"))
	assert.False(t, v.CheckRateLimit(ctx, "ip-a"))
	assert.True(t, v.CheckRateLimit(ctx, "ip-b"))

	mr.FastForward(2 * time.Second)
	assert.True(t, v.CheckRateLimit(ctx, "ip-a"))
}

func TestCheckRateLimit_FailsOpen(t *testing.T) {
	rdb, mr := setupRedis(t)
	v := NewValidator(rdb, 1)
	mr.Close()

	assert.True(t, v.CheckRateLimit(context.Background(), "ip-a"))
	assert.True(t, v.CheckRateLimit(context.Background(), "ip-a"))
}

func TestCheckRateLimit_Disabled(t *testing.T) {
	v := NewValidator(nil, 1)
	for i := 0; i < 5; i++ {
		assert.True(t, v.CheckRateLimit(context.Background(), "ip"))
	}
}
