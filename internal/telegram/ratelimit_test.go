package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Wait(t *testing.T) {
	rl := NewRateLimiter(10.0, 1)

	start := time.Now()
	err := rl.Wait(context.Background())

	assert.NoError(t, err)
	// first request is within burst
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_Wait_ContextCanceled(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	_ = rl.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Error(t, rl.Wait(ctx))
}

func TestRateLimiter_SetFloodWait(t *testing.T) {
	rl := NewRateLimiter(10.0, 1)
	rl.SetFloodWait(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rl.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRateLimiter_SetFloodWait_KeepsLonger(t *testing.T) {
	rl := NewRateLimiter(10.0, 1)
	rl.SetFloodWait(time.Hour)
	rl.SetFloodWait(time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
}

func TestRateLimiter_Observe(t *testing.T) {
	rl := NewRateLimiter(10.0, 1)

	assert.False(t, rl.Observe(nil))
	assert.False(t, rl.Observe(errors.New("boom")))

	flood := tgerr.New(420, "FLOOD_WAIT_30")
	assert.True(t, rl.Observe(flood))

	rl.mu.Lock()
	until := rl.floodWaitUntil
	rl.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(30*time.Second), until, 2*time.Second)
}
