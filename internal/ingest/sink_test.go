package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/repository"
)

func TestSink_RecordStoresEnvelope(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	counters := NewCounters(nil)
	s := NewSink(store, nil, counters, logger.Get())

	ev := message(1, 100, user(7, "Al"), "hi", 0)
	s.Record(ctx, "message", ev, errors.New("bad shape"))

	got, err := store.FindFailures(ctx, repository.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	f := got[0]
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "message", f.Kind)
	assert.Equal(t, "bad shape", f.Error)
	assert.Empty(t, f.Stack)
	assert.Equal(t, int64(1), counters.Get(CounterFailures))

	decoded, err := events.Decode([]byte(f.Raw))
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestSink_RecordKeepsPanicStack(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	s := NewSink(store, nil, NewCounters(nil), logger.Get())

	var err error
	func() {
		defer func() { err = recovered(recover()) }()
		panic("boom")
	}()
	s.Record(ctx, "message", "raw", err)

	got, ferr := store.FindFailures(ctx, repository.Query{})
	require.NoError(t, ferr)
	require.Len(t, got, 1)
	assert.Equal(t, "panic: boom", got[0].Error)
	assert.Contains(t, got[0].Stack, "goroutine")
	assert.Equal(t, "raw", got[0].Raw)
}

func TestSink_SpoolAndReplay(t *testing.T) {
	ctx := context.Background()
	sp := newMemorySpool(t)
	spooled := 0

	down := NewSink(failingFailures{}, sp, NewCounters(nil), logger.Get())
	down.OnSpool = func() { spooled++ }
	down.Record(ctx, "message", "one", errors.New("a"))
	down.Record(ctx, "edit", "two", errors.New("b"))
	assert.Equal(t, 2, spooled)

	// still down: nothing moves
	n, err := down.Replay(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)

	store := repository.NewMemoryStore()
	up := NewSink(store, sp, NewCounters(nil), logger.Get())
	n, err = up.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := sp.Len()
	require.NoError(t, err)
	assert.Zero(t, left)

	got, err := store.FindFailures(ctx, repository.Query{Oldest: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Raw)
}

func TestSink_NoSpoolSwallows(t *testing.T) {
	s := NewSink(failingFailures{}, nil, NewCounters(nil), logger.Get())
	assert.NotPanics(t, func() {
		s.Record(context.Background(), "message", nil, errors.New("x"))
	})
}
