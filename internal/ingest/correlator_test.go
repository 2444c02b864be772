package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

func minute(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }

func seed(t *testing.T, store *repository.MemoryStore, msgs ...models.Message) {
	t.Helper()
	for i := range msgs {
		require.NoError(t, store.InsertMessage(context.Background(), &msgs[i]))
	}
}

func deletedAt(t *testing.T, store *repository.MemoryStore, chat, id int64) *time.Time {
	t.Helper()
	docs := stored(t, store, chat, id)
	require.NotEmpty(t, docs)
	return docs[0].Deleted
}

func TestCorrelator_KnownChat(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)
	seed(t, store,
		models.Message{Chat: 1, ID: 100, Date: minute(0), Text: "secret"},
		models.Message{Chat: 2, ID: 100, Date: minute(1), Text: "other"},
	)
	c := NewCorrelator(store, logger.Get())

	res, err := c.Correlate(ctx, []models.Deletion{{ID: 100, Chat: i64(1), Date: minute(5)}}, CorrelateOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Matched)
	assert.False(t, res[0].Heuristic)
	assert.Equal(t, int64(1), res[0].Chat)

	require.NotNil(t, deletedAt(t, store, 1, 100))
	assert.True(t, deletedAt(t, store, 1, 100).Equal(minute(5)))
	assert.Nil(t, deletedAt(t, store, 2, 100), "same id in another chat is untouched")

	logged, err := store.FindDeletions(ctx, repository.Query{})
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestCorrelator_KnownChatServiceEvent(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)
	require.NoError(t, store.InsertServiceEvent(ctx, &models.ServiceEvent{Chat: 1, ID: 7, Date: minute(0), Action: "pinned_message"}))
	c := NewCorrelator(store, logger.Get())

	res, err := c.Correlate(ctx, []models.Deletion{{ID: 7, Chat: i64(1), Date: minute(1)}}, CorrelateOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Matched)
	assert.True(t, res[0].Service)
}

func TestCorrelator_UnknownChat(t *testing.T) {
	tests := []struct {
		name           string
		opts           CorrelateOptions
		wantChat       int64
		wantService    bool
		wantCandidates int
	}{
		{
			name:           "newest human message wins",
			wantChat:       2,
			wantCandidates: 2,
		},
		{
			name:           "bots included",
			opts:           CorrelateOptions{IncludeBots: true},
			wantChat:       3,
			wantCandidates: 3,
		},
		{
			name:           "service included",
			opts:           CorrelateOptions{IncludeService: true},
			wantChat:       4,
			wantService:    true,
			wantCandidates: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newIndexedStore(t)
			seed(t, store,
				models.Message{Chat: 1, ID: 100, Date: minute(0)},
				models.Message{Chat: 2, ID: 100, Date: minute(1)},
				models.Message{Chat: 3, ID: 100, Date: minute(2), Bot: true},
			)
			require.NoError(t, store.InsertServiceEvent(ctx, &models.ServiceEvent{Chat: 4, ID: 100, Date: minute(3)}))

			c := NewCorrelator(store, logger.Get())
			res, err := c.Correlate(ctx, []models.Deletion{{ID: 100, Date: minute(9)}}, tt.opts)
			require.NoError(t, err)
			require.Len(t, res, 1)

			r := res[0]
			assert.True(t, r.Matched)
			assert.True(t, r.Heuristic)
			assert.Equal(t, tt.wantChat, r.Chat)
			assert.Equal(t, tt.wantService, r.Service)
			assert.Equal(t, tt.wantCandidates, r.Candidates)
		})
	}
}

func TestCorrelator_UnknownChatSkipsAlreadyDeleted(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)
	seed(t, store,
		models.Message{Chat: 1, ID: 100, Date: minute(0)},
		models.Message{Chat: 2, ID: 100, Date: minute(1)},
	)
	c := NewCorrelator(store, logger.Get())

	first, err := c.Correlate(ctx, []models.Deletion{{ID: 100, Date: minute(5)}}, CorrelateOptions{})
	require.NoError(t, err)
	second, err := c.Correlate(ctx, []models.Deletion{{ID: 100, Date: minute(6)}}, CorrelateOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), first[0].Chat)
	assert.Equal(t, int64(1), second[0].Chat)

	third, err := c.Correlate(ctx, []models.Deletion{{ID: 100, Date: minute(7)}}, CorrelateOptions{})
	require.NoError(t, err)
	assert.False(t, third[0].Matched)
	assert.Zero(t, third[0].Candidates)
}

func TestCorrelator_PeekDeleted(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)
	for i := 1; i <= 4; i++ {
		seed(t, store, models.Message{Chat: 1, ID: int64(i), Date: minute(i)})
	}
	seed(t, store, models.Message{Chat: 1, ID: 5, Date: minute(5), Bot: true})
	c := NewCorrelator(store, logger.Get())

	var batch []models.Deletion
	for i := 1; i <= 5; i++ {
		batch = append(batch, models.Deletion{ID: int64(i), Chat: i64(1), Date: minute(10)})
	}
	_, err := c.Correlate(ctx, batch, CorrelateOptions{})
	require.NoError(t, err)

	got, err := c.PeekDeleted(ctx, PeekOptions{Chat: i64(1), Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, int64(3), got.Messages[0].ID)
	assert.Equal(t, int64(2), got.Messages[1].ID)

	got, err = c.PeekDeleted(ctx, PeekOptions{Limit: 1, IncludeBots: true})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, int64(5), got.Messages[0].ID)
}

type liveSet map[int64]bool

func (l liveSet) Live(_ context.Context, _ int64, ids []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for _, id := range ids {
		out[id] = l[id]
	}
	return out, nil
}

func TestCorrelator_PeekBefore(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)
	for i := 1; i <= 6; i++ {
		seed(t, store, models.Message{Chat: 1, ID: int64(i), Date: minute(i)})
	}
	seed(t, store, models.Message{Chat: 2, ID: 3, Date: minute(3)})
	c := NewCorrelator(store, logger.Get())

	t.Run("without checker lists everything before the anchor", func(t *testing.T) {
		got, err := c.PeekBefore(ctx, 1, 5, 0, 0, nil)
		require.NoError(t, err)
		var ids []int64
		for _, m := range got {
			ids = append(ids, m.ID)
			assert.Equal(t, int64(1), m.Chat)
		}
		assert.Equal(t, []int64{4, 3, 2, 1}, ids)
	})

	t.Run("live messages are filtered out", func(t *testing.T) {
		got, err := c.PeekBefore(ctx, 1, 5, 0, 0, liveSet{4: true, 2: true})
		require.NoError(t, err)
		var ids []int64
		for _, m := range got {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []int64{3, 1}, ids)
	})

	t.Run("offset and limit", func(t *testing.T) {
		got, err := c.PeekBefore(ctx, 1, 5, 1, 1, nil)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].ID)
	})

	t.Run("offset counts deleted messages only", func(t *testing.T) {
		got, err := c.PeekBefore(ctx, 1, 5, 1, 1, liveSet{4: true, 2: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
	})

	t.Run("missing anchor", func(t *testing.T) {
		_, err := c.PeekBefore(ctx, 1, 42, 5, 0, nil)
		assert.True(t, errors.Is(err, ErrAnchorNotFound))
	})
}

func TestCorrelator_PeekBeforeReadsPastOnePage(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)
	const n = 2*peekPage + 50
	live := liveSet{}
	for i := 1; i <= n+1; i++ {
		seed(t, store, models.Message{Chat: 1, ID: int64(i), Date: minute(i)})
		if i%2 == 0 {
			live[int64(i)] = true
		}
	}
	c := NewCorrelator(store, logger.Get())

	all, err := c.PeekBefore(ctx, 1, n+1, 0, 0, live)
	require.NoError(t, err)
	assert.Len(t, all, n/2)

	got, err := c.PeekBefore(ctx, 1, n+1, 2, peekPage, live)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// odd ids newest first: n-1, n-3, ...
	assert.Equal(t, int64(n-1-2*peekPage), got[0].ID)
	assert.Equal(t, int64(n-3-2*peekPage), got[1].ID)
}
