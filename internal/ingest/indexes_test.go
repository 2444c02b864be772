package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

func TestEnsureIndexes_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	created := EnsureIndexes(ctx, store, RequiredIndexes(), logger.Get())
	assert.Len(t, created, len(RequiredIndexes()))

	created = EnsureIndexes(ctx, store, RequiredIndexes(), logger.Get())
	assert.Empty(t, created)
}

func TestEnsureIndexes_MatchesByKeysNotName(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	// same keys in the other direction under a foreign name
	require.NoError(t, store.CreateIndex(ctx, repository.IndexSpec{
		Collection: models.CollDeletions,
		Name:       "legacy_date",
		Keys:       []repository.IndexKey{{Field: "date"}},
	}))

	required := []repository.IndexSpec{
		{Collection: models.CollDeletions, Name: "deletions_date_desc", Keys: newest()},
		{Collection: models.CollDeletions, Name: "deletions_id", Keys: keys("id")},
	}
	created := EnsureIndexes(ctx, store, required, logger.Get())
	assert.Equal(t, []string{"deletions_id"}, created)
}

func TestSatisfies(t *testing.T) {
	canonical := repository.IndexSpec{Keys: keys("chat", "id"), Unique: true, CanonicalOnly: true}

	tests := []struct {
		name string
		have repository.IndexSpec
		want bool
	}{
		{"identical", canonical, true},
		{"not unique", repository.IndexSpec{Keys: keys("chat", "id"), CanonicalOnly: true}, false},
		{"not partial", repository.IndexSpec{Keys: keys("chat", "id"), Unique: true}, false},
		{"different order", repository.IndexSpec{Keys: keys("id", "chat"), Unique: true, CanonicalOnly: true}, false},
		{"prefix only", repository.IndexSpec{Keys: keys("chat"), Unique: true, CanonicalOnly: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, satisfies(tt.have, canonical))
		})
	}
}

// brokenIndexes fails every index operation.
type brokenIndexes struct{}

func (brokenIndexes) Indexes(context.Context, string) ([]repository.IndexSpec, error) {
	return nil, errors.New("listIndexes not permitted")
}

func (brokenIndexes) CreateIndex(context.Context, repository.IndexSpec) error {
	return errors.New("createIndex not permitted")
}

func TestEnsureIndexes_FailuresAreNotFatal(t *testing.T) {
	created := EnsureIndexes(context.Background(), brokenIndexes{}, RequiredIndexes(), logger.Get())
	assert.Empty(t, created)
}
