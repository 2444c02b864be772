package ingest

import (
	"context"

	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

func keys(fields ...string) []repository.IndexKey {
	out := make([]repository.IndexKey, len(fields))
	for i, f := range fields {
		out[i] = repository.IndexKey{Field: f}
	}
	return out
}

func newest() []repository.IndexKey {
	return []repository.IndexKey{{Field: "date", Desc: true}}
}

// RequiredIndexes lists the indexes ingestion and queries rely on.
func RequiredIndexes() []repository.IndexSpec {
	return []repository.IndexSpec{
		{Collection: models.CollMessages, Name: "messages_date_desc", Keys: newest()},
		{Collection: models.CollMessages, Name: "messages_user", Keys: keys("user")},
		{Collection: models.CollMessages, Name: "messages_id", Keys: keys("id")},
		{Collection: models.CollMessages, Name: "messages_canonical_key", Keys: keys("chat", "id"), Unique: true, CanonicalOnly: true},

		{Collection: models.CollService, Name: "service_events_date_desc", Keys: newest()},
		{Collection: models.CollService, Name: "service_events_user", Keys: keys("user")},
		{Collection: models.CollService, Name: "service_events_key", Keys: keys("chat", "id")},

		{Collection: models.CollDeletions, Name: "deletions_date_desc", Keys: newest()},
		{Collection: models.CollDeletions, Name: "deletions_id", Keys: keys("id")},

		{Collection: models.CollMemberships, Name: "memberships_date_desc", Keys: newest()},
		{Collection: models.CollMemberships, Name: "memberships_user", Keys: keys("user")},
		{Collection: models.CollMemberships, Name: "memberships_chat", Keys: keys("chat")},

		{Collection: models.CollUsers, Name: "users_id", Keys: keys("id"), Unique: true},
		{Collection: models.CollChats, Name: "chats_id", Keys: keys("id"), Unique: true},

		{Collection: models.CollFailures, Name: "failures_date_desc", Keys: newest()},
	}
}

// satisfies reports whether have covers want. Names and key direction are
// ignored since a btree serves both directions.
func satisfies(have, want repository.IndexSpec) bool {
	if len(have.Keys) != len(want.Keys) || have.Unique != want.Unique || have.CanonicalOnly != want.CanonicalOnly {
		return false
	}
	for i := range want.Keys {
		if have.Keys[i].Field != want.Keys[i].Field {
			return false
		}
	}
	return true
}

// EnsureIndexes creates every required index missing from store and returns
// the names it created. Failures are logged as warnings: a missing index
// slows queries but loses no data.
func EnsureIndexes(ctx context.Context, store repository.IndexStore, required []repository.IndexSpec, log *logger.Logger) []string {
	existing := map[string][]repository.IndexSpec{}
	var created []string

	for _, want := range required {
		have, ok := existing[want.Collection]
		if !ok {
			var err error
			have, err = store.Indexes(ctx, want.Collection)
			if err != nil {
				log.Warn().Err(err).Str("collection", want.Collection).Msg("failed to list indexes")
			}
			existing[want.Collection] = have
		}

		present := false
		for _, h := range have {
			if satisfies(h, want) {
				present = true
				break
			}
		}
		if present {
			continue
		}

		if err := store.CreateIndex(ctx, want); err != nil {
			log.Warn().Err(err).Str("collection", want.Collection).Str("index", want.Name).Msg("failed to create index")
			continue
		}
		existing[want.Collection] = append(existing[want.Collection], want)
		created = append(created, want.Name)
		log.Info().Str("collection", want.Collection).Str("index", want.Name).Msg("created index")
	}
	return created
}
