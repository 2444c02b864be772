package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/models"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func i64(v int64) *int64 { return &v }
func yes() *bool         { b := true; return &b }
func no() *bool          { b := false; return &b }

func canonicalIndex() IndexSpec {
	return IndexSpec{
		Collection:    models.CollMessages,
		Name:          "messages_canonical_key",
		Keys:          []IndexKey{{Field: "chat"}, {Field: "id"}},
		Unique:        true,
		CanonicalOnly: true,
	}
}

// runStoreContract checks the behaviour every backend must share. newStore
// returns an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("find orders newest first and pages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: int64(i), Date: at(i), Text: "m"}))
		}
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 2, ID: 1, Date: at(10)}))

		got, err := s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1)}, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(4), got[0].ID)
		assert.Equal(t, int64(3), got[1].ID)

		got, err = s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1)}, Oldest: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
		assert.True(t, got[0].Date.Equal(at(1)))
	})

	t.Run("canonical index rejects second rank zero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateIndex(ctx, canonicalIndex()))

		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0)}))
		err := s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0)})
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)

		// superseded copies do not collide
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Rank: 1, Date: at(0)}))
		// same id in another chat is a different key
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 2, ID: 100, Date: at(0)}))
	})

	t.Run("promote frees the canonical slot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateIndex(ctx, canonicalIndex()))

		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0), Text: "first"}))
		require.NoError(t, s.PromoteMessage(ctx, 1, 100, 1))
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0), Text: "second"}))

		all, err := s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1), ID: i64(100)}})
		require.NoError(t, err)
		require.Len(t, all, 2)
		byRank := map[int]string{}
		for _, m := range all {
			byRank[m.Rank] = m.Text
		}
		assert.Equal(t, map[int]string{0: "second", 1: "first"}, byRank)

		canon, err := s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1), ID: i64(100), Canonical: true}})
		require.NoError(t, err)
		require.Len(t, canon, 1)
		assert.Equal(t, "second", canon[0].Text)
	})

	t.Run("append edit keeps prior states", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0), Text: "hi"}))

		res, err := s.AppendEdit(ctx, 1, 100, "hi there", at(1))
		require.NoError(t, err)
		assert.Equal(t, EditResult{Matched: true, Modified: true}, res)

		res, err = s.AppendEdit(ctx, 1, 100, "hi there!", at(2))
		require.NoError(t, err)
		assert.True(t, res.Modified)

		res, err = s.AppendEdit(ctx, 1, 100, "hi there!", at(3))
		require.NoError(t, err)
		assert.Equal(t, EditResult{Matched: true}, res, "same text is a no-op")

		res, err = s.AppendEdit(ctx, 1, 999, "x", at(3))
		require.NoError(t, err)
		assert.Equal(t, EditResult{}, res)

		got, err := s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1), ID: i64(100)}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		m := got[0]
		assert.Equal(t, "hi there!", m.Text)
		require.NotNil(t, m.Edited)
		assert.True(t, m.Edited.Equal(at(2)))
		require.Len(t, m.Edits, 2)
		assert.Equal(t, "hi", m.Edits[0].Text)
		assert.True(t, m.Edits[0].Date.Equal(at(0)))
		assert.Equal(t, "hi there", m.Edits[1].Text)
		assert.True(t, m.Edits[1].Date.Equal(at(1)))
	})

	t.Run("edit to empty text of a textless message is a no-op", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0)}))

		res, err := s.AppendEdit(ctx, 1, 100, "", at(1))
		require.NoError(t, err)
		assert.Equal(t, EditResult{Matched: true}, res)

		res, err = s.AppendEdit(ctx, 1, 100, "caption", at(2))
		require.NoError(t, err)
		assert.Equal(t, EditResult{Matched: true, Modified: true}, res)

		got, err := s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1), ID: i64(100)}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "caption", got[0].Text)
		require.Len(t, got[0].Edits, 1)
		assert.Equal(t, "", got[0].Edits[0].Text)
	})

	t.Run("restore returns a promoted message to rank zero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateIndex(ctx, canonicalIndex()))

		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0), Text: "first"}))
		require.NoError(t, s.PromoteMessage(ctx, 1, 100, 1))
		require.NoError(t, s.RestoreMessage(ctx, 1, 100, 1))

		canon, err := s.FindMessages(ctx, Query{Filter: Filter{Chat: i64(1), ID: i64(100), Canonical: true}})
		require.NoError(t, err)
		require.Len(t, canon, 1)
		assert.Equal(t, "first", canon[0].Text)

		// an occupied slot is not taken over
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Rank: 2, Date: at(0), Text: "old"}))
		err = s.RestoreMessage(ctx, 1, 100, 2)
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)
	})

	t.Run("mark deleted stamps once and only the given chat", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 100, Date: at(0)}))
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 2, ID: 100, Date: at(0)}))

		ok, err := s.MarkDeleted(ctx, models.CollMessages, 1, 100, at(5))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MarkDeleted(ctx, models.CollMessages, 1, 100, at(9))
		require.NoError(t, err)
		assert.False(t, ok, "second stamp is ignored")

		deleted, err := s.FindMessages(ctx, Query{Filter: Filter{Deleted: yes()}})
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.Equal(t, int64(1), deleted[0].Chat)
		assert.True(t, deleted[0].Deleted.Equal(at(5)))

		n, err := s.Count(ctx, models.CollMessages, Filter{Deleted: no()})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.MarkDeleted(ctx, models.CollUsers, 1, 1, at(0))
		assert.Error(t, err)
	})

	t.Run("profiles", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc, err := s.GetProfile(ctx, models.CollUsers, 7)
		require.NoError(t, err)
		assert.Nil(t, doc)

		require.NoError(t, s.CreateProfile(ctx, models.CollUsers, 7, diff.Document{
			"first_name": "Al",
			"flags":      map[string]any{"bot": false},
		}))
		err = s.CreateProfile(ctx, models.CollUsers, 7, diff.Document{})
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)

		require.NoError(t, s.PatchProfile(ctx, models.CollUsers, 7, []diff.Set{
			{Path: []string{"first_name"}, Value: "Alice"},
			{Path: []string{"flags", "verified"}, Value: true},
		}))
		require.NoError(t, s.IncrementCounter(ctx, models.CollUsers, 7, []string{models.FieldMessageCount}, 1))
		require.NoError(t, s.IncrementCounter(ctx, models.CollUsers, 7, []string{models.FieldMessageCount}, 2))

		doc, err = s.GetProfile(ctx, models.CollUsers, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), doc["id"])
		assert.Equal(t, "Alice", doc["first_name"])
		assert.Equal(t, map[string]any{"bot": false, "verified": true}, doc["flags"])
		assert.Equal(t, int64(3), doc[models.FieldMessageCount])
	})

	t.Run("nested counter creates the profile", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		path := []string{models.FieldMessageCounts, "7"}
		require.NoError(t, s.IncrementCounter(ctx, models.CollChats, -100, path, 1))
		require.NoError(t, s.IncrementCounter(ctx, models.CollChats, -100, path, 1))
		require.NoError(t, s.IncrementCounter(ctx, models.CollChats, -100, []string{models.FieldMessageCounts, models.FieldTotal}, 1))

		doc, err := s.GetProfile(ctx, models.CollChats, -100)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"7": int64(2), "total": int64(1)}, doc[models.FieldMessageCounts])
	})

	t.Run("count and distinct", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 1, User: i64(7), Date: at(0)}))
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 2, User: i64(8), Date: at(1), Bot: true}))
		require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 2, ID: 1, User: i64(7), Date: at(2)}))

		n, err := s.Count(ctx, models.CollMessages, Filter{User: i64(7)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.Count(ctx, models.CollMessages, Filter{FromBot: no()})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		since := at(1)
		n, err = s.Count(ctx, models.CollMessages, Filter{Since: &since})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		users, err := s.Distinct(ctx, models.CollMessages, "user", Filter{Chat: i64(1)})
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{7, 8}, users)

		chats, err := s.Distinct(ctx, models.CollMessages, "chat", Filter{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 2}, chats)

		_, err = s.Distinct(ctx, models.CollMessages, "text", Filter{})
		assert.True(t, errors.Is(err, ErrUnsupportedFilter))
	})

	t.Run("unsupported filters are rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Count(ctx, models.CollUsers, Filter{Chat: i64(1)})
		assert.True(t, errors.Is(err, ErrUnsupportedFilter))

		_, err = s.FindDeletions(ctx, Query{Filter: Filter{Canonical: true}})
		assert.True(t, errors.Is(err, ErrUnsupportedFilter))
	})

	t.Run("event logs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.InsertServiceEvent(ctx, &models.ServiceEvent{
			Chat: 1, ID: 50, Date: at(0), Action: "new_chat_title",
			Data: map[string]any{"new_chat_title": "t", "migrate_to_chat_id": int64(-1001)},
		}))
		require.NoError(t, s.InsertDeletion(ctx, &models.Deletion{ID: 50, Date: at(1)}))
		require.NoError(t, s.InsertDeletion(ctx, &models.Deletion{ID: 51, Chat: i64(1), Date: at(2)}))
		require.NoError(t, s.InsertMembership(ctx, &models.Membership{Chat: 1, User: 7, Date: at(3), Joined: true}))

		svc, err := s.FindServiceEvents(ctx, Query{Filter: Filter{Chat: i64(1)}})
		require.NoError(t, err)
		require.Len(t, svc, 1)
		assert.Equal(t, "t", svc[0].Data["new_chat_title"])
		assert.Equal(t, int64(-1001), svc[0].Data["migrate_to_chat_id"])

		ok, err := s.MarkDeleted(ctx, models.CollService, 1, 50, at(4))
		require.NoError(t, err)
		assert.True(t, ok)

		dels, err := s.FindDeletions(ctx, Query{})
		require.NoError(t, err)
		require.Len(t, dels, 2)
		assert.Equal(t, int64(51), dels[0].ID)
		assert.Nil(t, dels[1].Chat)

		members, err := s.FindMemberships(ctx, Query{Filter: Filter{User: i64(7)}})
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.True(t, members[0].Joined)
	})

	t.Run("failures", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := &models.Failure{ID: uuid.NewString(), Date: at(0), Kind: "message", Error: "boom", Raw: `{"id":1}`}
		require.NoError(t, s.InsertFailure(ctx, f))

		got, err := s.FindFailures(ctx, Query{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, f.ID, got[0].ID)
		assert.Equal(t, "boom", got[0].Error)
	})

	t.Run("indexes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		spec := IndexSpec{
			Collection: models.CollMessages,
			Name:       "messages_date_desc",
			Keys:       []IndexKey{{Field: "date", Desc: true}},
		}
		require.NoError(t, s.CreateIndex(ctx, spec))
		require.NoError(t, s.CreateIndex(ctx, spec), "creating twice is harmless")

		list, err := s.Indexes(ctx, models.CollMessages)
		require.NoError(t, err)
		var found bool
		for _, idx := range list {
			if idx.Name == spec.Name {
				found = true
				require.Len(t, idx.Keys, 1)
				assert.Equal(t, "date", idx.Keys[0].Field)
			}
		}
		assert.True(t, found)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_NoIndexAllowsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 1}))
	require.NoError(t, s.InsertMessage(ctx, &models.Message{Chat: 1, ID: 1}))

	n, err := s.Count(ctx, models.CollMessages, Filter{Canonical: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		coll    string
		filter  Filter
		wantErr error
	}{
		{"empty filter", models.CollDeletions, Filter{}, nil},
		{"messages accept everything", models.CollMessages, Filter{Chat: i64(1), User: i64(1), ID: i64(1), Canonical: true, Deleted: yes(), FromBot: no()}, nil},
		{"memberships have no id", models.CollMemberships, Filter{ID: i64(1)}, ErrUnsupportedFilter},
		{"users have no date", models.CollUsers, Filter{Since: &base}, ErrUnsupportedFilter},
		{"service has no bot flag", models.CollService, Filter{FromBot: yes()}, ErrUnsupportedFilter},
		{"unknown collection", "reactions", Filter{}, ErrUnknownCollection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate(tt.coll)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}
