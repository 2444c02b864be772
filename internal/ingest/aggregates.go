package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

// Aggregates keeps user and chat profiles current and maintains their
// message counters.
type Aggregates struct {
	store    repository.ProfileStore
	counters *Counters
	log      *logger.Logger
}

// NewAggregates creates an updater over store.
func NewAggregates(store repository.ProfileStore, counters *Counters, log *logger.Logger) *Aggregates {
	return &Aggregates{store: store, counters: counters, log: log}
}

// Upsert merges doc into the profile id of coll, writing only what changed.
// It reports whether the profile was seen for the first time.
func (a *Aggregates) Upsert(ctx context.Context, coll string, id int64, doc diff.Document) (bool, error) {
	old, err := a.store.GetProfile(ctx, coll, id)
	if err != nil {
		return false, fmt.Errorf("get %s %d: %w", coll, id, err)
	}

	if old == nil {
		err := a.store.CreateProfile(ctx, coll, id, doc)
		if err == nil {
			a.counters.Inc(newEntityCounter(coll))
			return true, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return false, fmt.Errorf("create %s %d: %w", coll, id, err)
		}
		// created concurrently, patch it instead
		if old, err = a.store.GetProfile(ctx, coll, id); err != nil {
			return false, fmt.Errorf("get %s %d: %w", coll, id, err)
		}
		if old == nil {
			old = diff.Document{}
		}
	}

	sets := diff.Sets(old, diff.Diff(old, keepLatest(old, doc)))
	if len(sets) == 0 {
		return false, nil
	}
	if err := a.store.PatchProfile(ctx, coll, id, sets); err != nil {
		return false, fmt.Errorf("patch %s %d: %w", coll, id, err)
	}
	return false, nil
}

// CountMessage applies the counters of one newly stored canonical message:
// the chat total, the chat's per-sender count and, for user senders, the
// user's global count. Each increment is independent; all failures are
// returned joined.
func (a *Aggregates) CountMessage(ctx context.Context, msg *models.Message, fromUser bool) error {
	var errs []error
	inc := func(coll string, id int64, path ...string) {
		if err := a.store.IncrementCounter(ctx, coll, id, path, 1); err != nil {
			errs = append(errs, fmt.Errorf("increment %s %d %v: %w", coll, id, path, err))
		}
	}

	inc(models.CollChats, msg.Chat, models.FieldMessageCounts, models.FieldTotal)
	if msg.User != nil {
		inc(models.CollChats, msg.Chat, models.FieldMessageCounts, strconv.FormatInt(*msg.User, 10))
		if fromUser {
			inc(models.CollUsers, *msg.User, models.FieldMessageCount)
		}
	}
	return errors.Join(errs...)
}

func newEntityCounter(coll string) Counter {
	if coll == models.CollChats {
		return CounterNewChats
	}
	return CounterNewUsers
}

// timestamps that only move forward
var monotonic = []string{models.FieldLastSeen, models.FieldLastOnline}

// keepLatest drops monotonic fields of doc that are older than in old, so
// backfilled history cannot move them back.
func keepLatest(old, doc diff.Document) diff.Document {
	out, cloned := doc, false
	for _, key := range monotonic {
		next, ok := asTime(doc[key])
		if !ok {
			continue
		}
		prev, ok := asTime(old[key])
		if !ok || !next.Before(prev) {
			continue
		}
		if !cloned {
			out, cloned = diff.Clone(doc), true
		}
		delete(out, key)
	}
	return out
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
