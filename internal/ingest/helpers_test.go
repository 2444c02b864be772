package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
	"github.com/blockedby/chatlog/internal/spool"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func unix(minutes int) int {
	return int(t0.Add(time.Duration(minutes) * time.Minute).Unix())
}

func i64(v int64) *int64 { return &v }

func user(id int64, name string) *events.User {
	return &events.User{ID: id, FirstName: name}
}

func group(id int64) *events.Chat {
	return &events.Chat{ID: id, Type: events.ChatSupergroup, Title: "group"}
}

func message(chat, id int64, from *events.User, text string, minute int) *events.Message {
	return &events.Message{ID: id, Chat: group(chat), From: from, Text: text, Date: unix(minute)}
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recordingNotifier) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.seen))
	for i, n := range r.seen {
		out[i] = n.Kind
	}
	return out
}

// failingFailures is a failure store that is always down.
type failingFailures struct{ repository.FailureStore }

func (failingFailures) InsertFailure(context.Context, *models.Failure) error {
	return context.DeadlineExceeded
}

func allOn() Config {
	return Config{LogMessages: true, LogService: true, LogMedia: true}
}

func newTestDriver(t *testing.T, cfg Config, opts ...Option) (*Driver, *repository.MemoryStore) {
	t.Helper()
	store := newIndexedStore(t)
	counters := NewCounters(nil)
	sink := NewSink(store, nil, counters, logger.Get())
	return NewDriver(store, sink, counters, cfg, logger.Get(), opts...), store
}

// newIndexedStore returns a memory store with the required
// indexes in place, so canonical uniqueness is enforced.
func newIndexedStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	EnsureIndexes(context.Background(), store, RequiredIndexes(), logger.Get())
	return store
}

func newMemorySpool(t *testing.T) *spool.Spool {
	t.Helper()
	sp, err := spool.OpenInMemory()
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { sp.Close() })
	return sp
}
