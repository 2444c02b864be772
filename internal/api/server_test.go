package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/backfill"
	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) int {
	return int(t0.Add(time.Duration(minutes) * time.Minute).Unix())
}

// mockBackfill records calls and serves canned jobs.
type mockBackfill struct {
	jobs     map[uuid.UUID]backfill.Job
	startErr error
	started  []backfill.Request
	stopped  []uuid.UUID
}

func (m *mockBackfill) Start(_ context.Context, req backfill.Request) (*backfill.Job, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, req)
	j := backfill.Job{ID: uuid.New(), Request: req, State: backfill.StateRunning, StartedAt: t0}
	m.jobs[j.ID] = j
	return &j, nil
}

func (m *mockBackfill) Stop(id uuid.UUID) error {
	if _, ok := m.jobs[id]; !ok {
		return backfill.ErrJobNotFound
	}
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockBackfill) StopAll() int { return len(m.jobs) }

func (m *mockBackfill) Get(id uuid.UUID) (backfill.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return backfill.Job{}, backfill.ErrJobNotFound
	}
	return j, nil
}

func (m *mockBackfill) Jobs() []backfill.Job {
	out := make([]backfill.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

type fixture struct {
	router   http.Handler
	driver   *ingest.Driver
	backfill *mockBackfill
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	log := logger.Get()
	counters := ingest.NewCounters(nil)
	sink := ingest.NewSink(store, nil, counters, log)
	driver := ingest.NewDriver(store, sink, counters, ingest.Config{LogMessages: true, LogService: true}, log)
	bf := &mockBackfill{jobs: map[uuid.UUID]backfill.Job{}}

	h := NewHandler(&Dependencies{
		Store:     store,
		Deletions: driver.Correlator(),
		Counters:  counters,
		Backfill:  bf,
		Status:    func() string { return "READY" },
	}, log)
	return &fixture{router: NewRouter(h, nil, nil), driver: driver, backfill: bf}
}

func (f *fixture) ingest(t *testing.T, evs ...events.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, f.driver.Ingest(context.Background(), ev, false))
	}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type messagePage struct {
	Items []models.Message `json:"items"`
	Count int              `json:"count"`
}

func msg(chat, id, user int64, text string, minute int) *events.Message {
	return &events.Message{
		ID:   id,
		Date: at(minute),
		Chat: &events.Chat{ID: chat, Type: events.ChatSupergroup, Title: "group"},
		From: &events.User{ID: user, FirstName: "u"},
		Text: text,
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "READY", resp.Source)
}

func TestFindAndCountMessages(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, msg(-1, 1, 10, "a", 1), msg(-1, 2, 11, "b", 2), msg(-2, 1, 10, "c", 3))

	rec := f.do(t, http.MethodGet, "/api/v1/messages?chat=-1&order=asc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[messagePage](t, rec)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "a", resp.Items[0].Text)
	assert.Equal(t, "b", resp.Items[1].Text)

	rec = f.do(t, http.MethodGet, "/api/v1/messages/count?user=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[CountResponse](t, rec).Count)

	rec = f.do(t, http.MethodGet, "/api/v1/messages/distinct/chat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []int64{-1, -2}, decode[DistinctResponse](t, rec).Values)
}

func TestFind_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unsupported filter", "/api/v1/deletions?user=1", http.StatusBadRequest},
		{"bad int", "/api/v1/messages?chat=x", http.StatusBadRequest},
		{"bad order", "/api/v1/messages?order=up", http.StatusBadRequest},
		{"bad limit", "/api/v1/messages?limit=0", http.StatusBadRequest},
		{"bad time", "/api/v1/messages?since=yesterday", http.StatusBadRequest},
		{"unknown collection", "/api/v1/reactions", http.StatusNotFound},
		{"bad distinct field", "/api/v1/deletions/distinct/user", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestMessageHistory(t *testing.T) {
	f := newFixture(t)
	edit := &events.Edit{Message: *msg(-1, 5, 10, "second", 1)}
	edit.EditDate = at(2)
	f.ingest(t, msg(-1, 5, 10, "first", 1), edit)

	rec := f.do(t, http.MethodGet, "/api/v1/chats/-1/messages/5/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HistoryResponse](t, rec)
	require.NotNil(t, resp.Canonical)
	assert.Equal(t, "second", resp.Canonical.Text)
	require.Len(t, resp.Edits, 1)
	assert.Equal(t, "first", resp.Edits[0].Text)
	assert.Empty(t, resp.Superseded)

	rec = f.do(t, http.MethodGet, "/api/v1/chats/-1/messages/6/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleted(t *testing.T) {
	f := newFixture(t)
	chat := int64(-1)
	f.ingest(t,
		msg(-1, 1, 10, "keep", 1),
		msg(-1, 2, 10, "gone", 2),
		&events.DeletionBatch{Items: []events.DeletedMessage{{ID: 2, Chat: &chat}}, Date: at(3)},
	)

	rec := f.do(t, http.MethodGet, "/api/v1/deleted?chat=-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ingest.Peeked](t, rec)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "gone", resp.Messages[0].Text)
	assert.NotNil(t, resp.Messages[0].Deleted)

	rec = f.do(t, http.MethodGet, "/api/v1/deletions/count", "")
	assert.Equal(t, int64(1), decode[CountResponse](t, rec).Count)
}

func TestDeletedBefore(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, msg(-1, 1, 10, "a", 1), msg(-1, 2, 10, "b", 2), msg(-1, 3, 10, "anchor", 3))

	rec := f.do(t, http.MethodGet, "/api/v1/chats/-1/deleted-before/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[ListResponse](t, rec).Count)

	rec = f.do(t, http.MethodGet, "/api/v1/chats/-1/deleted-before/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfilesAndTop(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, msg(-1, 1, 10, "a", 1), msg(-1, 2, 11, "b", 2), msg(-1, 3, 11, "c", 3))

	rec := f.do(t, http.MethodGet, "/api/v1/users/11", "")
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, user[models.FieldMessageCount])

	rec = f.do(t, http.MethodGet, "/api/v1/users/12", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/chats/-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/chats/-1/top", "")
	require.Equal(t, http.StatusOK, rec.Code)
	top := decode[TopResponse](t, rec)
	assert.Equal(t, int64(3), top.Total)
	assert.Equal(t, []TopEntry{{User: 11, Messages: 2}, {User: 10, Messages: 1}}, top.Top)

	rec = f.do(t, http.MethodGet, "/api/v1/users/count", "")
	assert.Equal(t, int64(2), decode[CountResponse](t, rec).Count)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, msg(-1, 1, 10, "a", 1))

	rec := f.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatsResponse](t, rec)
	assert.Equal(t, int64(1), resp.Session["messages"])
	assert.Equal(t, int64(1), resp.Persisted[models.CollMessages])
	assert.Equal(t, int64(0), resp.Persisted[models.CollFailures])
}

func TestBackfillEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/backfill", `{"limit":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/backfill", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/backfill", `{"chat":-100,"limit":10,"oldest_first":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decode[backfill.Job](t, rec)
	assert.Equal(t, int64(-100), job.Request.Chat)
	assert.True(t, job.Request.OldestFirst)

	rec = f.do(t, http.MethodGet, "/api/v1/backfill/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decode[backfill.Job](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/v1/backfill", "")
	assert.Len(t, decode[[]backfill.Job](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/backfill/"+job.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uuid.UUID{job.ID}, f.backfill.stopped)

	rec = f.do(t, http.MethodDelete, "/api/v1/backfill/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/backfill/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/backfill", "")
	assert.Equal(t, 1, decode[StopAllResponse](t, rec).Stopped)

	f.backfill.startErr = backfill.ErrTooManyJobs
	rec = f.do(t, http.MethodPost, "/api/v1/backfill", `{"chat":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
