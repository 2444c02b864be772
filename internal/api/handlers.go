package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/blockedby/chatlog/internal/backfill"
	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	defaultTop   = 10
)

// Handler handles HTTP requests for the query surface.
type Handler struct {
	store     repository.Store
	deletions DeletionQuerier
	live      ingest.LiveChecker
	counters  CounterSnapshotter
	backfill  BackfillManager
	status    StatusFunc
	log       *logger.Logger
	started   time.Time
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Time: time.Now().Format(time.RFC3339)}
	if h.status != nil {
		resp.Source = h.status()
	}
	respondJSON(w, http.StatusOK, resp)
}

// Find handles GET /api/v1/{collection}
func (h *Handler) Find(coll string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := q.Filter.Validate(coll); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		var (
			items any
			n     int
		)
		ctx := r.Context()
		switch coll {
		case models.CollMessages:
			docs, e := h.store.FindMessages(ctx, q)
			items, n, err = docs, len(docs), e
		case models.CollService:
			docs, e := h.store.FindServiceEvents(ctx, q)
			items, n, err = docs, len(docs), e
		case models.CollDeletions:
			docs, e := h.store.FindDeletions(ctx, q)
			items, n, err = docs, len(docs), e
		case models.CollMemberships:
			docs, e := h.store.FindMemberships(ctx, q)
			items, n, err = docs, len(docs), e
		case models.CollFailures:
			docs, e := h.store.FindFailures(ctx, q)
			items, n, err = docs, len(docs), e
		default:
			respondError(w, http.StatusNotFound, "unknown collection "+coll)
			return
		}
		if err != nil {
			h.storeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, ListResponse{Items: items, Count: n, Limit: q.Limit, Offset: q.Offset})
	}
}

// Count handles GET /api/v1/{collection}/count
func (h *Handler) Count(coll string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		n, err := h.store.Count(r.Context(), coll, q.Filter)
		if err != nil {
			h.storeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

// Distinct handles GET /api/v1/{collection}/distinct/{field}
func (h *Handler) Distinct(coll string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		field := chi.URLParam(r, "field")
		values, err := h.store.Distinct(r.Context(), coll, field, q.Filter)
		if err != nil {
			h.storeError(w, err)
			return
		}
		if values == nil {
			values = []int64{}
		}
		respondJSON(w, http.StatusOK, DistinctResponse{Field: field, Values: values})
	}
}

// Profile handles GET /api/v1/users/{id} and GET /api/v1/chats/{chat}
func (h *Handler) Profile(coll, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathInt(r, param)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		doc, err := h.store.GetProfile(r.Context(), coll, id)
		if err != nil {
			h.storeError(w, err)
			return
		}
		if doc == nil {
			respondError(w, http.StatusNotFound, fmt.Sprintf("%s %d not found", coll, id))
			return
		}
		respondJSON(w, http.StatusOK, doc)
	}
}

// MessageHistory handles GET /api/v1/chats/{chat}/messages/{id}/history
func (h *Handler) MessageHistory(w http.ResponseWriter, r *http.Request) {
	chat, err := pathInt(r, "chat")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := pathInt(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.store.FindMessages(r.Context(), repository.Query{
		Filter: repository.Filter{Chat: &chat, ID: &id},
		Oldest: true,
	})
	if err != nil {
		h.storeError(w, err)
		return
	}
	if len(docs) == 0 {
		respondError(w, http.StatusNotFound, fmt.Sprintf("message %d/%d not found", chat, id))
		return
	}

	resp := HistoryResponse{Edits: []models.Edit{}, Superseded: []models.Message{}}
	for i := range docs {
		if docs[i].Canonical() {
			resp.Canonical = &docs[i]
			if docs[i].Edits != nil {
				resp.Edits = docs[i].Edits
			}
			continue
		}
		resp.Superseded = append(resp.Superseded, docs[i])
	}
	sort.Slice(resp.Superseded, func(i, j int) bool { return resp.Superseded[i].Rank < resp.Superseded[j].Rank })
	respondJSON(w, http.StatusOK, resp)
}

// Deleted handles GET /api/v1/deleted
func (h *Handler) Deleted(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	service, err := queryBool(r, "service")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := ingest.PeekOptions{
		Chat:           q.Chat,
		Limit:          q.Limit,
		Offset:         q.Offset,
		IncludeBots:    q.FromBot != nil && *q.FromBot,
		IncludeService: service != nil && *service,
	}
	peeked, err := h.deletions.PeekDeleted(r.Context(), opts)
	if err != nil {
		h.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, peeked)
}

// DeletedBefore handles GET /api/v1/chats/{chat}/deleted-before/{id}
func (h *Handler) DeletedBefore(w http.ResponseWriter, r *http.Request) {
	chat, err := pathInt(r, "chat")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	anchor, err := pathInt(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.deletions.PeekBefore(r.Context(), chat, anchor, limit, offset, h.live)
	if errors.Is(err, ingest.ErrAnchorNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.storeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, ListResponse{Items: msgs, Count: len(msgs), Limit: limit, Offset: offset})
}

// Top handles GET /api/v1/chats/{chat}/top
func (h *Handler) Top(w http.ResponseWriter, r *http.Request) {
	chat, err := pathInt(r, "chat")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultTop
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	doc, err := h.store.GetProfile(r.Context(), models.CollChats, chat)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if doc == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("chat %d not found", chat))
		return
	}

	resp := TopResponse{Chat: chat, Top: []TopEntry{}}
	counts, _ := doc[models.FieldMessageCounts].(map[string]any)
	for k, v := range counts {
		n, ok := asInt64(v)
		if !ok {
			continue
		}
		if k == models.FieldTotal {
			resp.Total = n
			continue
		}
		user, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		resp.Top = append(resp.Top, TopEntry{User: user, Messages: n})
	}
	sort.Slice(resp.Top, func(i, j int) bool {
		if resp.Top[i].Messages != resp.Top[j].Messages {
			return resp.Top[i].Messages > resp.Top[j].Messages
		}
		return resp.Top[i].User < resp.Top[j].User
	})
	if limit > 0 && len(resp.Top) > limit {
		resp.Top = resp.Top[:limit]
	}
	respondJSON(w, http.StatusOK, resp)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Session:   h.counters.Snapshot(),
		Persisted: map[string]int64{},
		Since:     h.started,
	}
	colls := append(append([]string{}, models.Collections...), models.CollFailures)
	for _, coll := range colls {
		n, err := h.store.Count(r.Context(), coll, repository.Filter{})
		if err != nil {
			h.storeError(w, err)
			return
		}
		resp.Persisted[coll] = n
	}
	respondJSON(w, http.StatusOK, resp)
}

// StartBackfill handles POST /api/v1/backfill
func (h *Handler) StartBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfill.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Chat == 0 {
		respondError(w, http.StatusBadRequest, "chat is required")
		return
	}
	if req.Limit < 0 || req.OffsetID < 0 || req.ProgressEvery < 0 {
		respondError(w, http.StatusBadRequest, "limit, offset_id and progress_every must not be negative")
		return
	}

	job, err := h.backfill.Start(r.Context(), req)
	if errors.Is(err, backfill.ErrTooManyJobs) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// ListBackfill handles GET /api/v1/backfill
func (h *Handler) ListBackfill(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.backfill.Jobs())
}

// GetBackfill handles GET /api/v1/backfill/{id}
func (h *Handler) GetBackfill(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := h.backfill.Get(id)
	if errors.Is(err, backfill.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// StopBackfill handles DELETE /api/v1/backfill/{id}
func (h *Handler) StopBackfill(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := h.backfill.Stop(id); err != nil {
		if errors.Is(err, backfill.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopAllBackfill handles DELETE /api/v1/backfill
func (h *Handler) StopAllBackfill(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, StopAllResponse{Stopped: h.backfill.StopAll()})
}

// storeError maps repository errors to status codes.
func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrUnknownCollection):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrUnsupportedFilter):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Msg("store query failed")
		respondError(w, http.StatusInternalServerError, "store query failed")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
