package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blockedby/chatlog/internal/repository"
)

// parseQuery reads the common filter and paging parameters.
func parseQuery(r *http.Request) (repository.Query, error) {
	var (
		q   repository.Query
		err error
	)
	if q.Chat, err = queryInt64(r, "chat"); err != nil {
		return q, err
	}
	if q.User, err = queryInt64(r, "user"); err != nil {
		return q, err
	}
	if q.ID, err = queryInt64(r, "id"); err != nil {
		return q, err
	}
	if q.Deleted, err = queryBool(r, "deleted"); err != nil {
		return q, err
	}
	if q.FromBot, err = queryBool(r, "bots"); err != nil {
		return q, err
	}
	canonical, err := queryBool(r, "canonical")
	if err != nil {
		return q, err
	}
	q.Canonical = canonical != nil && *canonical

	if q.Since, err = queryTime(r, "since"); err != nil {
		return q, err
	}
	if q.Until, err = queryTime(r, "until"); err != nil {
		return q, err
	}

	switch order := r.URL.Query().Get("order"); order {
	case "", "desc":
	case "asc":
		q.Oldest = true
	default:
		return q, fmt.Errorf("invalid order %q: want asc or desc", order)
	}

	q.Limit, q.Offset, err = paging(r)
	return q, err
}

// paging reads limit and offset. limit defaults to 50 and is capped.
func paging(r *http.Request) (limit, offset int, err error) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
	}
	limit = min(limit, maxLimit)
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, v)
	}
	return &n, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, v)
	}
	return &b, nil
}

// queryTime accepts RFC 3339 or Unix seconds.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.Unix(sec, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: want RFC 3339 or unix seconds", name, v)
	}
	return &t, nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	v := chi.URLParam(r, name)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// asInt64 reads a counter value decoded by any backend.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
