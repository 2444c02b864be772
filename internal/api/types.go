package api

import (
	"time"

	"github.com/blockedby/chatlog/internal/models"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
	Source string `json:"source,omitempty"`
	Time   string `json:"time"`
}

// ListResponse wraps a page of documents.
type ListResponse struct {
	Items  any `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// CountResponse represents a count query result.
type CountResponse struct {
	Count int64 `json:"count"`
}

// DistinctResponse represents a distinct query result.
type DistinctResponse struct {
	Field  string  `json:"field"`
	Values []int64 `json:"values"`
}

// HistoryResponse is every stored copy of one message key.
type HistoryResponse struct {
	Canonical  *models.Message  `json:"canonical,omitempty"`
	Edits      []models.Edit    `json:"edits"`
	Superseded []models.Message `json:"superseded"`
}

// TopEntry is one line of a chat scoreboard.
type TopEntry struct {
	User     int64 `json:"user"`
	Messages int64 `json:"messages"`
}

// TopResponse is a chat's senders ordered by message count.
type TopResponse struct {
	Chat  int64      `json:"chat"`
	Total int64      `json:"total"`
	Top   []TopEntry `json:"top"`
}

// StatsResponse compares session counters with persisted counts.
type StatsResponse struct {
	Session   map[string]int64 `json:"session"`
	Persisted map[string]int64 `json:"persisted"`
	Since     time.Time        `json:"since"`
}

// StopAllResponse reports how many jobs were cancelled.
type StopAllResponse struct {
	Stopped int `json:"stopped"`
}
