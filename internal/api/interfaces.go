package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/blockedby/chatlog/internal/backfill"
	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/models"
)

// BackfillManager defines the interface for backfill job control.
type BackfillManager interface {
	Start(ctx context.Context, req backfill.Request) (*backfill.Job, error)
	Stop(id uuid.UUID) error
	StopAll() int
	Get(id uuid.UUID) (backfill.Job, error)
	Jobs() []backfill.Job
}

// DeletionQuerier defines the deleted-message lookups.
type DeletionQuerier interface {
	PeekDeleted(ctx context.Context, opts ingest.PeekOptions) (*ingest.Peeked, error)
	PeekBefore(ctx context.Context, chat, anchor int64, limit, offset int, live ingest.LiveChecker) ([]models.Message, error)
}

// CounterSnapshotter returns session counters by name.
type CounterSnapshotter interface {
	Snapshot() map[string]int64
}

// StatusFunc reports the source connection status.
type StatusFunc func() string
