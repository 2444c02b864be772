// Package ingest turns platform events into store writes: the duplicate
// tolerant writer, profile and counter aggregates, deletion correlation,
// index bootstrap and the error sink, tied together by Driver.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

// WriteResult reports what Write did with a message.
type WriteResult struct {
	// stored as the new canonical document
	Inserted bool
	// an earlier canonical document was demoted to make room
	Superseded bool
	// a canonical document existed and ignore mode dropped the new one
	Dropped bool
}

// Writer stores messages under their (chat, id) key, demoting earlier
// deliveries instead of overwriting them.
type Writer struct {
	store repository.MessageStore
	log   *logger.Logger
}

// NewWriter creates a writer over store.
func NewWriter(store repository.MessageStore, log *logger.Logger) *Writer {
	return &Writer{store: store, log: log}
}

// Write stores msg as the canonical document for its key. When a canonical
// document already exists it is promoted to max(rank)+1 first, unless
// ignoreDuplicates is set, in which case msg is dropped.
//
// Detecting and resolving a conflict is not atomic. Two concurrent
// deliveries of one key can both see no conflict; the canonical unique
// index then rejects one insert, which is retried once as a conflict.
func (w *Writer) Write(ctx context.Context, msg *models.Message, ignoreDuplicates bool) (WriteResult, error) {
	msg.Rank = 0

	existing, err := w.find(ctx, msg.Chat, msg.ID)
	if err != nil {
		return WriteResult{}, err
	}
	if _, ok := canonical(existing); ok {
		if ignoreDuplicates {
			return WriteResult{Dropped: true}, nil
		}
		return w.supersede(ctx, msg, existing)
	}

	err = w.store.InsertMessage(ctx, msg)
	if err == nil {
		return WriteResult{Inserted: true}, nil
	}
	if !errors.Is(err, repository.ErrDuplicateKey) {
		return WriteResult{}, fmt.Errorf("insert message %d/%d: %w", msg.Chat, msg.ID, err)
	}

	// lost a race with a concurrent delivery
	if ignoreDuplicates {
		return WriteResult{Dropped: true}, nil
	}
	existing, err = w.find(ctx, msg.Chat, msg.ID)
	if err != nil {
		return WriteResult{}, err
	}
	return w.supersede(ctx, msg, existing)
}

func (w *Writer) supersede(ctx context.Context, msg *models.Message, existing []models.Message) (WriteResult, error) {
	rank := maxRank(existing) + 1
	if err := w.store.PromoteMessage(ctx, msg.Chat, msg.ID, rank); err != nil {
		return WriteResult{}, fmt.Errorf("promote message %d/%d to rank %d: %w", msg.Chat, msg.ID, rank, err)
	}
	if err := w.store.InsertMessage(ctx, msg); err != nil {
		// a concurrent delivery that took rank 0 keeps it
		if !errors.Is(err, repository.ErrDuplicateKey) {
			w.restore(ctx, msg.Chat, msg.ID, rank)
		}
		return WriteResult{}, fmt.Errorf("insert message %d/%d over rank %d: %w", msg.Chat, msg.ID, rank, err)
	}

	w.log.Debug().
		Int64("chat_id", msg.Chat).
		Int64("message_id", msg.ID).
		Int("rank", rank).
		Msg("superseded duplicate delivery")
	return WriteResult{Inserted: true, Superseded: true}, nil
}

// restore undoes a promotion whose replacement was never stored, so the key
// keeps a canonical document.
func (w *Writer) restore(ctx context.Context, chat, id int64, rank int) {
	err := w.store.RestoreMessage(context.WithoutCancel(ctx), chat, id, rank)
	if err == nil {
		return
	}
	w.log.Error().Err(err).
		Int64("chat_id", chat).
		Int64("message_id", id).
		Int("rank", rank).
		Msg("failed to restore superseded message, key has no canonical document")
}

func (w *Writer) find(ctx context.Context, chat, id int64) ([]models.Message, error) {
	existing, err := w.store.FindMessages(ctx, repository.Query{
		Filter: repository.Filter{Chat: &chat, ID: &id},
	})
	if err != nil {
		return nil, fmt.Errorf("find message %d/%d: %w", chat, id, err)
	}
	return existing, nil
}

func canonical(docs []models.Message) (*models.Message, bool) {
	for i := range docs {
		if docs[i].Canonical() {
			return &docs[i], true
		}
	}
	return nil, false
}

func maxRank(docs []models.Message) int {
	top := 0
	for _, d := range docs {
		top = max(top, d.Rank)
	}
	return top
}
