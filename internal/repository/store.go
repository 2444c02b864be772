// Package repository persists chat documents. Store is the contract shared
// by the Postgres, MongoDB and in-memory backends.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/models"
)

// errors
var (
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrUnsupportedFilter = errors.New("filter not supported for collection")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Filter selects documents. Nil and zero fields do not constrain.
type Filter struct {
	Chat *int64
	User *int64
	ID   *int64

	// only rank 0 messages
	Canonical bool
	Deleted   *bool
	FromBot   *bool

	Since *time.Time
	Until *time.Time
}

// Query is a filter plus paging. Results are newest first unless Oldest.
type Query struct {
	Filter
	Limit  int
	Offset int
	Oldest bool
}

// EditResult reports what AppendEdit did.
type EditResult struct {
	// a canonical message exists for the key
	Matched bool
	// the text differed and history was appended
	Modified bool
}

// IndexKey is one field of an index. Field uses logical document names.
type IndexKey struct {
	Field string
	Desc  bool
}

// IndexSpec describes an index on a collection.
type IndexSpec struct {
	Collection string
	Name       string
	Keys       []IndexKey
	Unique     bool

	// restrict the index to rank 0 messages
	CanonicalOnly bool
}

// MessageStore holds messages and their supersede history.
type MessageStore interface {
	// InsertMessage returns ErrDuplicateKey when a canonical message already
	// occupies the key and the canonical index exists.
	InsertMessage(ctx context.Context, msg *models.Message) error
	FindMessages(ctx context.Context, q Query) ([]models.Message, error)
	PromoteMessage(ctx context.Context, chat, id int64, rank int) error
	// RestoreMessage moves the document at rank back to rank 0. It returns
	// ErrDuplicateKey when a canonical message already occupies the key.
	RestoreMessage(ctx context.Context, chat, id int64, rank int) error
	AppendEdit(ctx context.Context, chat, id int64, text string, at time.Time) (EditResult, error)
	// MarkDeleted stamps the canonical message in coll (messages or
	// service_events). An existing stamp is kept.
	MarkDeleted(ctx context.Context, coll string, chat, id int64, at time.Time) (bool, error)
}

// EventLog holds the append-only collections.
type EventLog interface {
	InsertServiceEvent(ctx context.Context, ev *models.ServiceEvent) error
	FindServiceEvents(ctx context.Context, q Query) ([]models.ServiceEvent, error)
	InsertDeletion(ctx context.Context, d *models.Deletion) error
	FindDeletions(ctx context.Context, q Query) ([]models.Deletion, error)
	InsertMembership(ctx context.Context, m *models.Membership) error
	FindMemberships(ctx context.Context, q Query) ([]models.Membership, error)
}

// ProfileStore holds user and chat profile documents.
type ProfileStore interface {
	// GetProfile returns nil, nil when no profile exists.
	GetProfile(ctx context.Context, coll string, id int64) (diff.Document, error)
	// CreateProfile returns ErrDuplicateKey when the profile exists.
	CreateProfile(ctx context.Context, coll string, id int64, doc diff.Document) error
	PatchProfile(ctx context.Context, coll string, id int64, sets []diff.Set) error
	// IncrementCounter adds delta to the numeric field at path, creating the
	// profile and intermediate maps as needed.
	IncrementCounter(ctx context.Context, coll string, id int64, path []string, delta int64) error
}

// FailureStore holds error sink records.
type FailureStore interface {
	InsertFailure(ctx context.Context, f *models.Failure) error
	FindFailures(ctx context.Context, q Query) ([]models.Failure, error)
}

// QueryStore answers aggregate read queries over any collection.
type QueryStore interface {
	Count(ctx context.Context, coll string, f Filter) (int64, error)
	// Distinct returns the distinct values of an integer field.
	Distinct(ctx context.Context, coll, field string, f Filter) ([]int64, error)
}

// IndexStore inspects and creates indexes.
type IndexStore interface {
	Indexes(ctx context.Context, coll string) ([]IndexSpec, error)
	CreateIndex(ctx context.Context, spec IndexSpec) error
}

// Store is the full backend contract.
type Store interface {
	MessageStore
	EventLog
	ProfileStore
	FailureStore
	QueryStore
	IndexStore
	Close(ctx context.Context) error
}

// filter fields per collection
const (
	fChat = 1 << iota
	fUser
	fID
	fCanonical
	fDeleted
	fBot
	fDate
)

var supported = map[string]int{
	models.CollMessages:    fChat | fUser | fID | fCanonical | fDeleted | fBot | fDate,
	models.CollService:     fChat | fUser | fID | fDeleted | fDate,
	models.CollDeletions:   fChat | fID | fDate,
	models.CollMemberships: fChat | fUser | fDate,
	models.CollUsers:       fID,
	models.CollChats:       fID,
	models.CollFailures:    fDate,
}

// distinct-able integer fields per collection
var distinctFields = map[string][]string{
	models.CollMessages:    {"chat", "user", "id"},
	models.CollService:     {"chat", "user", "id"},
	models.CollDeletions:   {"chat", "id"},
	models.CollMemberships: {"chat", "user"},
	models.CollUsers:       {"id"},
	models.CollChats:       {"id"},
}

// Validate checks that every set field of f applies to coll.
func (f Filter) Validate(coll string) error {
	mask, ok := supported[coll]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, coll)
	}
	check := func(set bool, bit int, name string) error {
		if set && mask&bit == 0 {
			return fmt.Errorf("%w: %s on %s", ErrUnsupportedFilter, name, coll)
		}
		return nil
	}
	return errors.Join(
		check(f.Chat != nil, fChat, "chat"),
		check(f.User != nil, fUser, "user"),
		check(f.ID != nil, fID, "id"),
		check(f.Canonical, fCanonical, "canonical"),
		check(f.Deleted != nil, fDeleted, "deleted"),
		check(f.FromBot != nil, fBot, "bot"),
		check(f.Since != nil || f.Until != nil, fDate, "date"),
	)
}

func validateDistinct(coll, field string) error {
	fields, ok := distinctFields[coll]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, coll)
	}
	for _, f := range fields {
		if f == field {
			return nil
		}
	}
	return fmt.Errorf("%w: distinct %s on %s", ErrUnsupportedFilter, field, coll)
}

func isProfile(coll string) bool {
	return coll == models.CollUsers || coll == models.CollChats
}

func checkProfile(coll string) error {
	if !isProfile(coll) {
		return fmt.Errorf("%w: %s is not a profile collection", ErrUnknownCollection, coll)
	}
	return nil
}

func checkDeletable(coll string) error {
	if coll != models.CollMessages && coll != models.CollService {
		return fmt.Errorf("%w: cannot mark deletions in %s", ErrUnknownCollection, coll)
	}
	return nil
}
