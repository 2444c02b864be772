package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

// CorrelatorStore is what the correlator reads and marks.
type CorrelatorStore interface {
	repository.MessageStore
	repository.EventLog
}

// CorrelateOptions widen what an id-only deletion may match.
type CorrelateOptions struct {
	IncludeBots    bool
	IncludeService bool
}

// Correlation is the outcome for one deletion notice.
type Correlation struct {
	Deletion models.Deletion

	// key of the document marked deleted, when Matched
	Matched bool
	Chat    int64
	Service bool

	// the notice had no chat and the match was picked by id across chats;
	// Candidates is how many documents shared the id
	Heuristic  bool
	Candidates int
}

// LiveChecker reports which of ids still exist on the platform in chat.
type LiveChecker interface {
	Live(ctx context.Context, chat int64, ids []int64) (map[int64]bool, error)
}

// Correlator matches content-free deletion notices to stored documents.
type Correlator struct {
	store CorrelatorStore
	log   *logger.Logger
}

// NewCorrelator creates a correlator over store.
func NewCorrelator(store CorrelatorStore, log *logger.Logger) *Correlator {
	return &Correlator{store: store, log: log}
}

// Correlate records every notice in the deletions log and marks the
// document it refers to.
//
// A notice with a chat marks the canonical message of that chat, or the
// service event with that id when no message matches. A notice without a
// chat is ambiguous: the newest undeleted canonical message with the id in
// any chat is marked, skipping bot messages and service events unless opts
// include them. Such results are flagged Heuristic and may hit the wrong
// chat when ids collide.
func (c *Correlator) Correlate(ctx context.Context, batch []models.Deletion, opts CorrelateOptions) ([]Correlation, error) {
	out := make([]Correlation, 0, len(batch))
	var errs []error
	for _, d := range batch {
		if err := c.store.InsertDeletion(ctx, &d); err != nil {
			errs = append(errs, fmt.Errorf("record deletion %d: %w", d.ID, err))
		}

		var (
			res Correlation
			err error
		)
		if d.Chat != nil {
			res, err = c.known(ctx, d)
		} else {
			res, err = c.guess(ctx, d, opts)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func (c *Correlator) known(ctx context.Context, d models.Deletion) (Correlation, error) {
	res := Correlation{Deletion: d, Chat: *d.Chat}

	ok, err := c.store.MarkDeleted(ctx, models.CollMessages, *d.Chat, d.ID, d.Date)
	if err != nil {
		return res, fmt.Errorf("mark message %d/%d deleted: %w", *d.Chat, d.ID, err)
	}
	if ok {
		res.Matched = true
		return res, nil
	}

	ok, err = c.store.MarkDeleted(ctx, models.CollService, *d.Chat, d.ID, d.Date)
	if err != nil {
		return res, fmt.Errorf("mark service event %d/%d deleted: %w", *d.Chat, d.ID, err)
	}
	res.Matched, res.Service = ok, ok
	return res, nil
}

func (c *Correlator) guess(ctx context.Context, d models.Deletion, opts CorrelateOptions) (Correlation, error) {
	res := Correlation{Deletion: d, Heuristic: true}
	alive := false

	f := repository.Filter{ID: &d.ID, Canonical: true, Deleted: &alive}
	if !opts.IncludeBots {
		human := false
		f.FromBot = &human
	}
	msgs, err := c.store.FindMessages(ctx, repository.Query{Filter: f})
	if err != nil {
		return res, fmt.Errorf("find messages with id %d: %w", d.ID, err)
	}
	res.Candidates = len(msgs)

	var svc []models.ServiceEvent
	if opts.IncludeService {
		svc, err = c.store.FindServiceEvents(ctx, repository.Query{
			Filter: repository.Filter{ID: &d.ID, Deleted: &alive},
		})
		if err != nil {
			return res, fmt.Errorf("find service events with id %d: %w", d.ID, err)
		}
		res.Candidates += len(svc)
	}

	// both lists are newest first; take the newer head
	coll := ""
	switch {
	case len(msgs) > 0 && (len(svc) == 0 || !svc[0].Date.After(msgs[0].Date)):
		coll, res.Chat = models.CollMessages, msgs[0].Chat
	case len(svc) > 0:
		coll, res.Chat, res.Service = models.CollService, svc[0].Chat, true
	default:
		return res, nil
	}

	ok, err := c.store.MarkDeleted(ctx, coll, res.Chat, d.ID, d.Date)
	if err != nil {
		return res, fmt.Errorf("mark %s %d/%d deleted: %w", coll, res.Chat, d.ID, err)
	}
	res.Matched = ok
	if res.Candidates > 1 {
		c.log.Debug().
			Int64("message_id", d.ID).
			Int64("chat_id", res.Chat).
			Int("candidates", res.Candidates).
			Msg("ambiguous deletion matched newest candidate")
	}
	return res, nil
}

// PeekOptions select recently deleted documents.
type PeekOptions struct {
	Chat           *int64
	Limit          int
	Offset         int
	IncludeBots    bool
	IncludeService bool
}

// Peeked holds deleted documents, newest first.
type Peeked struct {
	Messages []models.Message      `json:"messages"`
	Service  []models.ServiceEvent `json:"service,omitempty"`
}

// PeekDeleted returns canonical messages marked deleted, newest first,
// skipping the newest Offset. Service events are listed separately when
// requested, with the same paging.
func (c *Correlator) PeekDeleted(ctx context.Context, opts PeekOptions) (*Peeked, error) {
	deleted := true
	f := repository.Filter{Chat: opts.Chat, Canonical: true, Deleted: &deleted}
	if !opts.IncludeBots {
		human := false
		f.FromBot = &human
	}

	msgs, err := c.store.FindMessages(ctx, repository.Query{Filter: f, Limit: opts.Limit, Offset: opts.Offset})
	if err != nil {
		return nil, fmt.Errorf("find deleted messages: %w", err)
	}
	out := &Peeked{Messages: msgs}

	if opts.IncludeService {
		svc, err := c.store.FindServiceEvents(ctx, repository.Query{
			Filter: repository.Filter{Chat: opts.Chat, Deleted: &deleted},
			Limit:  opts.Limit,
			Offset: opts.Offset,
		})
		if err != nil {
			return nil, fmt.Errorf("find deleted service events: %w", err)
		}
		out.Service = svc
	}
	return out, nil
}

// messages read per live check in PeekBefore
const peekPage = 100

// ErrAnchorNotFound is returned by PeekBefore when the anchor message was
// never stored.
var ErrAnchorNotFound = errors.New("anchor message not found")

// PeekBefore is the fallback for accounts that receive no deletion notices.
// It lists canonical messages of chat stored before the anchor message,
// newest first, that live no longer reports as existing. A nil live lists
// them all. Nothing is marked.
func (c *Correlator) PeekBefore(ctx context.Context, chat, anchor int64, limit, offset int, live LiveChecker) ([]models.Message, error) {
	found, err := c.store.FindMessages(ctx, repository.Query{
		Filter: repository.Filter{Chat: &chat, ID: &anchor, Canonical: true},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("find anchor %d/%d: %w", chat, anchor, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %d/%d", ErrAnchorNotFound, chat, anchor)
	}

	until := found[0].Date
	filter := repository.Filter{Chat: &chat, Canonical: true, Until: &until}
	if live == nil {
		before, err := c.store.FindMessages(ctx, repository.Query{Filter: filter, Limit: limit, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("find messages before %d/%d: %w", chat, anchor, err)
		}
		return before, nil
	}

	// live filtering happens here, so offset and limit count deleted
	// messages only and history is read page by page until they are met
	page := peekPage
	if limit > 0 && limit+offset > page {
		page = limit + offset
	}
	var gone []models.Message
	for skip := 0; limit <= 0 || len(gone) < offset+limit; skip += page {
		batch, err := c.store.FindMessages(ctx, repository.Query{Filter: filter, Limit: page, Offset: skip})
		if err != nil {
			return nil, fmt.Errorf("find messages before %d/%d: %w", chat, anchor, err)
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]int64, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		exists, err := live.Live(ctx, chat, ids)
		if err != nil {
			return nil, fmt.Errorf("check live messages in %d: %w", chat, err)
		}
		for _, m := range batch {
			if !exists[m.ID] {
				gone = append(gone, m)
			}
		}
		if len(batch) < page {
			break
		}
	}

	if offset >= len(gone) {
		return nil, nil
	}
	gone = gone[offset:]
	if limit > 0 && len(gone) > limit {
		gone = gone[:limit]
	}
	return gone, nil
}
