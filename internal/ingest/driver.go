package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/extract"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
)

// Config toggles what live hooks ingest.
type Config struct {
	// messages, edits and deletions
	LogMessages bool
	// service events, member updates and presence
	LogService bool
	// download attachments through the MediaFetcher
	LogMedia bool
}

// MediaFetcher downloads the attachment of m and returns where it was saved.
type MediaFetcher interface {
	Fetch(ctx context.Context, m *events.Message) (string, error)
}

// Notification describes one ingested event for live subscribers.
type Notification struct {
	Kind      events.Kind `json:"kind"`
	Chat      *int64      `json:"chat,omitempty"`
	ID        *int64      `json:"id,omitempty"`
	User      *int64      `json:"user,omitempty"`
	Date      time.Time   `json:"date"`
	Heuristic bool        `json:"heuristic,omitempty"`
	Document  any         `json:"document,omitempty"`
}

// Notifier receives a Notification after each successful write. It must
// not block and reports its own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, n Notification) {
	for _, x := range ns {
		x.Notify(ctx, n)
	}
}

// HookObserver is told how long each hook took.
type HookObserver interface {
	ObserveHook(kind string, d time.Duration)
}

// Driver is the ingestion entry point. Live hooks never return errors:
// failures go to the sink and the next event proceeds.
type Driver struct {
	cfg        Config
	store      repository.Store
	writer     *Writer
	aggregates *Aggregates
	correlator *Correlator
	sink       *Sink
	counters   *Counters
	log        *logger.Logger

	media    MediaFetcher
	notifier Notifier
	observer HookObserver
	now      func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithMediaFetcher sets the attachment downloader used when LogMedia is on.
func WithMediaFetcher(f MediaFetcher) Option {
	return func(d *Driver) { d.media = f }
}

// WithNotifier sets the live notification target.
func WithNotifier(n Notifier) Option {
	return func(d *Driver) { d.notifier = n }
}

// WithHookObserver sets the hook timing observer.
func WithHookObserver(o HookObserver) Option {
	return func(d *Driver) { d.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// NewDriver wires the ingestion components over store.
func NewDriver(store repository.Store, sink *Sink, counters *Counters, cfg Config, log *logger.Logger, opts ...Option) *Driver {
	d := &Driver{
		cfg:        cfg,
		store:      store,
		writer:     NewWriter(store, log),
		aggregates: NewAggregates(store, counters, log),
		correlator: NewCorrelator(store, log),
		sink:       sink,
		counters:   counters,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Counters returns the session counters.
func (d *Driver) Counters() *Counters { return d.counters }

// Correlator returns the deletion correlator for query use.
func (d *Driver) Correlator() *Correlator { return d.correlator }

// Sink returns the error sink.
func (d *Driver) Sink() *Sink { return d.sink }

// Handle is the live hook for any event. Events disabled by Config are
// skipped.
func (d *Driver) Handle(ctx context.Context, ev events.Event) {
	if ev == nil {
		d.sink.Record(ctx, "unknown", nil, errors.New("nil event"))
		return
	}
	if !d.enabled(ev.Kind()) {
		return
	}
	start := time.Now()
	if err := d.Ingest(ctx, ev, false); err != nil {
		d.sink.Record(ctx, string(ev.Kind()), ev, err)
	}
	if d.observer != nil {
		d.observer.ObserveHook(string(ev.Kind()), time.Since(start))
	}
}

// OnMessage is the live hook for new messages.
func (d *Driver) OnMessage(ctx context.Context, m *events.Message) { d.Handle(ctx, m) }

// OnEdit is the live hook for edits.
func (d *Driver) OnEdit(ctx context.Context, e *events.Edit) { d.Handle(ctx, e) }

// OnDeletion is the live hook for deletion batches.
func (d *Driver) OnDeletion(ctx context.Context, b *events.DeletionBatch) { d.Handle(ctx, b) }

// OnMemberUpdate is the live hook for participant changes.
func (d *Driver) OnMemberUpdate(ctx context.Context, u *events.MemberUpdate) { d.Handle(ctx, u) }

// OnService is the live hook for service messages.
func (d *Driver) OnService(ctx context.Context, s *events.ServiceEvent) { d.Handle(ctx, s) }

// OnPresence is the live hook for status updates.
func (d *Driver) OnPresence(ctx context.Context, p *events.PresenceUpdate) { d.Handle(ctx, p) }

func (d *Driver) enabled(k events.Kind) bool {
	switch k {
	case events.KindMessage, events.KindEdit, events.KindDeletion:
		return d.cfg.LogMessages
	default:
		return d.cfg.LogService
	}
}

// Ingest runs ev through extraction and storage and returns the first error
// that lost the event. Panics are recovered into a *PanicError. Secondary
// failures (profiles, counters) go to the sink without failing the event.
func (d *Driver) Ingest(ctx context.Context, ev events.Event, ignoreDuplicates bool) (err error) {
	defer func() {
		if p := recovered(recover()); p != nil {
			err = p
		}
	}()

	switch e := ev.(type) {
	case *events.Message:
		return d.ingestMessage(ctx, e, ignoreDuplicates)
	case *events.Edit:
		return d.ingestEdit(ctx, e)
	case *events.DeletionBatch:
		return d.ingestDeletions(ctx, e)
	case *events.MemberUpdate:
		return d.ingestMember(ctx, e)
	case *events.ServiceEvent:
		return d.ingestService(ctx, e)
	case *events.PresenceUpdate:
		return d.ingestPresence(ctx, e)
	case nil:
		return errors.New("nil event")
	default:
		return fmt.Errorf("%w: %T", events.ErrUnknownKind, ev)
	}
}

func (d *Driver) ingestMessage(ctx context.Context, m *events.Message, ignoreDuplicates bool) error {
	msg, err := extract.Message(m)
	if err != nil {
		return fmt.Errorf("extract message: %w", err)
	}
	if d.cfg.LogMedia && d.media != nil && msg.Media != nil {
		path, err := d.media.Fetch(ctx, m)
		if err != nil {
			d.log.Warn().Err(err).Int64("chat_id", msg.Chat).Int64("message_id", msg.ID).Msg("failed to download media")
		} else {
			msg.Media.Path = path
		}
	}

	res, err := d.writer.Write(ctx, msg, ignoreDuplicates)
	if err != nil {
		return err
	}

	d.upsertParticipants(ctx, m, m.Chat, m.From, m.SenderChat, msg.Date)
	if res.Inserted && !res.Superseded {
		d.countMessage(ctx, m, msg)
	}
	if res.Inserted {
		d.counters.Inc(CounterMessages)
		d.notify(ctx, Notification{Kind: events.KindMessage, Chat: &msg.Chat, ID: &msg.ID, User: msg.User, Date: msg.Date, Document: msg})
	}
	return nil
}

func (d *Driver) ingestEdit(ctx context.Context, e *events.Edit) error {
	msg, at, err := extract.Edit(e)
	if err != nil {
		return fmt.Errorf("extract edit: %w", err)
	}

	res, err := d.store.AppendEdit(ctx, msg.Chat, msg.ID, msg.Text, at)
	if err != nil {
		return fmt.Errorf("append edit %d/%d: %w", msg.Chat, msg.ID, err)
	}
	inserted := false
	if !res.Matched {
		// the original was never seen; keep the edited state as canonical
		wr, err := d.writer.Write(ctx, msg, true)
		if err != nil {
			return err
		}
		inserted = wr.Inserted
	}

	// profiles first, so counting cannot create them ahead of the upsert
	d.upsertParticipants(ctx, e, e.Chat, e.From, e.SenderChat, time.Time{})
	if inserted {
		d.countMessage(ctx, &e.Message, msg)
	}
	d.counters.Inc(CounterEdits)
	d.notify(ctx, Notification{Kind: events.KindEdit, Chat: &msg.Chat, ID: &msg.ID, User: msg.User, Date: at, Document: msg})
	return nil
}

func (d *Driver) ingestDeletions(ctx context.Context, b *events.DeletionBatch) error {
	batch := extract.Deletions(b, d.now())
	results, err := d.correlator.Correlate(ctx, batch, CorrelateOptions{})
	d.counters.Add(CounterDeletions, int64(len(results)))

	for _, r := range results {
		n := Notification{Kind: events.KindDeletion, ID: &r.Deletion.ID, Date: r.Deletion.Date, Heuristic: r.Heuristic, Document: r}
		if r.Matched {
			chat := r.Chat
			n.Chat = &chat
		}
		d.notify(ctx, n)
	}
	return err
}

func (d *Driver) ingestMember(ctx context.Context, u *events.MemberUpdate) error {
	rec, err := extract.Membership(u, d.now())
	if err != nil {
		return fmt.Errorf("extract member update: %w", err)
	}
	if err := d.store.InsertMembership(ctx, rec); err != nil {
		return fmt.Errorf("insert membership %d/%d: %w", rec.Chat, rec.User, err)
	}

	user := u.User
	d.upsertParticipants(ctx, u, u.Chat, &user, nil, time.Time{})
	if u.Performer != nil && u.Performer.ID != u.User.ID {
		d.upsert(ctx, u, models.CollUsers, u.Performer.ID, extract.User(u.Performer))
	}
	d.counters.Inc(CounterMembers)
	d.notify(ctx, Notification{Kind: events.KindMember, Chat: &rec.Chat, User: &rec.User, Date: rec.Date, Document: rec})
	return nil
}

func (d *Driver) ingestService(ctx context.Context, s *events.ServiceEvent) error {
	ev, members, err := extract.Service(s)
	if err != nil {
		return fmt.Errorf("extract service event: %w", err)
	}
	if err := d.store.InsertServiceEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert service event %d/%d: %w", ev.Chat, ev.ID, err)
	}
	d.counters.Inc(CounterService)

	for i := range members {
		if err := d.store.InsertMembership(ctx, &members[i]); err != nil {
			d.sink.Record(ctx, "membership", s, fmt.Errorf("insert membership %d/%d: %w", members[i].Chat, members[i].User, err))
			continue
		}
		d.counters.Inc(CounterMembers)
	}

	d.upsertParticipants(ctx, s, s.Chat, s.From, s.SenderChat, time.Time{})
	for i := range s.NewMembers {
		u := &s.NewMembers[i]
		d.upsert(ctx, s, models.CollUsers, u.ID, extract.User(u))
	}
	if s.LeftMember != nil {
		d.upsert(ctx, s, models.CollUsers, s.LeftMember.ID, extract.User(s.LeftMember))
	}
	d.notify(ctx, Notification{Kind: events.KindService, Chat: &ev.Chat, ID: &ev.ID, User: ev.User, Date: ev.Date, Document: ev})
	return nil
}

func (d *Driver) ingestPresence(ctx context.Context, p *events.PresenceUpdate) error {
	doc := extract.Presence(p)
	if p.User.FirstName != "" || p.User.Username != "" {
		doc = diff.Apply(extract.User(&p.User), doc)
	}
	if _, err := d.aggregates.Upsert(ctx, models.CollUsers, p.User.ID, doc); err != nil {
		return err
	}
	d.counters.Inc(CounterPresence)

	id := p.User.ID
	d.notify(ctx, Notification{Kind: events.KindPresence, User: &id, Date: extract.TimeOr(p.Date, d.now()), Document: doc})
	return nil
}

// upsertParticipants refreshes the profiles an event mentions. A non-zero
// seen is stored as the user's last_seen.
func (d *Driver) upsertParticipants(ctx context.Context, raw events.Event, chat *events.Chat, from *events.User, senderChat *events.Chat, seen time.Time) {
	if from != nil {
		doc := extract.User(from)
		if !seen.IsZero() {
			doc[models.FieldLastSeen] = seen
		}
		d.upsert(ctx, raw, models.CollUsers, from.ID, doc)
	}
	if chat != nil {
		d.upsert(ctx, raw, models.CollChats, chat.ID, extract.Chat(chat))
	}
	if senderChat != nil && (chat == nil || senderChat.ID != chat.ID) {
		d.upsert(ctx, raw, models.CollChats, senderChat.ID, extract.Chat(senderChat))
	}
}

func (d *Driver) upsert(ctx context.Context, raw events.Event, coll string, id int64, doc diff.Document) {
	if _, err := d.aggregates.Upsert(ctx, coll, id, doc); err != nil {
		d.sink.Record(ctx, "profile", raw, err)
	}
}

func (d *Driver) countMessage(ctx context.Context, raw events.Event, msg *models.Message) {
	m, _ := raw.(*events.Message)
	fromUser := m != nil && m.From != nil
	if err := d.aggregates.CountMessage(ctx, msg, fromUser); err != nil {
		d.sink.Record(ctx, "aggregate", raw, err)
	}
}

func (d *Driver) notify(ctx context.Context, n Notification) {
	if d.notifier != nil {
		d.notifier.Notify(ctx, n)
	}
}
