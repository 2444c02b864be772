package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/models"
)

// MemoryStore keeps every collection in process memory. Like the database
// backends it only rejects a second canonical message once the canonical
// unique index has been created.
type MemoryStore struct {
	mu sync.RWMutex

	messages    []models.Message
	service     []models.ServiceEvent
	deletions   []models.Deletion
	memberships []models.Membership
	failures    []models.Failure
	profiles    map[string]map[int64]diff.Document
	indexes     map[string][]IndexSpec
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: map[string]map[int64]diff.Document{
			models.CollUsers: {},
			models.CollChats: {},
		},
		indexes: map[string][]IndexSpec{},
	}
}

// view is the filterable projection of any stored document.
type view struct {
	chat    *int64
	user    *int64
	id      int64
	rank    int
	deleted bool
	bot     bool
	date    time.Time
}

func (v view) match(f Filter) bool {
	if f.Chat != nil && (v.chat == nil || *v.chat != *f.Chat) {
		return false
	}
	if f.User != nil && (v.user == nil || *v.user != *f.User) {
		return false
	}
	if f.ID != nil && v.id != *f.ID {
		return false
	}
	if f.Canonical && v.rank != 0 {
		return false
	}
	if f.Deleted != nil && v.deleted != *f.Deleted {
		return false
	}
	if f.FromBot != nil && v.bot != *f.FromBot {
		return false
	}
	if f.Since != nil && v.date.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !v.date.Before(*f.Until) {
		return false
	}
	return true
}

func messageView(m *models.Message) view {
	chat := m.Chat
	return view{chat: &chat, user: m.User, id: m.ID, rank: m.Rank, deleted: m.Deleted != nil, bot: m.Bot, date: m.Date}
}

func serviceView(s *models.ServiceEvent) view {
	chat := s.Chat
	return view{chat: &chat, user: s.User, id: s.ID, deleted: s.Deleted != nil, date: s.Date}
}

func deletionView(d *models.Deletion) view {
	return view{chat: d.Chat, id: d.ID, date: d.Date}
}

func membershipView(m *models.Membership) view {
	chat, user := m.Chat, m.User
	return view{chat: &chat, user: &user, date: m.Date}
}

func failureView(f *models.Failure) view {
	return view{date: f.Date}
}

// selectIndexes filters and orders n documents by their views, applying
// paging. Ties on date fall back to id.
func selectIndexes(n int, viewOf func(int) view, q Query) []int {
	var idx []int
	for i := 0; i < n; i++ {
		if viewOf(i).match(q.Filter) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := viewOf(idx[a]), viewOf(idx[b])
		if !va.date.Equal(vb.date) {
			if q.Oldest {
				return va.date.Before(vb.date)
			}
			return va.date.After(vb.date)
		}
		if q.Oldest {
			return va.id < vb.id
		}
		return va.id > vb.id
	})
	return page(idx, q.Limit, q.Offset)
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// InsertMessage implements MessageStore.
func (s *MemoryStore) InsertMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Rank == 0 && s.hasCanonicalIndex() {
		for i := range s.messages {
			m := &s.messages[i]
			if m.Chat == msg.Chat && m.ID == msg.ID && m.Rank == 0 {
				return fmt.Errorf("insert message %d/%d: %w", msg.Chat, msg.ID, ErrDuplicateKey)
			}
		}
	}
	s.messages = append(s.messages, cloneMessage(*msg))
	return nil
}

func (s *MemoryStore) hasCanonicalIndex() bool {
	for _, spec := range s.indexes[models.CollMessages] {
		if spec.Unique && spec.CanonicalOnly {
			return true
		}
	}
	return false
}

// FindMessages implements MessageStore.
func (s *MemoryStore) FindMessages(_ context.Context, q Query) ([]models.Message, error) {
	if err := q.Validate(models.CollMessages); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := selectIndexes(len(s.messages), func(i int) view { return messageView(&s.messages[i]) }, q)
	out := make([]models.Message, 0, len(idx))
	for _, i := range idx {
		out = append(out, cloneMessage(s.messages[i]))
	}
	return out, nil
}

// PromoteMessage implements MessageStore.
func (s *MemoryStore) PromoteMessage(_ context.Context, chat, id int64, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		m := &s.messages[i]
		if m.Chat == chat && m.ID == id && m.Rank == 0 {
			m.Rank = rank
		}
	}
	return nil
}

// RestoreMessage implements MessageStore.
func (s *MemoryStore) RestoreMessage(_ context.Context, chat, id int64, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := -1
	for i := range s.messages {
		m := &s.messages[i]
		if m.Chat != chat || m.ID != id {
			continue
		}
		if m.Rank == 0 && s.hasCanonicalIndex() {
			return fmt.Errorf("restore message %d/%d: %w", chat, id, ErrDuplicateKey)
		}
		if m.Rank == rank {
			at = i
		}
	}
	if at >= 0 {
		s.messages[at].Rank = 0
	}
	return nil
}

// AppendEdit implements MessageStore.
func (s *MemoryStore) AppendEdit(_ context.Context, chat, id int64, text string, at time.Time) (EditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res EditResult
	for i := range s.messages {
		m := &s.messages[i]
		if m.Chat != chat || m.ID != id || m.Rank != 0 {
			continue
		}
		res.Matched = true
		if m.Text == text {
			continue
		}
		since := m.Date
		if m.Edited != nil {
			since = *m.Edited
		}
		m.Edits = append(m.Edits, models.Edit{Date: since, Text: m.Text})
		m.Text = text
		edited := at
		m.Edited = &edited
		res.Modified = true
	}
	return res, nil
}

// MarkDeleted implements MessageStore.
func (s *MemoryStore) MarkDeleted(_ context.Context, coll string, chat, id int64, at time.Time) (bool, error) {
	if err := checkDeletable(coll); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := at
	marked := false
	if coll == models.CollMessages {
		for i := range s.messages {
			m := &s.messages[i]
			if m.Chat == chat && m.ID == id && m.Rank == 0 && m.Deleted == nil {
				m.Deleted = &stamp
				marked = true
			}
		}
		return marked, nil
	}
	for i := range s.service {
		ev := &s.service[i]
		if ev.Chat == chat && ev.ID == id && ev.Deleted == nil {
			ev.Deleted = &stamp
			marked = true
		}
	}
	return marked, nil
}

// InsertServiceEvent implements EventLog.
func (s *MemoryStore) InsertServiceEvent(_ context.Context, ev *models.ServiceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.Data = diff.Clone(ev.Data)
	s.service = append(s.service, cp)
	return nil
}

// FindServiceEvents implements EventLog.
func (s *MemoryStore) FindServiceEvents(_ context.Context, q Query) ([]models.ServiceEvent, error) {
	if err := q.Validate(models.CollService); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := selectIndexes(len(s.service), func(i int) view { return serviceView(&s.service[i]) }, q)
	out := make([]models.ServiceEvent, 0, len(idx))
	for _, i := range idx {
		cp := s.service[i]
		cp.Data = diff.Clone(cp.Data)
		out = append(out, cp)
	}
	return out, nil
}

// InsertDeletion implements EventLog.
func (s *MemoryStore) InsertDeletion(_ context.Context, d *models.Deletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions = append(s.deletions, *d)
	return nil
}

// FindDeletions implements EventLog.
func (s *MemoryStore) FindDeletions(_ context.Context, q Query) ([]models.Deletion, error) {
	if err := q.Validate(models.CollDeletions); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := selectIndexes(len(s.deletions), func(i int) view { return deletionView(&s.deletions[i]) }, q)
	out := make([]models.Deletion, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.deletions[i])
	}
	return out, nil
}

// InsertMembership implements EventLog.
func (s *MemoryStore) InsertMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, *m)
	return nil
}

// FindMemberships implements EventLog.
func (s *MemoryStore) FindMemberships(_ context.Context, q Query) ([]models.Membership, error) {
	if err := q.Validate(models.CollMemberships); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := selectIndexes(len(s.memberships), func(i int) view { return membershipView(&s.memberships[i]) }, q)
	out := make([]models.Membership, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.memberships[i])
	}
	return out, nil
}

// GetProfile implements ProfileStore.
func (s *MemoryStore) GetProfile(_ context.Context, coll string, id int64) (diff.Document, error) {
	if err := checkProfile(coll); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return diff.Clone(s.profiles[coll][id]), nil
}

// CreateProfile implements ProfileStore.
func (s *MemoryStore) CreateProfile(_ context.Context, coll string, id int64, doc diff.Document) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[coll][id]; ok {
		return fmt.Errorf("create %s %d: %w", coll, id, ErrDuplicateKey)
	}
	cp := diff.Clone(doc)
	cp[models.FieldID] = id
	s.profiles[coll][id] = cp
	return nil
}

// PatchProfile implements ProfileStore.
func (s *MemoryStore) PatchProfile(_ context.Context, coll string, id int64, sets []diff.Set) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.profiles[coll][id]
	if !ok {
		return nil
	}
	for _, set := range sets {
		parent := ensurePath(doc, set.Path[:len(set.Path)-1])
		parent[set.Path[len(set.Path)-1]] = diff.CloneValue(set.Value)
	}
	return nil
}

// IncrementCounter implements ProfileStore.
func (s *MemoryStore) IncrementCounter(_ context.Context, coll string, id int64, path []string, delta int64) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	if len(path) == 0 {
		return fmt.Errorf("increment %s %d: empty path", coll, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.profiles[coll][id]
	if !ok {
		doc = diff.Document{models.FieldID: id}
		s.profiles[coll][id] = doc
	}
	parent := ensurePath(doc, path[:len(path)-1])
	leaf := path[len(path)-1]
	current, _ := toInt64(parent[leaf])
	parent[leaf] = current + delta
	return nil
}

func ensurePath(doc map[string]any, path []string) map[string]any {
	cur := doc
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	return cur
}

// InsertFailure implements FailureStore.
func (s *MemoryStore) InsertFailure(_ context.Context, f *models.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, *f)
	return nil
}

// FindFailures implements FailureStore.
func (s *MemoryStore) FindFailures(_ context.Context, q Query) ([]models.Failure, error) {
	if err := q.Validate(models.CollFailures); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := selectIndexes(len(s.failures), func(i int) view { return failureView(&s.failures[i]) }, q)
	out := make([]models.Failure, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.failures[i])
	}
	return out, nil
}

// views returns the filterable projection of every document in coll.
// Callers hold the read lock.
func (s *MemoryStore) views(coll string) []view {
	var out []view
	switch coll {
	case models.CollMessages:
		for i := range s.messages {
			out = append(out, messageView(&s.messages[i]))
		}
	case models.CollService:
		for i := range s.service {
			out = append(out, serviceView(&s.service[i]))
		}
	case models.CollDeletions:
		for i := range s.deletions {
			out = append(out, deletionView(&s.deletions[i]))
		}
	case models.CollMemberships:
		for i := range s.memberships {
			out = append(out, membershipView(&s.memberships[i]))
		}
	case models.CollFailures:
		for i := range s.failures {
			out = append(out, failureView(&s.failures[i]))
		}
	case models.CollUsers, models.CollChats:
		for id := range s.profiles[coll] {
			out = append(out, view{id: id})
		}
	}
	return out
}

// Count implements QueryStore.
func (s *MemoryStore) Count(_ context.Context, coll string, f Filter) (int64, error) {
	if err := f.Validate(coll); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, v := range s.views(coll) {
		if v.match(f) {
			n++
		}
	}
	return n, nil
}

// Distinct implements QueryStore.
func (s *MemoryStore) Distinct(_ context.Context, coll, field string, f Filter) ([]int64, error) {
	if err := f.Validate(coll); err != nil {
		return nil, err
	}
	if err := validateDistinct(coll, field); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[int64]bool{}
	out := []int64{}
	for _, v := range s.views(coll) {
		if !v.match(f) {
			continue
		}
		var val *int64
		switch field {
		case "chat":
			val = v.chat
		case "user":
			val = v.user
		case "id":
			id := v.id
			val = &id
		}
		if val != nil && !seen[*val] {
			seen[*val] = true
			out = append(out, *val)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Indexes implements IndexStore.
func (s *MemoryStore) Indexes(_ context.Context, coll string) ([]IndexSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]IndexSpec(nil), s.indexes[coll]...), nil
}

// CreateIndex implements IndexStore.
func (s *MemoryStore) CreateIndex(_ context.Context, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.indexes[spec.Collection] {
		if existing.Name == spec.Name {
			return nil
		}
	}
	s.indexes[spec.Collection] = append(s.indexes[spec.Collection], spec)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func cloneMessage(m models.Message) models.Message {
	m.Edits = append([]models.Edit(nil), m.Edits...)
	return m
}
