package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/models"
)

// MongoStore maps each logical collection to a MongoDB collection of the
// same name.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore creates a store over db. The client is owned by the caller.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// mongoFilter renders f as a query document.
func mongoFilter(coll string, f Filter) (bson.D, error) {
	if err := f.Validate(coll); err != nil {
		return nil, err
	}

	out := bson.D{}
	if f.Chat != nil {
		out = append(out, bson.E{Key: "chat", Value: *f.Chat})
	}
	if f.User != nil {
		out = append(out, bson.E{Key: "user", Value: *f.User})
	}
	if f.ID != nil {
		out = append(out, bson.E{Key: "id", Value: *f.ID})
	}
	if f.Canonical {
		out = append(out, bson.E{Key: "rank", Value: 0})
	}
	if f.Deleted != nil {
		if *f.Deleted {
			out = append(out, bson.E{Key: "deleted", Value: bson.D{{Key: "$ne", Value: nil}}})
		} else {
			// matches both a missing field and an explicit null
			out = append(out, bson.E{Key: "deleted", Value: nil})
		}
	}
	if f.FromBot != nil {
		if *f.FromBot {
			out = append(out, bson.E{Key: "bot", Value: true})
		} else {
			out = append(out, bson.E{Key: "bot", Value: bson.D{{Key: "$ne", Value: true}}})
		}
	}
	if f.Since != nil || f.Until != nil {
		rng := bson.D{}
		if f.Since != nil {
			rng = append(rng, bson.E{Key: "$gte", Value: *f.Since})
		}
		if f.Until != nil {
			rng = append(rng, bson.E{Key: "$lt", Value: *f.Until})
		}
		out = append(out, bson.E{Key: "date", Value: rng})
	}
	return out, nil
}

func mongoFind(q Query, tiebreak string) *options.FindOptionsBuilder {
	dir := -1
	if q.Oldest {
		dir = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: dir}, {Key: tiebreak, Value: dir}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	return opts
}

func mapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

func findAll[T any](ctx context.Context, c *mongo.Collection, filter bson.D, opts *options.FindOptionsBuilder) ([]T, error) {
	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.Name(), err)
	}
	var out []T
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.Name(), err)
	}
	return out, nil
}

// InsertMessage implements MessageStore.
func (s *MongoStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if _, err := s.coll(models.CollMessages).InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", mapMongoError(err))
	}
	return nil
}

// FindMessages implements MessageStore.
func (s *MongoStore) FindMessages(ctx context.Context, q Query) ([]models.Message, error) {
	filter, err := mongoFilter(models.CollMessages, q.Filter)
	if err != nil {
		return nil, err
	}
	out, err := findAll[models.Message](ctx, s.coll(models.CollMessages), filter, mongoFind(q, "id"))
	for i := range out {
		utcMessage(&out[i])
	}
	return out, err
}

func utcMessage(m *models.Message) {
	m.Date = m.Date.UTC()
	if m.Edited != nil {
		t := m.Edited.UTC()
		m.Edited = &t
	}
	if m.Deleted != nil {
		t := m.Deleted.UTC()
		m.Deleted = &t
	}
	for i := range m.Edits {
		m.Edits[i].Date = m.Edits[i].Date.UTC()
	}
}

// PromoteMessage implements MessageStore.
func (s *MongoStore) PromoteMessage(ctx context.Context, chat, id int64, rank int) error {
	_, err := s.coll(models.CollMessages).UpdateMany(ctx,
		bson.D{{Key: "chat", Value: chat}, {Key: "id", Value: id}, {Key: "rank", Value: 0}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "rank", Value: rank}}}},
	)
	if err != nil {
		return fmt.Errorf("promote message: %w", mapMongoError(err))
	}
	return nil
}

// RestoreMessage implements MessageStore.
func (s *MongoStore) RestoreMessage(ctx context.Context, chat, id int64, rank int) error {
	_, err := s.coll(models.CollMessages).UpdateOne(ctx,
		bson.D{{Key: "chat", Value: chat}, {Key: "id", Value: id}, {Key: "rank", Value: rank}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "rank", Value: 0}}}},
	)
	if err != nil {
		return fmt.Errorf("restore message: %w", mapMongoError(err))
	}
	return nil
}

// AppendEdit implements MessageStore with an update pipeline so the prior
// text is read and appended in one server-side step.
func (s *MongoStore) AppendEdit(ctx context.Context, chat, id int64, text string, at time.Time) (EditResult, error) {
	key := bson.D{{Key: "chat", Value: chat}, {Key: "id", Value: id}, {Key: "rank", Value: 0}}
	filter := append(bson.D{}, key...)
	// a missing text compares as empty, as on the other backends
	filter = append(filter, bson.E{Key: "$expr", Value: bson.D{{Key: "$ne", Value: bson.A{
		bson.D{{Key: "$ifNull", Value: bson.A{"$text", ""}}},
		bson.D{{Key: "$literal", Value: text}},
	}}}})

	prior := bson.D{
		{Key: "date", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$edited", "$date"}}}},
		{Key: "text", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$text", ""}}}},
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "edits", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$edits", bson.A{}}}},
				bson.A{prior},
			}}}},
			{Key: "text", Value: bson.D{{Key: "$literal", Value: text}}},
			{Key: "edited", Value: at},
		}}},
	}

	res, err := s.coll(models.CollMessages).UpdateOne(ctx, filter, pipeline)
	if err != nil {
		return EditResult{}, fmt.Errorf("append edit: %w", err)
	}
	if res.ModifiedCount > 0 {
		return EditResult{Matched: true, Modified: true}, nil
	}

	n, err := s.coll(models.CollMessages).CountDocuments(ctx, key)
	if err != nil {
		return EditResult{}, fmt.Errorf("check edited message: %w", err)
	}
	return EditResult{Matched: n > 0}, nil
}

// MarkDeleted implements MessageStore.
func (s *MongoStore) MarkDeleted(ctx context.Context, coll string, chat, id int64, at time.Time) (bool, error) {
	if err := checkDeletable(coll); err != nil {
		return false, err
	}
	filter := bson.D{{Key: "chat", Value: chat}, {Key: "id", Value: id}, {Key: "deleted", Value: nil}}
	if coll == models.CollMessages {
		filter = append(filter, bson.E{Key: "rank", Value: 0})
	}
	res, err := s.coll(coll).UpdateMany(ctx, filter,
		bson.D{{Key: "$set", Value: bson.D{{Key: "deleted", Value: at}}}})
	if err != nil {
		return false, fmt.Errorf("mark deleted: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// InsertServiceEvent implements EventLog.
func (s *MongoStore) InsertServiceEvent(ctx context.Context, ev *models.ServiceEvent) error {
	if _, err := s.coll(models.CollService).InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("insert service event: %w", mapMongoError(err))
	}
	return nil
}

// FindServiceEvents implements EventLog.
func (s *MongoStore) FindServiceEvents(ctx context.Context, q Query) ([]models.ServiceEvent, error) {
	filter, err := mongoFilter(models.CollService, q.Filter)
	if err != nil {
		return nil, err
	}
	out, err := findAll[models.ServiceEvent](ctx, s.coll(models.CollService), filter, mongoFind(q, "id"))
	for i := range out {
		out[i].Date = out[i].Date.UTC()
		if out[i].Data != nil {
			out[i].Data = normalize(out[i].Data).(map[string]any)
		}
	}
	return out, err
}

// InsertDeletion implements EventLog.
func (s *MongoStore) InsertDeletion(ctx context.Context, d *models.Deletion) error {
	if _, err := s.coll(models.CollDeletions).InsertOne(ctx, d); err != nil {
		return fmt.Errorf("insert deletion: %w", err)
	}
	return nil
}

// FindDeletions implements EventLog.
func (s *MongoStore) FindDeletions(ctx context.Context, q Query) ([]models.Deletion, error) {
	filter, err := mongoFilter(models.CollDeletions, q.Filter)
	if err != nil {
		return nil, err
	}
	out, err := findAll[models.Deletion](ctx, s.coll(models.CollDeletions), filter, mongoFind(q, "_id"))
	for i := range out {
		out[i].Date = out[i].Date.UTC()
	}
	return out, err
}

// InsertMembership implements EventLog.
func (s *MongoStore) InsertMembership(ctx context.Context, m *models.Membership) error {
	if _, err := s.coll(models.CollMemberships).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// FindMemberships implements EventLog.
func (s *MongoStore) FindMemberships(ctx context.Context, q Query) ([]models.Membership, error) {
	filter, err := mongoFilter(models.CollMemberships, q.Filter)
	if err != nil {
		return nil, err
	}
	out, err := findAll[models.Membership](ctx, s.coll(models.CollMemberships), filter, mongoFind(q, "_id"))
	for i := range out {
		out[i].Date = out[i].Date.UTC()
	}
	return out, err
}

// GetProfile implements ProfileStore.
func (s *MongoStore) GetProfile(ctx context.Context, coll string, id int64) (diff.Document, error) {
	if err := checkProfile(coll); err != nil {
		return nil, err
	}
	var raw bson.M
	err := s.coll(coll).FindOne(ctx, bson.D{{Key: models.FieldID, Value: id}}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", coll, id, err)
	}
	delete(raw, "_id")
	return normalize(raw).(map[string]any), nil
}

// CreateProfile implements ProfileStore.
func (s *MongoStore) CreateProfile(ctx context.Context, coll string, id int64, doc diff.Document) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	body := diff.Clone(doc)
	if body == nil {
		body = diff.Document{}
	}
	body[models.FieldID] = id
	if _, err := s.coll(coll).InsertOne(ctx, body); err != nil {
		return fmt.Errorf("create %s %d: %w", coll, id, mapMongoError(err))
	}
	return nil
}

// PatchProfile implements ProfileStore.
func (s *MongoStore) PatchProfile(ctx context.Context, coll string, id int64, sets []diff.Set) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	update := bson.D{}
	for _, set := range sets {
		update = append(update, bson.E{Key: dotted(set.Path), Value: set.Value})
	}
	_, err := s.coll(coll).UpdateOne(ctx,
		bson.D{{Key: models.FieldID, Value: id}},
		bson.D{{Key: "$set", Value: update}})
	if err != nil {
		return fmt.Errorf("patch %s %d: %w", coll, id, err)
	}
	return nil
}

// IncrementCounter implements ProfileStore.
func (s *MongoStore) IncrementCounter(ctx context.Context, coll string, id int64, path []string, delta int64) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	if len(path) == 0 {
		return fmt.Errorf("increment %s %d: empty path", coll, id)
	}
	_, err := s.coll(coll).UpdateOne(ctx,
		bson.D{{Key: models.FieldID, Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: dotted(path), Value: delta}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("increment %s %d %s: %w", coll, id, dotted(path), mapMongoError(err))
	}
	return nil
}

// InsertFailure implements FailureStore.
func (s *MongoStore) InsertFailure(ctx context.Context, f *models.Failure) error {
	if _, err := s.coll(models.CollFailures).InsertOne(ctx, f); err != nil {
		return fmt.Errorf("insert failure: %w", mapMongoError(err))
	}
	return nil
}

// FindFailures implements FailureStore.
func (s *MongoStore) FindFailures(ctx context.Context, q Query) ([]models.Failure, error) {
	filter, err := mongoFilter(models.CollFailures, q.Filter)
	if err != nil {
		return nil, err
	}
	out, err := findAll[models.Failure](ctx, s.coll(models.CollFailures), filter, mongoFind(q, "_id"))
	for i := range out {
		out[i].Date = out[i].Date.UTC()
	}
	return out, err
}

// Count implements QueryStore.
func (s *MongoStore) Count(ctx context.Context, coll string, f Filter) (int64, error) {
	filter, err := mongoFilter(coll, f)
	if err != nil {
		return 0, err
	}
	n, err := s.coll(coll).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

// Distinct implements QueryStore.
func (s *MongoStore) Distinct(ctx context.Context, coll, field string, f Filter) ([]int64, error) {
	if err := validateDistinct(coll, field); err != nil {
		return nil, err
	}
	filter, err := mongoFilter(coll, f)
	if err != nil {
		return nil, err
	}

	var raw []any
	if err := s.coll(coll).Distinct(ctx, field, filter).Decode(&raw); err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", coll, field, err)
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		if n, ok := toInt64(normalize(v)); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

type mongoIndex struct {
	Name    string `bson:"name"`
	Key     bson.D `bson:"key"`
	Unique  bool   `bson:"unique"`
	Partial bson.D `bson:"partialFilterExpression"`
}

// Indexes implements IndexStore.
func (s *MongoStore) Indexes(ctx context.Context, coll string) ([]IndexSpec, error) {
	cur, err := s.coll(coll).Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes on %s: %w", coll, err)
	}
	var raw []mongoIndex
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode indexes on %s: %w", coll, err)
	}

	out := make([]IndexSpec, 0, len(raw))
	for _, idx := range raw {
		spec := IndexSpec{
			Collection:    coll,
			Name:          idx.Name,
			Unique:        idx.Unique,
			CanonicalOnly: len(idx.Partial) > 0,
		}
		for _, k := range idx.Key {
			dir, _ := toInt64(normalize(k.Value))
			spec.Keys = append(spec.Keys, IndexKey{Field: k.Key, Desc: dir < 0})
		}
		out = append(out, spec)
	}
	return out, nil
}

// CreateIndex implements IndexStore.
func (s *MongoStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	keys := bson.D{}
	for _, k := range spec.Keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}

	opts := options.Index().SetName(spec.Name)
	if spec.Unique {
		opts.SetUnique(true)
	}
	if spec.CanonicalOnly {
		opts.SetPartialFilterExpression(bson.D{{Key: "rank", Value: 0}})
	}

	_, err := s.coll(spec.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts})
	if err != nil {
		return fmt.Errorf("create index %s: %w", spec.Name, err)
	}
	return nil
}

// Close implements Store. The client is owned by the caller.
func (s *MongoStore) Close(context.Context) error {
	return nil
}
