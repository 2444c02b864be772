package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockedby/chatlog/internal/models"
)

// PostgresStore keeps each collection in a table with the filterable keys as
// columns and the full document as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an open pool. Tables come from the
// embedded migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// logical field -> column, per table
var pgColumns = map[string]map[string]string{
	models.CollMessages: {
		"chat": "chat", "id": "id", "user": "user_id", "rank": "rank",
		"date": "date", "deleted": "deleted_at", "bot": "bot",
	},
	models.CollService: {
		"chat": "chat", "id": "id", "user": "user_id", "date": "date", "deleted": "deleted_at",
	},
	models.CollDeletions:   {"chat": "chat", "id": "id", "date": "date"},
	models.CollMemberships: {"chat": "chat", "user": "user_id", "date": "date"},
	models.CollUsers:       {"id": "id"},
	models.CollChats:       {"id": "id"},
	models.CollFailures:    {"date": "date"},
}

func pgColumn(coll, field string) (string, error) {
	col, ok := pgColumns[coll][field]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedFilter, field, coll)
	}
	return col, nil
}

// pgWhere renders f as a WHERE clause. args carries earlier placeholders.
func pgWhere(coll string, f Filter, args []any) (string, []any, error) {
	if err := f.Validate(coll); err != nil {
		return "", nil, err
	}

	var conds []string
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Chat != nil {
		add("chat = $%d", *f.Chat)
	}
	if f.User != nil {
		add("user_id = $%d", *f.User)
	}
	if f.ID != nil {
		add("id = $%d", *f.ID)
	}
	if f.Canonical {
		conds = append(conds, "rank = 0")
	}
	if f.Deleted != nil {
		if *f.Deleted {
			conds = append(conds, "deleted_at IS NOT NULL")
		} else {
			conds = append(conds, "deleted_at IS NULL")
		}
	}
	if f.FromBot != nil {
		add("bot = $%d", *f.FromBot)
	}
	if f.Since != nil {
		add("date >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("date < $%d", *f.Until)
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// pgOrder renders ORDER BY plus paging.
func pgOrder(q Query, tiebreak string, args []any) (string, []any) {
	dir := "DESC"
	if q.Oldest {
		dir = "ASC"
	}
	sql := fmt.Sprintf(" ORDER BY date %s, %s %s", dir, tiebreak, dir)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return sql, args
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

func jsonTime(t time.Time) string {
	b, _ := json.Marshal(t.UTC())
	return string(b)
}

// InsertMessage implements MessageStore.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	query := `
		INSERT INTO messages (chat, id, rank, user_id, date, bot, deleted_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.pool.Exec(ctx, query,
		msg.Chat, msg.ID, msg.Rank, msg.User, msg.Date, msg.Bot, msg.Deleted, doc,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapPgError(err))
	}
	return nil
}

// FindMessages implements MessageStore.
func (s *PostgresStore) FindMessages(ctx context.Context, q Query) ([]models.Message, error) {
	where, args, err := pgWhere(models.CollMessages, q.Filter, nil)
	if err != nil {
		return nil, err
	}
	order, args := pgOrder(q, "id", args)

	rows, err := s.pool.Query(ctx, "SELECT rank, deleted_at, doc FROM messages"+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m       models.Message
			rank    int
			deleted *time.Time
			doc     []byte
		)
		if err := rows.Scan(&rank, &deleted, &doc); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		// columns are authoritative for fields updated in place
		m.Rank = rank
		m.Deleted = deleted
		out = append(out, m)
	}
	return out, rows.Err()
}

// PromoteMessage implements MessageStore.
func (s *PostgresStore) PromoteMessage(ctx context.Context, chat, id int64, rank int) error {
	query := `
		UPDATE messages
		SET rank = $3, doc = jsonb_set(doc, '{rank}', to_jsonb($3::int))
		WHERE chat = $1 AND id = $2 AND rank = 0
	`
	if _, err := s.pool.Exec(ctx, query, chat, id, rank); err != nil {
		return fmt.Errorf("promote message: %w", mapPgError(err))
	}
	return nil
}

// RestoreMessage implements MessageStore.
func (s *PostgresStore) RestoreMessage(ctx context.Context, chat, id int64, rank int) error {
	query := `
		UPDATE messages
		SET rank = 0, doc = jsonb_set(doc, '{rank}', '0'::jsonb)
		WHERE chat = $1 AND id = $2 AND rank = $3
	`
	if _, err := s.pool.Exec(ctx, query, chat, id, rank); err != nil {
		return fmt.Errorf("restore message: %w", mapPgError(err))
	}
	return nil
}

// AppendEdit implements MessageStore.
func (s *PostgresStore) AppendEdit(ctx context.Context, chat, id int64, text string, at time.Time) (EditResult, error) {
	query := `
		UPDATE messages
		SET doc = jsonb_set(jsonb_set(jsonb_set(doc,
			'{edits}', COALESCE(doc->'edits', '[]'::jsonb) || jsonb_build_array(jsonb_build_object(
				'date', COALESCE(doc->'edited', doc->'date'),
				'text', COALESCE(doc->>'text', '')))),
			'{text}', to_jsonb($3::text)),
			'{edited}', $4::jsonb)
		WHERE chat = $1 AND id = $2 AND rank = 0 AND COALESCE(doc->>'text', '') <> $3
	`
	tag, err := s.pool.Exec(ctx, query, chat, id, text, jsonTime(at))
	if err != nil {
		return EditResult{}, fmt.Errorf("append edit: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return EditResult{Matched: true, Modified: true}, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE chat = $1 AND id = $2 AND rank = 0)",
		chat, id,
	).Scan(&exists)
	if err != nil {
		return EditResult{}, fmt.Errorf("check edited message: %w", err)
	}
	return EditResult{Matched: exists}, nil
}

// MarkDeleted implements MessageStore.
func (s *PostgresStore) MarkDeleted(ctx context.Context, coll string, chat, id int64, at time.Time) (bool, error) {
	if err := checkDeletable(coll); err != nil {
		return false, err
	}
	canonical := ""
	if coll == models.CollMessages {
		canonical = " AND rank = 0"
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted_at = $3, doc = jsonb_set(doc, '{deleted}', $4::jsonb)
		WHERE chat = $1 AND id = $2 AND deleted_at IS NULL%s
	`, coll, canonical)

	tag, err := s.pool.Exec(ctx, query, chat, id, at, jsonTime(at))
	if err != nil {
		return false, fmt.Errorf("mark deleted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertServiceEvent implements EventLog.
func (s *PostgresStore) InsertServiceEvent(ctx context.Context, ev *models.ServiceEvent) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal service event: %w", err)
	}
	query := `
		INSERT INTO service_events (chat, id, user_id, date, action, deleted_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.pool.Exec(ctx, query, ev.Chat, ev.ID, ev.User, ev.Date, ev.Action, ev.Deleted, doc); err != nil {
		return fmt.Errorf("insert service event: %w", mapPgError(err))
	}
	return nil
}

// FindServiceEvents implements EventLog.
func (s *PostgresStore) FindServiceEvents(ctx context.Context, q Query) ([]models.ServiceEvent, error) {
	where, args, err := pgWhere(models.CollService, q.Filter, nil)
	if err != nil {
		return nil, err
	}
	order, args := pgOrder(q, "id", args)

	rows, err := s.pool.Query(ctx, "SELECT deleted_at, doc FROM service_events"+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("find service events: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceEvent
	for rows.Next() {
		var (
			deleted *time.Time
			doc     []byte
		)
		if err := rows.Scan(&deleted, &doc); err != nil {
			return nil, fmt.Errorf("scan service event: %w", err)
		}
		ev, err := decodeServiceEvent(doc)
		if err != nil {
			return nil, err
		}
		ev.Deleted = deleted
		out = append(out, ev)
	}
	return out, rows.Err()
}

func decodeServiceEvent(doc []byte) (models.ServiceEvent, error) {
	var ev models.ServiceEvent
	if err := json.Unmarshal(doc, &ev); err != nil {
		return ev, fmt.Errorf("decode service event: %w", err)
	}
	if ev.Data != nil {
		data, err := decodeDocument(mustJSON(ev.Data))
		if err != nil {
			return ev, err
		}
		ev.Data = data
	}
	return ev, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// InsertDeletion implements EventLog.
func (s *PostgresStore) InsertDeletion(ctx context.Context, d *models.Deletion) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO deletions (id, chat, date) VALUES ($1, $2, $3)",
		d.ID, d.Chat, d.Date,
	)
	if err != nil {
		return fmt.Errorf("insert deletion: %w", err)
	}
	return nil
}

// FindDeletions implements EventLog.
func (s *PostgresStore) FindDeletions(ctx context.Context, q Query) ([]models.Deletion, error) {
	where, args, err := pgWhere(models.CollDeletions, q.Filter, nil)
	if err != nil {
		return nil, err
	}
	order, args := pgOrder(q, "seq", args)

	rows, err := s.pool.Query(ctx, "SELECT id, chat, date FROM deletions"+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("find deletions: %w", err)
	}
	defer rows.Close()

	var out []models.Deletion
	for rows.Next() {
		var d models.Deletion
		if err := rows.Scan(&d.ID, &d.Chat, &d.Date); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		d.Date = d.Date.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertMembership implements EventLog.
func (s *PostgresStore) InsertMembership(ctx context.Context, m *models.Membership) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO memberships (chat, user_id, date, joined, performer) VALUES ($1, $2, $3, $4, $5)",
		m.Chat, m.User, m.Date, m.Joined, m.Performer,
	)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// FindMemberships implements EventLog.
func (s *PostgresStore) FindMemberships(ctx context.Context, q Query) ([]models.Membership, error) {
	where, args, err := pgWhere(models.CollMemberships, q.Filter, nil)
	if err != nil {
		return nil, err
	}
	order, args := pgOrder(q, "seq", args)

	rows, err := s.pool.Query(ctx,
		"SELECT chat, user_id, date, joined, performer FROM memberships"+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("find memberships: %w", err)
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.Chat, &m.User, &m.Date, &m.Joined, &m.Performer); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Date = m.Date.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertFailure implements FailureStore.
func (s *PostgresStore) InsertFailure(ctx context.Context, f *models.Failure) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO failures (id, date, kind, doc) VALUES ($1::uuid, $2, $3, $4)",
		f.ID, f.Date, f.Kind, doc,
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", mapPgError(err))
	}
	return nil
}

// FindFailures implements FailureStore.
func (s *PostgresStore) FindFailures(ctx context.Context, q Query) ([]models.Failure, error) {
	where, args, err := pgWhere(models.CollFailures, q.Filter, nil)
	if err != nil {
		return nil, err
	}
	order, args := pgOrder(q, "id", args)

	rows, err := s.pool.Query(ctx, "SELECT doc FROM failures"+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("find failures: %w", err)
	}
	defer rows.Close()

	var out []models.Failure
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		var f models.Failure
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count implements QueryStore.
func (s *PostgresStore) Count(ctx context.Context, coll string, f Filter) (int64, error) {
	where, args, err := pgWhere(coll, f, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+coll+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

// Distinct implements QueryStore.
func (s *PostgresStore) Distinct(ctx context.Context, coll, field string, f Filter) ([]int64, error) {
	if err := validateDistinct(coll, field); err != nil {
		return nil, err
	}
	col, err := pgColumn(coll, field)
	if err != nil {
		return nil, err
	}
	where, args, err := pgWhere(coll, f, nil)
	if err != nil {
		return nil, err
	}
	notNull := col + " IS NOT NULL"
	if where == "" {
		where = " WHERE " + notNull
	} else {
		where += " AND " + notNull
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT DISTINCT %s FROM %s%s ORDER BY %s", col, coll, where, col), args...)
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", coll, field, err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan distinct: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Indexes implements IndexStore. Primary keys are included; key direction
// is not reported.
func (s *PostgresStore) Indexes(ctx context.Context, coll string) ([]IndexSpec, error) {
	query := `
		SELECT i.relname, ix.indisunique, (ix.indpred IS NOT NULL) AS partial,
		       array_agg(a.attname::text ORDER BY k.ord)
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE t.relname = $1
		GROUP BY i.relname, ix.indisunique, (ix.indpred IS NOT NULL)
	`
	rows, err := s.pool.Query(ctx, query, coll)
	if err != nil {
		return nil, fmt.Errorf("list indexes on %s: %w", coll, err)
	}
	defer rows.Close()

	reverse := map[string]string{}
	for field, col := range pgColumns[coll] {
		reverse[col] = field
	}

	var out []IndexSpec
	for rows.Next() {
		var (
			spec    IndexSpec
			partial bool
			columns []string
		)
		if err := rows.Scan(&spec.Name, &spec.Unique, &partial, &columns); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		spec.Collection = coll
		spec.CanonicalOnly = partial
		for _, col := range columns {
			field := col
			if f, ok := reverse[col]; ok {
				field = f
			}
			spec.Keys = append(spec.Keys, IndexKey{Field: field})
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

// CreateIndex implements IndexStore.
func (s *PostgresStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	var cols []string
	for _, k := range spec.Keys {
		col, err := pgColumn(spec.Collection, k.Field)
		if err != nil {
			return err
		}
		if k.Desc {
			col += " DESC"
		}
		cols = append(cols, col)
	}

	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	ddl := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, pgx.Identifier{spec.Name}.Sanitize(), spec.Collection, strings.Join(cols, ", "))
	if spec.CanonicalOnly {
		ddl += " WHERE rank = 0"
	}

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create index %s: %w", spec.Name, err)
	}
	return nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close(context.Context) error {
	return nil
}
