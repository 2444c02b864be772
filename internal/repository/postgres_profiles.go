package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/models"
)

// GetProfile implements ProfileStore.
func (s *PostgresStore) GetProfile(ctx context.Context, coll string, id int64) (diff.Document, error) {
	if err := checkProfile(coll); err != nil {
		return nil, err
	}

	var doc []byte
	err := s.pool.QueryRow(ctx, "SELECT doc FROM "+coll+" WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", coll, id, err)
	}
	return decodeDocument(doc)
}

// CreateProfile implements ProfileStore.
func (s *PostgresStore) CreateProfile(ctx context.Context, coll string, id int64, doc diff.Document) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	body := diff.Clone(doc)
	if body == nil {
		body = diff.Document{}
	}
	body[models.FieldID] = id

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s %d: %w", coll, id, err)
	}
	if _, err := s.pool.Exec(ctx, "INSERT INTO "+coll+" (id, doc) VALUES ($1, $2)", id, data); err != nil {
		return fmt.Errorf("create %s %d: %w", coll, id, mapPgError(err))
	}
	return nil
}

// PatchProfile implements ProfileStore. Each set becomes one jsonb_set over
// the previous result; parents of every path already exist.
func (s *PostgresStore) PatchProfile(ctx context.Context, coll string, id int64, sets []diff.Set) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}

	args := []any{id}
	expr := "doc"
	for _, set := range sets {
		value, err := json.Marshal(set.Value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", strings.Join(set.Path, "."), err)
		}
		args = append(args, set.Path, string(value))
		expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], $%d::jsonb, true)", expr, len(args)-1, len(args))
	}

	query := fmt.Sprintf("UPDATE %s SET doc = %s WHERE id = $1", coll, expr)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("patch %s %d: %w", coll, id, err)
	}
	return nil
}

// IncrementCounter implements ProfileStore. Missing parents along path are
// created as empty objects before the leaf is incremented.
func (s *PostgresStore) IncrementCounter(ctx context.Context, coll string, id int64, path []string, delta int64) error {
	if err := checkProfile(coll); err != nil {
		return err
	}
	if len(path) == 0 {
		return fmt.Errorf("increment %s %d: empty path", coll, id)
	}

	// document used when the profile does not exist yet
	initial := map[string]any{models.FieldID: id}
	parent := ensurePath(initial, path[:len(path)-1])
	parent[path[len(path)-1]] = delta
	seed, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("marshal counter seed: %w", err)
	}

	args := []any{id, seed, delta}
	expr := "t.doc"
	for i := 1; i < len(path); i++ {
		args = append(args, path[:i])
		n := len(args)
		expr = fmt.Sprintf("jsonb_set(%s, $%d::text[], COALESCE(t.doc #> $%d::text[], '{}'::jsonb), true)", expr, n, n)
	}
	args = append(args, path)
	n := len(args)
	expr = fmt.Sprintf(
		"jsonb_set(%s, $%d::text[], to_jsonb(COALESCE((t.doc #>> $%d::text[])::bigint, 0) + $3::bigint), true)",
		expr, n, n,
	)

	query := fmt.Sprintf(`
		INSERT INTO %s AS t (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = %s
	`, coll, expr)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("increment %s %d %s: %w", coll, id, strings.Join(path, "."), err)
	}
	return nil
}
