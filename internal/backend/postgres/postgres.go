// Package postgres provides a backend.KV implementation on PostgreSQL.
// Records live in a single table keyed by (pk, sk) with the attribute map in
// a jsonb column; write conditions compile to WHERE clauses so every
// conditional write is a single atomic statement.
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kneutral-org/lockbox/internal/backend"
)

// KV is a PostgreSQL-backed conditional key-value store.
type KV struct {
	db *pgxpool.Pool
}

// New creates a PostgreSQL-backed store on the given pool.
func New(db *pgxpool.Pool) *KV {
	return &KV{db: db}
}

// EnsureTable creates the lock table if it does not exist.
func (s *KV) EnsureTable(ctx context.Context, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			pk    text NOT NULL,
			sk    text NOT NULL,
			attrs jsonb NOT NULL,
			PRIMARY KEY (pk, sk)
		)
	`, pgx.Identifier{tableName}.Sanitize())
	_, err := s.db.Exec(ctx, query)
	return err
}

// Get returns the record stored under key, or nil if absent. Reads in
// PostgreSQL go to the primary and are strongly consistent.
func (s *KV) Get(ctx context.Context, tableName string, key backend.Key) (backend.Item, error) {
	query := fmt.Sprintf(
		"SELECT attrs FROM %s WHERE pk = $1 AND sk = $2",
		pgx.Identifier{tableName}.Sanitize(),
	)

	var raw []byte
	err := s.db.QueryRow(ctx, query, key.PartitionValue, key.SortValue).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	item, err := decodeAttrs(raw)
	if err != nil {
		return nil, err
	}
	item[key.PartitionName] = key.PartitionValue
	item[key.SortName] = key.SortValue
	return item, nil
}

// Put stores item under key if cond holds.
func (s *KV) Put(ctx context.Context, tableName string, key backend.Key, item backend.Item, cond backend.Condition) error {
	attrs, err := encodeAttrs(item, key)
	if err != nil {
		return err
	}
	name := pgx.Identifier{tableName}.Sanitize()

	if cond.MustNotExist {
		query := fmt.Sprintf(`
			INSERT INTO %s (pk, sk, attrs) VALUES ($1, $2, $3)
			ON CONFLICT (pk, sk) DO NOTHING
		`, name)
		tag, err := s.db.Exec(ctx, query, key.PartitionValue, key.SortValue, attrs)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backend.ErrConditionFailed
		}
		return nil
	}

	where, args := expectClause(cond.Expect, 4)
	query := fmt.Sprintf(
		"UPDATE %s SET attrs = $3 WHERE pk = $1 AND sk = $2%s",
		name, where,
	)
	tag, err := s.db.Exec(ctx, query, append([]any{key.PartitionValue, key.SortValue, attrs}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrConditionFailed
	}
	return nil
}

// Update merges the given attributes into the record under key if cond holds.
func (s *KV) Update(ctx context.Context, tableName string, key backend.Key, set backend.Item, cond backend.Condition) error {
	attrs, err := encodeAttrs(set, backend.Key{})
	if err != nil {
		return err
	}

	where, args := expectClause(cond.Expect, 4)
	query := fmt.Sprintf(
		"UPDATE %s SET attrs = attrs || $3::jsonb WHERE pk = $1 AND sk = $2%s",
		pgx.Identifier{tableName}.Sanitize(), where,
	)
	tag, err := s.db.Exec(ctx, query, append([]any{key.PartitionValue, key.SortValue, attrs}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrConditionFailed
	}
	return nil
}

// Delete removes the record under key if cond holds.
func (s *KV) Delete(ctx context.Context, tableName string, key backend.Key, cond backend.Condition) error {
	where, args := expectClause(cond.Expect, 3)
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE pk = $1 AND sk = $2%s",
		pgx.Identifier{tableName}.Sanitize(), where,
	)
	tag, err := s.db.Exec(ctx, query, append([]any{key.PartitionValue, key.SortValue}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrConditionFailed
	}
	return nil
}

// Cleanup removes records whose TTL attribute lies in the past. This is the
// same hygiene the hosted document stores provide natively; it must run
// periodically when the table is configured with a TTL key.
func (s *KV) Cleanup(ctx context.Context, tableName, ttlKey string) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (attrs->>$1) IS NOT NULL
		  AND (attrs->>$1)::bigint < extract(epoch FROM now())::bigint
	`, pgx.Identifier{tableName}.Sanitize())
	tag, err := s.db.Exec(ctx, query, ttlKey)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// expectClause renders attribute-equality conditions as WHERE fragments.
// jsonb ->> yields text, so values are compared in their text rendering.
func expectClause(expect backend.Item, firstArg int) (string, []any) {
	var clause bytes.Buffer
	args := make([]any, 0, len(expect)*2)
	n := firstArg
	for attr, want := range expect {
		clause.WriteString(fmt.Sprintf(" AND attrs->>$%d = $%d", n, n+1))
		args = append(args, attr, fmt.Sprint(want))
		n += 2
	}
	return clause.String(), args
}

// encodeAttrs marshals the attribute map, leaving the key attributes out of
// the jsonb payload (they live in the pk/sk columns).
func encodeAttrs(item backend.Item, key backend.Key) ([]byte, error) {
	attrs := make(map[string]any, len(item))
	for k, v := range item {
		if k == key.PartitionName || k == key.SortName {
			continue
		}
		attrs[k] = v
	}
	return json.Marshal(attrs)
}

// decodeAttrs unmarshals a jsonb attribute map, restoring integral numbers
// as int64 the way the other backends return them.
func decodeAttrs(raw []byte) (backend.Item, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		return nil, err
	}
	item := make(backend.Item, len(attrs))
	for k, v := range attrs {
		if num, ok := v.(json.Number); ok {
			if i, err := num.Int64(); err == nil {
				item[k] = i
				continue
			}
			f, _ := num.Float64()
			item[k] = f
			continue
		}
		item[k] = v
	}
	return item, nil
}
