package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loomworks/loom/internal/idgen"
	"github.com/loomworks/loom/internal/records"
)

const defaultRetryBudget = 5

// Query describes a filtered, ordered read of one record kind within the
// bound partition. Fields are equality filters on top-level JSON fields
// of the document body.
type Query struct {
	Fields  map[string]any
	OrderBy string // JSON field name; empty means created_at
	Desc    bool
	Limit   int
}

// Store is a typed document store bound to one partition (session id).
// Every operation is implicitly scoped to that partition. The underlying
// *sql.DB is safe to share across stores; the Store itself holds no
// mutable state beyond its binding.
type Store struct {
	db      *sql.DB
	reg     *records.Registry
	session string

	nowFn   func() time.Time
	newIDFn func() string
	retries int
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func WithRetryBudget(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retries = n
		}
	}
}

func New(db *sql.DB, reg *records.Registry, sessionID string, opts ...Option) *Store {
	s := &Store{
		db:      db,
		reg:     reg,
		session: sessionID,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
		retries: defaultRetryBudget,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) SessionID() string {
	return s.session
}

// Put writes one record, assigning an id if absent and stamping the
// partition key, kind, and timestamps. Writes are immediately visible to
// subsequent reads in the same partition.
func (s *Store) Put(ctx context.Context, rec records.Record) error {
	return s.PutAll(ctx, rec)
}

// PutAll writes all records in a single transaction, so a plan and its
// steps move together or not at all.
func (s *Store) PutAll(ctx context.Context, recs ...records.Record) error {
	if len(recs) == 0 {
		return nil
	}
	now := s.nowFn().UTC()
	type row struct {
		id, data, createdAt, updatedAt string
		kind                           records.Kind
	}
	rows := make([]row, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			return fmt.Errorf("nil record")
		}
		if !s.reg.Known(rec.Kind()) {
			return &records.TypeMismatchError{Kind: rec.Kind(), Reason: "no registered decoder"}
		}
		meta := rec.Meta()
		if meta.ID == "" {
			meta.ID = s.newIDFn()
		}
		if meta.SessionID == "" {
			meta.SessionID = s.session
		}
		if meta.SessionID != s.session {
			return fmt.Errorf("record %s belongs to session %q, store is bound to %q", meta.ID, meta.SessionID, s.session)
		}
		meta.Type = rec.Kind()
		if meta.CreatedAt.IsZero() {
			meta.CreatedAt = now
		}
		meta.UpdatedAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", rec.Kind(), err)
		}
		rows = append(rows, row{
			id:        meta.ID,
			kind:      rec.Kind(),
			data:      string(data),
			createdAt: meta.CreatedAt.Format(time.RFC3339Nano),
			updatedAt: meta.UpdatedAt.Format(time.RFC3339Nano),
		})
	}

	return s.withRetry(ctx, "put", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin put tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		for _, r := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO documents (id, session_id, kind, data, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
			`, r.id, s.session, r.kind, r.data, r.createdAt, r.updatedAt)
			if err != nil {
				return fmt.Errorf("upsert document: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit put: %w", err)
		}
		return nil
	})
}

// Get loads one record by id. An absent id is not an error: the second
// return value reports presence. Requesting a kind the registry does not
// know, or an id stored under a different kind, fails with TypeMismatch.
func (s *Store) Get(ctx context.Context, id string, kind records.Kind) (records.Record, bool, error) {
	if !s.reg.Known(kind) {
		return nil, false, &records.TypeMismatchError{Kind: kind, Reason: "no registered decoder"}
	}
	var storedKind, data, createdAtStr, updatedAtStr string
	err := s.queryRowWithRetry(ctx, "get", `
		SELECT kind, data, created_at, updated_at FROM documents WHERE id = ? AND session_id = ?
	`, []any{id, s.session}, &storedKind, &data, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if records.Kind(storedKind) != kind {
		return nil, false, &records.TypeMismatchError{Kind: kind, Reason: fmt.Sprintf("document %s is stored as %q", id, storedKind)}
	}
	rec, err := s.decode(kind, id, data, createdAtStr, updatedAtStr)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Query returns all records of one kind matching the filter, in the
// requested order. Records come back fully typed via the registry.
func (s *Store) Query(ctx context.Context, kind records.Kind, q Query) ([]records.Record, error) {
	if !s.reg.Known(kind) {
		return nil, &records.TypeMismatchError{Kind: kind, Reason: "no registered decoder"}
	}

	query := `SELECT id, data, created_at, updated_at FROM documents WHERE session_id = ? AND kind = ?`
	args := []any{s.session, kind}
	for _, field := range sortedFieldNames(q.Fields) {
		if err := validateFieldName(field); err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND json_extract(data, '$.%s') = ?", field)
		args = append(args, q.Fields[field])
	}

	orderExpr := "created_at"
	if q.OrderBy != "" {
		if err := validateFieldName(q.OrderBy); err != nil {
			return nil, err
		}
		orderExpr = fmt.Sprintf("json_extract(data, '$.%s')", q.OrderBy)
	}
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", orderExpr, direction, direction)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var out []records.Record
	err := s.withRetry(ctx, "query", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query documents: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var id, data, createdAtStr, updatedAtStr string
			if err := rows.Scan(&id, &data, &createdAtStr, &updatedAtStr); err != nil {
				return fmt.Errorf("scan document: %w", err)
			}
			rec, err := s.decode(kind, id, data, createdAtStr, updatedAtStr)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate documents: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes one record by id. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND session_id = ?`, id, s.session)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
}

// DeleteAll clears every record in the bound partition (session clear).
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.withRetry(ctx, "delete all", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE session_id = ?`, s.session)
		if err != nil {
			return fmt.Errorf("delete partition: %w", err)
		}
		return nil
	})
}

func (s *Store) decode(kind records.Kind, id, data, createdAtStr, updatedAtStr string) (records.Record, error) {
	rec, err := s.reg.Decode(kind, []byte(data))
	if err != nil {
		return nil, err
	}
	// Envelope columns are authoritative over the serialized body.
	meta := rec.Meta()
	meta.ID = id
	meta.SessionID = s.session
	meta.Type = kind
	meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	meta.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return rec, nil
}

func (s *Store) queryRowWithRetry(ctx context.Context, op, query string, args []any, dest ...any) error {
	var scanErr error
	err := s.withRetry(ctx, op, func() error {
		scanErr = s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
		if scanErr != nil && !isBusyError(scanErr) {
			return nil // not retryable; handled by caller
		}
		return scanErr
	})
	if err != nil {
		return err
	}
	return scanErr
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return &ConnectivityError{Op: op, Err: err}
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return &ConnectivityError{Op: op, Err: err}
}

func sortedFieldNames(fields map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	// Stable clause order keeps queries deterministic.
	sort.Strings(names)
	return names
}

func validateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name is required")
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid field name %q", name)
	}
	return nil
}
