// Package postgres implements feed.Store on PostgreSQL. The cursor critical
// section is a transaction holding the subscription row lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/feed"
)

// DB is the subset of *pgxpool.Pool the store needs
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const subscriptionColumns = `id, owner, name, description, mode, scope_id, filters, callback_url,
	enabled, last_delivered_id, last_delivered_at, created_at, updated_at`

const recordColumns = `id, scope_id, type, symbol, status, source, payload, created_at`

type Store struct {
	db DB
}

var (
	_ feed.Store      = (*Store)(nil)
	_ feed.RecordSink = (*Store)(nil)
)

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateSubscription(ctx context.Context, sub feed.Subscription) (feed.Subscription, error) {
	filters, err := encodeFilters(sub.Filters)
	if err != nil {
		return feed.Subscription{}, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (owner, name, description, mode, scope_id, filters, callback_url, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+subscriptionColumns,
		sub.Owner, sub.Name, sub.Description, string(sub.Mode), sub.ScopeID, filters, sub.CallbackURL, sub.Enabled,
	)
	created, err := scanSubscription(row)
	if err != nil {
		return feed.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return created, nil
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (feed.Subscription, error) {
	return getSubscription(ctx, s.db, id, "")
}

func (s *Store) ListSubscriptions(ctx context.Context, owner string, limit, offset int) ([]feed.Subscription, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM subscriptions WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subscriptions: %w", err)
	}

	// a NULL limit means no limit
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE owner = $1
		ORDER BY id LIMIT $2 OFFSET $3`, owner, lim, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []feed.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, total, nil
}

// UpdateSubscription writes the mutable fields; the cursor columns belong to WithCursor
func (s *Store) UpdateSubscription(ctx context.Context, sub feed.Subscription) (feed.Subscription, error) {
	filters, err := encodeFilters(sub.Filters)
	if err != nil {
		return feed.Subscription{}, err
	}
	row := s.db.QueryRow(ctx, `
		UPDATE subscriptions
		SET name = $2, description = $3, filters = $4, callback_url = $5, enabled = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		sub.ID, sub.Name, sub.Description, filters, sub.CallbackURL, sub.Enabled,
	)
	updated, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return feed.Subscription{}, apperr.NotFound("Subscription", sub.ID)
	}
	if err != nil {
		return feed.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	return updated, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Subscription", id)
	}
	return nil
}

// WithCursor locks the subscription row for the duration of fn. The cursor
// update commits only when fn succeeds and ctx is still live.
func (s *Store) WithCursor(ctx context.Context, id int64, fn func(ctx context.Context, tx feed.CursorTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin cursor tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	sub, err := getSubscription(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return err
	}

	ctxTx := &cursorTx{tx: tx, sub: sub}
	if err = fn(ctx, ctxTx); err != nil {
		return err
	}
	if !ctxTx.advanced {
		// read-only; nothing to commit
		_ = tx.Rollback(context.Background())
		return nil
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE subscriptions SET last_delivered_id = $2, last_delivered_at = $3
		WHERE id = $1 AND last_delivered_id < $2`,
		id, ctxTx.lastID, ctxTx.at,
	); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	return nil
}

// AppendRecord inserts rec. A zero ID takes the next sequence value.
func (s *Store) AppendRecord(ctx context.Context, rec feed.Record) (feed.Record, error) {
	var payload []byte
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return feed.Record{}, apperr.Invalid("payload is not valid JSON: %v", err)
		}
		payload = b
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var row pgx.Row
	if rec.ID == 0 {
		row = s.db.QueryRow(ctx, `
			INSERT INTO records (scope_id, type, symbol, status, source, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+recordColumns,
			rec.ScopeID, rec.Type, rec.Symbol, rec.Status, rec.Source, payload, createdAt)
	} else {
		row = s.db.QueryRow(ctx, `
			INSERT INTO records (id, scope_id, type, symbol, status, source, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+recordColumns,
			rec.ID, rec.ScopeID, rec.Type, rec.Symbol, rec.Status, rec.Source, payload, createdAt)
	}
	stored, err := scanRecord(row)
	if err != nil {
		return feed.Record{}, fmt.Errorf("insert record: %w", err)
	}
	return stored, nil
}

type cursorTx struct {
	tx       pgx.Tx
	sub      feed.Subscription
	advanced bool
	lastID   int64
	at       time.Time
}

func (t *cursorTx) Subscription() feed.Subscription { return t.sub }

func (t *cursorTx) Records(ctx context.Context, afterID int64, scopeID *int64, limit int) ([]feed.Record, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id > $1 AND ($2::bigint IS NULL OR scope_id = $2)
		ORDER BY id
		LIMIT $3`, afterID, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]feed.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

func (t *cursorTx) Advance(_ context.Context, lastID int64, at time.Time) error {
	if lastID <= t.sub.LastDeliveredID {
		return nil
	}
	t.advanced = true
	t.lastID = lastID
	t.at = at
	t.sub.LastDeliveredID = lastID
	t.sub.LastDeliveredAt = &at
	return nil
}

func getSubscription(ctx context.Context, q querier, id int64, lock string) (feed.Subscription, error) {
	row := q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`+lock, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return feed.Subscription{}, apperr.NotFound("Subscription", id)
	}
	if err != nil {
		return feed.Subscription{}, fmt.Errorf("get subscription %d: %w", id, err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (feed.Subscription, error) {
	var (
		sub     feed.Subscription
		mode    string
		filters []byte
	)
	err := row.Scan(&sub.ID, &sub.Owner, &sub.Name, &sub.Description, &mode, &sub.ScopeID, &filters,
		&sub.CallbackURL, &sub.Enabled, &sub.LastDeliveredID, &sub.LastDeliveredAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return feed.Subscription{}, err
	}
	sub.Mode = feed.Mode(mode)
	if sub.Filters, err = decodeFilters(filters); err != nil {
		return feed.Subscription{}, err
	}
	return sub, nil
}

func scanRecord(row pgx.Row) (feed.Record, error) {
	var (
		rec     feed.Record
		payload []byte
	)
	if err := row.Scan(&rec.ID, &rec.ScopeID, &rec.Type, &rec.Symbol, &rec.Status, &rec.Source, &payload, &rec.CreatedAt); err != nil {
		return feed.Record{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return feed.Record{}, fmt.Errorf("decode payload of record %d: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func encodeFilters(filters map[string]any) ([]byte, error) {
	if len(filters) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(filters)
	if err != nil {
		return nil, apperr.Invalid("filters are not valid JSON: %v", err)
	}
	return b, nil
}

func decodeFilters(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
