package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-relay/internal/payments/entities"
)

// timeLayout is fixed width so created_at compares correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const maxCASRetries = 8

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS payments (
	reference         TEXT PRIMARY KEY,
	idempotency_key   TEXT UNIQUE,
	email             TEXT NOT NULL,
	amount            TEXT NOT NULL,
	currency          TEXT NOT NULL,
	plan_key          TEXT NOT NULL,
	plan_label        TEXT NOT NULL,
	gateway           TEXT NOT NULL,
	status            TEXT NOT NULL,
	redirect_url      TEXT NOT NULL DEFAULT '',
	poll_url          TEXT NOT NULL DEFAULT '',
	gateway_reference TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	attempts          INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_status_created ON payments (status, created_at);
`

const sqliteColumns = `reference, COALESCE(idempotency_key, ''), email, amount, currency, plan_key, plan_label,
	gateway, status, redirect_url, poll_url, gateway_reference, last_error, attempts, created_at, updated_at`

// SQLiteRegistry persists payments in a single SQLite file. Transitions are
// compare-and-swap updates guarded by the previous status and updated_at.
type SQLiteRegistry struct {
	db *sql.DB
}

func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer at a time is all SQLite offers; avoid SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create payments table")
	}
	return &SQLiteRegistry{db: db}, nil
}

func (r *SQLiteRegistry) Insert(ctx context.Context, p *entities.Payment) error {
	if err := validateNew(p); err != nil {
		return err
	}

	var key sql.NullString
	if p.IdempotencyKey != "" {
		key = sql.NullString{String: p.IdempotencyKey, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (reference, idempotency_key, email, amount, currency, plan_key, plan_label,
			gateway, status, redirect_url, poll_url, gateway_reference, last_error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Reference, key, p.Email, p.Amount.String(), p.Currency, p.PlanKey, p.PlanLabel,
		p.Gateway, string(p.Status), p.RedirectURL, p.PollURL, p.GatewayReference, p.LastError, p.Attempts,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return errors.Wrapf(ErrDuplicate, "reference %s", p.Reference)
	}
	return errors.Wrap(err, "insert payment")
}

func (r *SQLiteRegistry) Get(ctx context.Context, reference string) (*entities.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM payments WHERE reference = ?`, reference)
	p, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, reference)
	}
	return p, err
}

func (r *SQLiteRegistry) FindByIdempotencyKey(ctx context.Context, key string) (*entities.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM payments WHERE idempotency_key = ?`, key)
	p, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "idempotency key %s", key)
	}
	return p, err
}

func (r *SQLiteRegistry) Transition(ctx context.Context, reference string, to entities.Status, f entities.TransitionFields) (*entities.Payment, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := r.Get(ctx, reference)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := transition(next, to, f, time.Now()); err != nil {
			return cur, err
		}

		res, err := r.db.ExecContext(ctx, `
			UPDATE payments
			SET status = ?, redirect_url = ?, poll_url = ?, gateway_reference = ?, last_error = ?,
				attempts = ?, updated_at = ?
			WHERE reference = ? AND status = ? AND updated_at = ?
		`, string(next.Status), next.RedirectURL, next.PollURL, next.GatewayReference, next.LastError,
			next.Attempts, formatTime(next.UpdatedAt), reference, string(cur.Status), formatTime(cur.UpdatedAt))
		if err != nil {
			return nil, errors.Wrap(err, "update payment status")
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "update payment status")
		}
		if affected == 1 {
			return next, nil
		}
	}
	return nil, errors.Wrapf(ErrConflict, "%s: concurrent updates", reference)
}

func (r *SQLiteRegistry) ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.Payment, error) {
	if limit <= 0 {
		limit = -1
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(expirable)), ",")
	args := make([]any, 0, len(expirable)+2)
	for _, s := range expirable {
		args = append(args, string(s))
	}
	args = append(args, formatTime(createdBefore), limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM payments
		WHERE status IN (`+placeholders+`) AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list expirable payments")
	}
	defer rows.Close()

	var out []*entities.Payment
	for rows.Next() {
		p, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list expirable payments")
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*entities.Payment, error) {
	var (
		p                    entities.Payment
		amount, status       string
		createdAt, updatedAt string
	)
	err := row.Scan(&p.Reference, &p.IdempotencyKey, &p.Email, &amount, &p.Currency, &p.PlanKey, &p.PlanLabel,
		&p.Gateway, &status, &p.RedirectURL, &p.PollURL, &p.GatewayReference, &p.LastError, &p.Attempts,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, errors.Wrapf(err, "payment %s amount", p.Reference)
	}
	p.Status = entities.Status(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	return t, errors.Wrapf(err, "parse time %q", s)
}
