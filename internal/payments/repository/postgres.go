package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-relay/internal/payments/entities"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS payments (
	reference         VARCHAR PRIMARY KEY,
	idempotency_key   VARCHAR UNIQUE,
	email             VARCHAR NOT NULL,
	amount            NUMERIC(18,2) NOT NULL,
	currency          VARCHAR NOT NULL,
	plan_key          VARCHAR NOT NULL,
	plan_label        VARCHAR NOT NULL,
	gateway           VARCHAR NOT NULL,
	status            VARCHAR NOT NULL,
	redirect_url      VARCHAR NOT NULL DEFAULT '',
	poll_url          VARCHAR NOT NULL DEFAULT '',
	gateway_reference VARCHAR NOT NULL DEFAULT '',
	last_error        VARCHAR NOT NULL DEFAULT '',
	attempts          INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_status_created ON payments (status, created_at);
`

const postgresColumns = `reference, COALESCE(idempotency_key, ''), email, amount::text, currency, plan_key, plan_label,
	gateway, status, redirect_url, poll_url, gateway_reference, last_error, attempts, created_at, updated_at`

// PostgresRegistry stores payments in PostgreSQL. Transitions take a row
// lock, so only callers acting on the same reference wait on each other.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, connString string) (*PostgresRegistry, error) {
	if connString == "" {
		return nil, errors.New("postgres connection string is empty")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create payments table")
	}
	return &PostgresRegistry{pool: pool}, nil
}

func (r *PostgresRegistry) Insert(ctx context.Context, p *entities.Payment) error {
	if err := validateNew(p); err != nil {
		return err
	}

	var key *string
	if p.IdempotencyKey != "" {
		key = &p.IdempotencyKey
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO payments (reference, idempotency_key, email, amount, currency, plan_key, plan_label,
			gateway, status, redirect_url, poll_url, gateway_reference, last_error, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, p.Reference, key, p.Email, p.Amount.String(), p.Currency, p.PlanKey, p.PlanLabel,
		p.Gateway, string(p.Status), p.RedirectURL, p.PollURL, p.GatewayReference, p.LastError, p.Attempts,
		p.CreatedAt, p.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Wrapf(ErrDuplicate, "reference %s", p.Reference)
	}
	return errors.Wrap(err, "insert payment")
}

func (r *PostgresRegistry) Get(ctx context.Context, reference string) (*entities.Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM payments WHERE reference = $1`, reference)
	p, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, reference)
	}
	return p, err
}

func (r *PostgresRegistry) FindByIdempotencyKey(ctx context.Context, key string) (*entities.Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM payments WHERE idempotency_key = $1`, key)
	p, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "idempotency key %s", key)
	}
	return p, err
}

func (r *PostgresRegistry) Transition(ctx context.Context, reference string, to entities.Status, f entities.TransitionFields) (*entities.Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin transition")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+postgresColumns+` FROM payments WHERE reference = $1 FOR UPDATE`, reference)
	cur, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, reference)
	}
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if err := transition(next, to, f, time.Now()); err != nil {
		return cur, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE payments
		SET status = $2, redirect_url = $3, poll_url = $4, gateway_reference = $5, last_error = $6,
			attempts = $7, updated_at = $8
		WHERE reference = $1
	`, reference, string(next.Status), next.RedirectURL, next.PollURL, next.GatewayReference, next.LastError,
		next.Attempts, next.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "update payment status")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit transition")
	}
	return next, nil
}

func (r *PostgresRegistry) ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.Payment, error) {
	statuses := make([]string, 0, len(expirable))
	for _, s := range expirable {
		statuses = append(statuses, string(s))
	}

	var max *int
	if limit > 0 {
		max = &limit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM payments
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, statuses, createdBefore, max)
	if err != nil {
		return nil, errors.Wrap(err, "list expirable payments")
	}
	defer rows.Close()

	var out []*entities.Payment
	for rows.Next() {
		p, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list expirable payments")
}

func (r *PostgresRegistry) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

func scanPostgres(row pgx.Row) (*entities.Payment, error) {
	var (
		p              entities.Payment
		amount, status string
	)
	err := row.Scan(&p.Reference, &p.IdempotencyKey, &p.Email, &amount, &p.Currency, &p.PlanKey, &p.PlanLabel,
		&p.Gateway, &status, &p.RedirectURL, &p.PollURL, &p.GatewayReference, &p.LastError, &p.Attempts,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, errors.Wrapf(err, "payment %s amount", p.Reference)
	}
	p.Status = entities.Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
