package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-relay/internal/payments/entities"
	relayredis "payment-relay/internal/redis"
)

var refCounter atomic.Int64

func newPayment(createdAt time.Time) *entities.Payment {
	return &entities.Payment{
		Reference: fmt.Sprintf("PLAN_PRO_%d_%d", createdAt.UnixNano(), refCounter.Add(1)),
		Email:     "a@b.com",
		Amount:    decimal.RequireFromString("15.00"),
		Currency:  "USD",
		PlanKey:   "pro",
		PlanLabel: "Pro Plan",
		Gateway:   "paynow",
		Status:    entities.StatusCreated,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
}

var sent = entities.TransitionFields{RedirectURL: "https://pay/x", PollURL: "https://pay/poll/x", Attempts: 1}

func runRegistryContract(t *testing.T, open func(t *testing.T) Registry) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		require.NoError(t, r.Insert(ctx, p))

		got, err := r.Get(ctx, p.Reference)
		require.NoError(t, err)
		assert.Equal(t, p.Reference, got.Reference)
		assert.Equal(t, entities.StatusCreated, got.Status)
		assert.True(t, p.Amount.Equal(got.Amount))
		assert.Equal(t, "Pro Plan", got.PlanLabel)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		r := open(t)
		_, err := r.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateReference", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		require.NoError(t, r.Insert(ctx, p))
		assert.ErrorIs(t, r.Insert(ctx, p), ErrDuplicate)
	})

	t.Run("IdempotencyKey", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		p.IdempotencyKey = "order-" + p.Reference
		require.NoError(t, r.Insert(ctx, p))

		got, err := r.FindByIdempotencyKey(ctx, p.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, p.Reference, got.Reference)

		other := newPayment(time.Now())
		other.IdempotencyKey = p.IdempotencyKey
		assert.ErrorIs(t, r.Insert(ctx, other), ErrDuplicate)

		_, err = r.FindByIdempotencyKey(ctx, "unknown-key")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TransitionLifecycle", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		require.NoError(t, r.Insert(ctx, p))

		got, err := r.Transition(ctx, p.Reference, entities.StatusSent, sent)
		require.NoError(t, err)
		assert.Equal(t, entities.StatusSent, got.Status)
		assert.Equal(t, "https://pay/poll/x", got.PollURL)
		assert.False(t, got.UpdatedAt.Before(p.UpdatedAt))

		_, err = r.Transition(ctx, p.Reference, entities.StatusAwaitingConfirmation, entities.TransitionFields{})
		require.NoError(t, err)
		_, err = r.Transition(ctx, p.Reference, entities.StatusAwaitingConfirmation, entities.TransitionFields{})
		require.NoError(t, err)

		got, err = r.Transition(ctx, p.Reference, entities.StatusConfirmed, entities.TransitionFields{GatewayReference: "12345"})
		require.NoError(t, err)
		assert.Equal(t, entities.StatusConfirmed, got.Status)

		stored, err := r.Get(ctx, p.Reference)
		require.NoError(t, err)
		assert.Equal(t, entities.StatusConfirmed, stored.Status)
		assert.Equal(t, "12345", stored.GatewayReference)
		assert.Equal(t, "https://pay/x", stored.RedirectURL)
	})

	t.Run("TerminalIsConflict", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		require.NoError(t, r.Insert(ctx, p))
		_, err := r.Transition(ctx, p.Reference, entities.StatusSent, sent)
		require.NoError(t, err)
		_, err = r.Transition(ctx, p.Reference, entities.StatusConfirmed, entities.TransitionFields{})
		require.NoError(t, err)

		cur, err := r.Transition(ctx, p.Reference, entities.StatusAwaitingConfirmation, entities.TransitionFields{})
		assert.ErrorIs(t, err, ErrTerminal)
		assert.ErrorIs(t, err, ErrConflict)
		require.NotNil(t, cur)
		assert.Equal(t, entities.StatusConfirmed, cur.Status)

		stored, err := r.Get(ctx, p.Reference)
		require.NoError(t, err)
		assert.Equal(t, entities.StatusConfirmed, stored.Status)
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		require.NoError(t, r.Insert(ctx, p))

		_, err := r.Transition(ctx, p.Reference, entities.StatusConfirmed, entities.TransitionFields{})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = r.Transition(ctx, p.Reference, entities.StatusSent, entities.TransitionFields{})
		assert.ErrorIs(t, err, ErrInvalidTransition, "sent requires urls")

		_, err = r.Transition(ctx, "missing", entities.StatusSent, sent)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentTransitionsApplyOnce", func(t *testing.T) {
		r := open(t)
		p := newPayment(time.Now())
		require.NoError(t, r.Insert(ctx, p))
		_, err := r.Transition(ctx, p.Reference, entities.StatusSent, sent)
		require.NoError(t, err)

		const n = 10
		var (
			wg        sync.WaitGroup
			applied   atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Transition(ctx, p.Reference, entities.StatusConfirmed, entities.TransitionFields{})
				switch {
				case err == nil:
					applied.Add(1)
				case assert.ErrorIs(t, err, ErrTerminal):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), applied.Load())
		assert.Equal(t, int32(n-1), conflicts.Load())
	})

	t.Run("ListExpirable", func(t *testing.T) {
		r := open(t)
		now := time.Now()

		old := newPayment(now.Add(-48 * time.Hour))
		require.NoError(t, r.Insert(ctx, old))
		_, err := r.Transition(ctx, old.Reference, entities.StatusSent, sent)
		require.NoError(t, err)

		oldCreated := newPayment(now.Add(-48 * time.Hour))
		require.NoError(t, r.Insert(ctx, oldCreated))

		oldConfirmed := newPayment(now.Add(-48 * time.Hour))
		require.NoError(t, r.Insert(ctx, oldConfirmed))
		_, err = r.Transition(ctx, oldConfirmed.Reference, entities.StatusSent, sent)
		require.NoError(t, err)
		_, err = r.Transition(ctx, oldConfirmed.Reference, entities.StatusConfirmed, entities.TransitionFields{})
		require.NoError(t, err)

		fresh := newPayment(now)
		require.NoError(t, r.Insert(ctx, fresh))
		_, err = r.Transition(ctx, fresh.Reference, entities.StatusSent, sent)
		require.NoError(t, err)

		got, err := r.ListExpirable(ctx, now.Add(-24*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, old.Reference, got[0].Reference)
	})
}

func TestMemoryRegistry(t *testing.T) {
	runRegistryContract(t, func(t *testing.T) Registry {
		return NewMemoryRegistry()
	})
}

func TestSQLiteRegistry(t *testing.T) {
	runRegistryContract(t, func(t *testing.T) Registry {
		r, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "payments.db"))
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		return r
	})
}

func TestRedisRegistry(t *testing.T) {
	runRegistryContract(t, func(t *testing.T) Registry {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisRegistry(relayredis.Wrap(client))
	})
}

func TestPostgresRegistry(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	runRegistryContract(t, func(t *testing.T) Registry {
		r, err := NewPostgresRegistry(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		return r
	})
}

func TestMongoRegistry(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	runRegistryContract(t, func(t *testing.T) Registry {
		db := fmt.Sprintf("relay_test_%d", time.Now().UnixNano())
		r, err := NewMongoRegistry(context.Background(), uri, db)
		require.NoError(t, err)
		t.Cleanup(func() {
			r.client.Database(db).Drop(context.Background())
			r.Close()
		})
		return r
	})
}
