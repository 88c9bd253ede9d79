package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"payment-relay/internal/payments/entities"
	relayredis "payment-relay/internal/redis"
)

const (
	redisOpenIndex = "payment:index_open"
	lockExpiry     = 5 * time.Second
)

// RedisRegistry stores each payment as JSON under payment:<reference>.
// Transitions hold a redsync mutex named after the reference, so several
// relay instances can share the store without a global lock. Non-terminal
// payments are indexed by creation time for the expiry sweep.
type RedisRegistry struct {
	client *redis.Client
	locks  *redsync.Redsync
}

func NewRedisRegistry(c *relayredis.Client) *RedisRegistry {
	return &RedisRegistry{client: c.Client, locks: c.Lock}
}

func paymentKey(reference string) string { return "payment:" + reference }

func idempotencyKey(key string) string { return "payment:idempotency:" + key }

func lockKey(reference string) string { return "payment:lock:" + reference }

func (r *RedisRegistry) Insert(ctx context.Context, p *entities.Payment) error {
	if err := validateNew(p); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode payment")
	}

	if p.IdempotencyKey != "" {
		ok, err := r.client.SetNX(ctx, idempotencyKey(p.IdempotencyKey), p.Reference, 0).Result()
		if err != nil {
			return errors.Wrap(err, "claim idempotency key")
		}
		if !ok {
			return errors.Wrapf(ErrDuplicate, "idempotency key %s", p.IdempotencyKey)
		}
	}

	ok, err := r.client.SetNX(ctx, paymentKey(p.Reference), data, 0).Result()
	if err != nil || !ok {
		if p.IdempotencyKey != "" {
			r.client.Del(ctx, idempotencyKey(p.IdempotencyKey))
		}
		if err != nil {
			return errors.Wrap(err, "insert payment")
		}
		return errors.Wrapf(ErrDuplicate, "reference %s", p.Reference)
	}

	err = r.client.ZAdd(ctx, redisOpenIndex, redis.Z{
		Score:  float64(p.CreatedAt.UnixMilli()),
		Member: p.Reference,
	}).Err()
	return errors.Wrap(err, "index payment")
}

func (r *RedisRegistry) Get(ctx context.Context, reference string) (*entities.Payment, error) {
	data, err := r.client.Get(ctx, paymentKey(reference)).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrap(ErrNotFound, reference)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get payment")
	}

	var p entities.Payment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "decode payment %s", reference)
	}
	return &p, nil
}

func (r *RedisRegistry) FindByIdempotencyKey(ctx context.Context, key string) (*entities.Payment, error) {
	ref, err := r.client.Get(ctx, idempotencyKey(key)).Result()
	if err == redis.Nil {
		return nil, errors.Wrapf(ErrNotFound, "idempotency key %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get idempotency key")
	}
	return r.Get(ctx, ref)
}

func (r *RedisRegistry) Transition(ctx context.Context, reference string, to entities.Status, f entities.TransitionFields) (*entities.Payment, error) {
	mutex := r.locks.NewMutex(lockKey(reference), redsync.WithExpiry(lockExpiry), redsync.WithTries(64))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "lock payment %s", reference)
	}
	defer mutex.UnlockContext(context.WithoutCancel(ctx))

	cur, err := r.Get(ctx, reference)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if err := transition(next, to, f, time.Now()); err != nil {
		return cur, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, errors.Wrap(err, "encode payment")
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, paymentKey(reference), data, 0)
		if next.Status.IsTerminal() {
			pipe.ZRem(ctx, redisOpenIndex, reference)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store transition")
	}
	return next, nil
}

func (r *RedisRegistry) ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.Payment, error) {
	refs, err := r.client.ZRangeByScore(ctx, redisOpenIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(createdBefore.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list open payments")
	}

	var out []*entities.Payment
	for _, ref := range refs {
		p, err := r.Get(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !isExpirable(p.Status) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RedisRegistry) Close() error {
	return nil
}
