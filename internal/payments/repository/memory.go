package repository

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"payment-relay/internal/payments/entities"
)

const shardCount = 256

type paymentShard struct {
	sync.RWMutex
	store map[string]*entities.Payment
}

type keyShard struct {
	sync.Mutex
	refs map[string]string
}

// MemoryRegistry keeps payments in process memory. Locking is per shard so
// unrelated references rarely contend.
type MemoryRegistry struct {
	shards [shardCount]*paymentShard
	keys   [shardCount]*keyShard
}

func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{}
	for i := 0; i < shardCount; i++ {
		r.shards[i] = &paymentShard{store: make(map[string]*entities.Payment, 64)}
		r.keys[i] = &keyShard{refs: make(map[string]string)}
	}
	return r
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (r *MemoryRegistry) shard(reference string) *paymentShard {
	return r.shards[shardIndex(reference)]
}

func (r *MemoryRegistry) Insert(_ context.Context, p *entities.Payment) error {
	if err := validateNew(p); err != nil {
		return err
	}

	if p.IdempotencyKey != "" {
		ks := r.keys[shardIndex(p.IdempotencyKey)]
		ks.Lock()
		if _, taken := ks.refs[p.IdempotencyKey]; taken {
			ks.Unlock()
			return errors.Wrapf(ErrDuplicate, "idempotency key %s", p.IdempotencyKey)
		}
		ks.refs[p.IdempotencyKey] = p.Reference
		ks.Unlock()
	}

	s := r.shard(p.Reference)
	s.Lock()
	if _, exists := s.store[p.Reference]; exists {
		s.Unlock()
		r.releaseKey(p.IdempotencyKey)
		return errors.Wrapf(ErrDuplicate, "reference %s", p.Reference)
	}
	s.store[p.Reference] = p.Clone()
	s.Unlock()
	return nil
}

func (r *MemoryRegistry) releaseKey(key string) {
	if key == "" {
		return
	}
	ks := r.keys[shardIndex(key)]
	ks.Lock()
	delete(ks.refs, key)
	ks.Unlock()
}

func (r *MemoryRegistry) Get(_ context.Context, reference string) (*entities.Payment, error) {
	s := r.shard(reference)
	s.RLock()
	defer s.RUnlock()

	p, ok := s.store[reference]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, reference)
	}
	return p.Clone(), nil
}

func (r *MemoryRegistry) FindByIdempotencyKey(ctx context.Context, key string) (*entities.Payment, error) {
	ks := r.keys[shardIndex(key)]
	ks.Lock()
	ref, ok := ks.refs[key]
	ks.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "idempotency key %s", key)
	}
	return r.Get(ctx, ref)
}

func (r *MemoryRegistry) Transition(_ context.Context, reference string, to entities.Status, f entities.TransitionFields) (*entities.Payment, error) {
	s := r.shard(reference)
	s.Lock()
	defer s.Unlock()

	p, ok := s.store[reference]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, reference)
	}

	next := p.Clone()
	if err := transition(next, to, f, time.Now()); err != nil {
		return p.Clone(), err
	}
	s.store[reference] = next
	return next.Clone(), nil
}

func (r *MemoryRegistry) ListExpirable(_ context.Context, createdBefore time.Time, limit int) ([]*entities.Payment, error) {
	var out []*entities.Payment
	for _, s := range r.shards {
		s.RLock()
		for _, p := range s.store {
			if isExpirable(p.Status) && p.CreatedAt.Before(createdBefore) {
				out = append(out, p.Clone())
			}
		}
		s.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRegistry) Close() error { return nil }
