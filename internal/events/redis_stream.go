package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	Stream = "payment_events"
	Group  = "payment_notifiers"

	streamMaxLen = 100000
	reclaimIdle  = 30 * time.Second
)

// RedisStream publishes events to a Redis stream and consumes them through a
// consumer group, so side effects survive a server restart.
type RedisStream struct {
	rdb    *redis.Client
	logger *slog.Logger
	block  time.Duration
}

func NewRedisStream(rdb *redis.Client, logger *slog.Logger) *RedisStream {
	return &RedisStream{rdb: rdb, logger: logger, block: 2 * time.Second}
}

func (s *RedisStream) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"reference": e.Reference, "event": string(payload)},
	}).Err()
	return errors.Wrapf(err, "publish event for %s", e.Reference)
}

func (s *RedisStream) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, Stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "create consumer group")
	}
	return nil
}

// Consume reads events as consumer until ctx is cancelled. Events are acked
// only after h succeeds; failed ones stay pending and are reclaimed once idle.
func (s *RedisStream) Consume(ctx context.Context, consumer string, h Handler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.Info("consuming payment events", "stream", Stream, "group", Group, "consumer", consumer)

	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		entries, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: consumer,
			Streams:  []string{Stream, ">"},
			Block:    s.block,
			Count:    100,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
		case err != nil:
			s.logger.Error("read payment events", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			for _, msg := range entry.Messages {
				s.handle(ctx, msg, h)
			}
		}

		if time.Since(lastReclaim) >= reclaimIdle {
			s.reclaim(ctx, consumer, h)
			lastReclaim = time.Now()
		}
	}
}

func (s *RedisStream) reclaim(ctx context.Context, consumer string, h Handler) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   Stream,
		Group:    Group,
		Consumer: consumer,
		MinIdle:  reclaimIdle,
		Start:    "0",
		Count:    100,
	}).Result()
	if err != nil {
		s.logger.Warn("reclaim payment events", "error", err)
		return
	}
	for _, msg := range msgs {
		s.handle(ctx, msg, h)
	}
}

func (s *RedisStream) handle(ctx context.Context, msg redis.XMessage, h Handler) {
	raw, _ := msg.Values["event"].(string)
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Error("dropping malformed payment event", "id", msg.ID, "error", err)
		s.rdb.XAck(ctx, Stream, Group, msg.ID)
		return
	}
	if err := h(ctx, e); err != nil {
		s.logger.Warn("payment event handler failed", "id", msg.ID, "reference", e.Reference, "error", err)
		return
	}
	if err := s.rdb.XAck(ctx, Stream, Group, msg.ID).Err(); err != nil {
		s.logger.Warn("ack payment event", "id", msg.ID, "error", err)
	}
}
