package callguard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeadLetterSink stores dead letters in Redis: the full record as a
// JSON value per letter, plus a sorted-set index scored by failure time so
// operators can page through letters in order.
type RedisDeadLetterSink struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisDeadLetterSink creates a sink writing under the given
// namespace. ttl bounds how long letters are retained; zero means no
// expiry.
func NewRedisDeadLetterSink(rdb *redis.Client, namespace string, ttl time.Duration) *RedisDeadLetterSink {
	return &RedisDeadLetterSink{
		rdb:       rdb,
		namespace: namespace,
		ttl:       ttl,
	}
}

// Key helpers
func (s *RedisDeadLetterSink) indexKey() string {
	return fmt.Sprintf("dead_letters:%s", s.namespace)
}

func (s *RedisDeadLetterSink) letterKey(id string) string {
	return fmt.Sprintf("dead_letter:%s:%s", s.namespace, id)
}

// Send implements DeadLetterSink. Failures are returned, never swallowed.
func (s *RedisDeadLetterSink) Send(ctx context.Context, letter DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := s.rdb.Set(ctx, s.letterKey(letter.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set dead letter: %w", err)
	}

	if err := s.rdb.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(letter.FailedAt.UnixMilli()),
		Member: letter.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index dead letter: %w", err)
	}

	return nil
}

// List returns up to limit letters in failure-time order, oldest first.
func (s *RedisDeadLetterSink) List(ctx context.Context, limit int64) ([]DeadLetter, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	letters := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, s.letterKey(id)).Bytes()
		if err == redis.Nil {
			// Value expired but the index entry survived; drop it.
			s.rdb.ZRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get dead letter: %w", err)
		}

		var letter DeadLetter
		if err := json.Unmarshal(data, &letter); err != nil {
			continue
		}
		letters = append(letters, letter)
	}

	return letters, nil
}

// Count returns the number of stored letters.
func (s *RedisDeadLetterSink) Count(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return count, nil
}

// Remove deletes a letter after inspection.
func (s *RedisDeadLetterSink) Remove(ctx context.Context, id string) error {
	if err := s.rdb.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove from index: %w", err)
	}
	if err := s.rdb.Del(ctx, s.letterKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}
