package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Member is one sorted-set entry.
type Member struct {
	Value string
	Score float64
}

// Store is the narrow sorted-set surface the queue runs on. Production uses
// RedisStore; tests substitute an in-memory implementation.
type Store interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRem removes one member and reports whether it was present. The
	// "removed exactly one" answer is what makes claims race-safe: only
	// the caller that actually removed a member owns it.
	ZRem(ctx context.Context, key string, member string) (bool, error)
	// ZRangeWithScores returns members ordered by score ascending.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// ZRangeByScoreWithScores returns members with min <= score <= max.
	ZRangeByScoreWithScores(ctx context.Context, key string, min, max string) ([]Member, error)
	ZCard(ctx context.Context, key string) (int64, error)
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an established redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return fromRedisZ(zs), nil
}

func (s *RedisStore) ZRangeByScoreWithScores(ctx context.Context, key string, min, max string) ([]Member, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return fromRedisZ(zs), nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func fromRedisZ(zs []redis.Z) []Member {
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		v, _ := z.Member.(string)
		out = append(out, Member{Value: v, Score: z.Score})
	}
	return out
}
