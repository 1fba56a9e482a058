package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// observationLinger keeps an expired observation window readable long
	// enough for the next exit pass to settle the remainder.
	observationLinger = time.Hour

	// addBudgetTTL covers the longest trading-day bracket (the US session
	// tail reaches 30 hours past its date's midnight).
	addBudgetTTL = 30 * time.Hour
)

// KVStore is the small keyed-state surface observation windows and
// add-position budgets persist through, so they survive restarts.
// Production uses RedisKV; tests substitute a map.
type KVStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get reports ok=false for a missing or expired key.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Del(ctx context.Context, key string) error
}

// RedisKV adapts a go-redis client to KVStore.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps an established redis client.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (s *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisKV) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// observationWindow is what a staged exit parks in Redis while it watches
// whether weakness persists on the remainder.
type observationWindow struct {
	Score     float64 `json:"score"`
	Quantity  int64   `json:"quantity"`
	ExpiresAt int64   `json:"expires_at"` // unix seconds
}

func (w observationWindow) expired(now time.Time) bool {
	return now.Unix() >= w.ExpiresAt
}

func (s *Service) windowKey(symbol string) string {
	return fmt.Sprintf("trading:observation:%s:%s", s.account, symbol)
}

func (s *Service) loadWindow(ctx context.Context, symbol string) (observationWindow, bool, error) {
	var win observationWindow
	raw, ok, err := s.state.Get(ctx, s.windowKey(symbol))
	if err != nil || !ok {
		return win, false, err
	}
	if err := json.Unmarshal([]byte(raw), &win); err != nil {
		return win, false, fmt.Errorf("corrupt observation window for %s: %w", symbol, err)
	}
	return win, true, nil
}

func (s *Service) saveWindow(ctx context.Context, symbol string, win observationWindow) error {
	buf, err := json.Marshal(win)
	if err != nil {
		return err
	}
	ttl := s.exits.ObservationWindow + observationLinger
	return s.state.Set(ctx, s.windowKey(symbol), string(buf), ttl)
}

func (s *Service) clearWindow(ctx context.Context, symbol string) {
	if err := s.state.Del(ctx, s.windowKey(symbol)); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("observation window clear failed")
	}
}

// addBudget counts same-day pyramid buys for one symbol.
type addBudget struct {
	Count  int   `json:"count"`
	LastAt int64 `json:"last_at"` // unix seconds of the latest add
}

func (s *Service) addKey(symbol string, day time.Time) string {
	return fmt.Sprintf("trading:addpos:%s:%s:%s", s.account, symbol, day.Format("2006-01-02"))
}

func (s *Service) loadAddBudget(ctx context.Context, symbol string, day time.Time) (addBudget, error) {
	var b addBudget
	raw, ok, err := s.state.Get(ctx, s.addKey(symbol, day))
	if err != nil || !ok {
		return b, err
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return addBudget{}, fmt.Errorf("corrupt add budget for %s: %w", symbol, err)
	}
	return b, nil
}

func (s *Service) saveAddBudget(ctx context.Context, symbol string, day time.Time, b addBudget) {
	buf, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := s.state.Set(ctx, s.addKey(symbol, day), string(buf), addBudgetTTL); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("add budget save failed")
	}
}
