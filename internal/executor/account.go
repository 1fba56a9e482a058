package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
)

// rateLimitTTLBoost is how long the cache window stretches after the broker
// rate-limits us. Stale truth beats a banned key.
const rateLimitTTLBoost = 3 * time.Minute

// AccountCache serves balances and positions from a per-worker snapshot so
// each worker calls the account endpoints at most once per TTL window.
// Sells and buys force the next read to refresh; broker errors degrade to
// the stale snapshot instead of failing the signal.
type AccountCache struct {
	api    broker.TradeAPI
	ttl    time.Duration
	logger zerolog.Logger

	mu         sync.Mutex
	balances   []broker.AccountBalance
	positions  []broker.Position
	fetchedAt  time.Time
	dirty      bool
	boostUntil time.Time

	now func() time.Time
}

// NewAccountCache builds a cache around the trade API.
func NewAccountCache(api broker.TradeAPI, ttl time.Duration, logger zerolog.Logger) *AccountCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AccountCache{
		api:    api,
		ttl:    ttl,
		logger: logger.With().Str("component", "account_cache").Logger(),
		now:    time.Now,
	}
}

// State returns balances and positions, refreshing when the snapshot is
// older than the TTL or a trade marked it dirty. On refresh failure the
// previous snapshot is returned if one exists.
func (c *AccountCache) State(ctx context.Context) ([]broker.AccountBalance, []broker.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stale() {
		return c.balances, c.positions, nil
	}

	if err := c.refresh(ctx); err != nil {
		if c.fetchedAt.IsZero() {
			return nil, nil, err
		}
		c.logger.Warn().Err(err).
			Dur("age", c.now().Sub(c.fetchedAt)).
			Msg("account refresh failed, serving stale snapshot")
	}
	return c.balances, c.positions, nil
}

// MarkDirty forces the next State call to refresh. Called after fills so the
// next signal sees freed or spent capital.
func (c *AccountCache) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// ForceRefresh refreshes immediately, ignoring the TTL.
func (c *AccountCache) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refresh(ctx)
}

// InflateTTL stretches the cache window after a broker rate limit.
func (c *AccountCache) InflateTTL() {
	c.mu.Lock()
	c.boostUntil = c.now().Add(rateLimitTTLBoost)
	c.mu.Unlock()
	c.logger.Warn().Dur("boost", rateLimitTTLBoost).Msg("account cache TTL inflated after rate limit")
}

// Age returns how old the current snapshot is.
func (c *AccountCache) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchedAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.fetchedAt)
}

func (c *AccountCache) stale() bool {
	if c.dirty || c.fetchedAt.IsZero() {
		return true
	}
	ttl := c.ttl
	if c.now().Before(c.boostUntil) {
		ttl = rateLimitTTLBoost
	}
	return c.now().Sub(c.fetchedAt) >= ttl
}

// refresh is called with the mutex held.
func (c *AccountCache) refresh(ctx context.Context) error {
	balances, err := c.api.AccountBalances(ctx)
	if err != nil {
		return err
	}
	positions, err := c.api.StockPositions(ctx)
	if err != nil {
		return err
	}

	c.balances = balances
	c.positions = positions
	c.fetchedAt = c.now()
	c.dirty = false

	c.warnCrossCurrencyDebt(balances)
	return nil
}

// warnCrossCurrencyDebt flags the confusing broker state where a currency
// shows positive cash but negative buy power: margin debt in another
// currency is collateralized against this one. Diagnostic only.
func (c *AccountCache) warnCrossCurrencyDebt(balances []broker.AccountBalance) {
	for i := range balances {
		bal := &balances[i]
		cash, _ := bal.AvailableCash(bal.Currency).Float64()
		bp, _ := bal.BuyPower.Float64()
		if cash > 0 && bp < 0 {
			c.logger.Warn().
				Str("currency", bal.Currency).
				Float64("cash", cash).
				Float64("buy_power", bp).
				Msg("positive cash with negative buy power: likely cross-currency margin debt")
		}
	}
}

// PositionFor returns the held position for a symbol, nil when not held.
func PositionFor(positions []broker.Position, symbol string) *broker.Position {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i]
		}
	}
	return nil
}
