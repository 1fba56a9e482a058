package generator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

// CohortTracker keeps the per-day trading cohort the dedup ladder consults:
// which symbols are held, which already bought today and when each
// (symbol, signal type) pair last went out. It is owned by the run
// goroutine and is not safe for concurrent use.
type CohortTracker struct {
	account string
	api     broker.API
	store   HistoryStore
	logger  zerolog.Logger

	positions map[string]broker.Position
	traded    map[string]bool
	tradeDay  map[broker.Market]time.Time
	emitted   map[string]time.Time
}

// NewCohortTracker builds an empty cohort for one account.
func NewCohortTracker(account string, api broker.API, store HistoryStore, logger zerolog.Logger) *CohortTracker {
	return &CohortTracker{
		account:   account,
		api:       api,
		store:     store,
		logger:    logger,
		positions: make(map[string]broker.Position),
		traded:    make(map[string]bool),
		tradeDay:  make(map[broker.Market]time.Time),
		emitted:   make(map[string]time.Time),
	}
}

// Refresh rebuilds holdings from the account snapshot and merges today's
// buys from the database and the open-order book. Marks added in memory
// since the last refresh survive (a just-published buy has no DB row yet),
// and a fetch error keeps the previous view rather than blanking it.
func (c *CohortTracker) Refresh(ctx context.Context, now time.Time) {
	c.rollTradingDay(now)

	if positions, err := c.api.StockPositions(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("position refresh failed, keeping previous snapshot")
	} else {
		fresh := make(map[string]broker.Position, len(positions))
		for _, p := range positions {
			if p.Quantity > 0 {
				fresh[p.Symbol] = p
			}
		}
		c.positions = fresh
	}

	// Database first: buys recorded by a previous process run today.
	if c.store != nil {
		days := map[time.Time]bool{}
		for _, m := range []broker.Market{broker.MarketHK, broker.MarketUS} {
			days[market.TradingDate(m, now)] = true
		}
		for day := range days {
			traded, err := c.store.TodayTradedSymbols(ctx, c.account, day)
			if err != nil {
				c.logger.Warn().Err(err).Time("day", day).Msg("traded-today query failed")
				continue
			}
			for sym := range traded {
				c.traded[sym] = true
			}
		}
	}

	// The broker order book catches fills the database has not seen yet.
	if orders, err := c.api.TodayOrders(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("today-orders fetch failed")
	} else {
		for _, o := range orders {
			if o.Side == broker.OrderSideBuy && o.Status.CountsTowardDailyBuy() {
				c.traded[o.Symbol] = true
			}
		}
	}
}

// rollTradingDay clears buy marks from a finished session. Marks are scoped
// to the market the symbol trades on, so a Hong Kong roll leaves US names
// intact through their overnight session.
func (c *CohortTracker) rollTradingDay(now time.Time) {
	for _, m := range []broker.Market{broker.MarketHK, broker.MarketUS} {
		day := market.TradingDate(m, now)
		if prev, ok := c.tradeDay[m]; ok && !prev.Equal(day) {
			for sym := range c.traded {
				if broker.MarketOf(sym) == m {
					delete(c.traded, sym)
				}
			}
		}
		c.tradeDay[m] = day
	}
}

// Held reports whether the account currently holds the symbol.
func (c *CohortTracker) Held(symbol string) bool {
	_, ok := c.positions[symbol]
	return ok
}

// Position returns the held position for a symbol.
func (c *CohortTracker) Position(symbol string) (broker.Position, bool) {
	pos, ok := c.positions[symbol]
	return pos, ok
}

// Positions exposes the holdings map. Callers must not mutate it.
func (c *CohortTracker) Positions() map[string]broker.Position {
	return c.positions
}

// PositionSymbols lists the held symbols.
func (c *CohortTracker) PositionSymbols() []string {
	out := make([]string, 0, len(c.positions))
	for sym := range c.positions {
		out = append(out, sym)
	}
	return out
}

// TradedToday reports whether the symbol already counts toward the daily
// buy cap.
func (c *CohortTracker) TradedToday(symbol string) bool {
	return c.traded[symbol]
}

// MarkTraded counts a symbol toward the daily buy cap immediately, before
// any order or database row exists for it.
func (c *CohortTracker) MarkTraded(symbol string) {
	c.traded[symbol] = true
}

// EmitAllowed reports whether the (symbol, kind) pair is outside its
// cooldown window.
func (c *CohortTracker) EmitAllowed(symbol, kind string, now time.Time, cooldown time.Duration) bool {
	last, ok := c.emitted[symbol+":"+kind]
	return !ok || now.Sub(last) >= cooldown
}

// MarkEmitted records an emission for cooldown tracking.
func (c *CohortTracker) MarkEmitted(symbol, kind string, now time.Time) {
	c.emitted[symbol+":"+kind] = now
}

// PruneEmitted drops emission marks older than keep.
func (c *CohortTracker) PruneEmitted(now time.Time, keep time.Duration) {
	for k, t := range c.emitted {
		if now.Sub(t) > keep {
			delete(c.emitted, k)
		}
	}
}

// stopsBySymbol indexes the account's standing stops for one scan pass.
func stopsBySymbol(stops []*database.PositionStop) map[string]*database.PositionStop {
	out := make(map[string]*database.PositionStop, len(stops))
	for _, st := range stops {
		out[st.Symbol] = st
	}
	return out
}
