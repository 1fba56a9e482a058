package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

// Regime is the broad market state buys are sized against.
type Regime string

const (
	RegimeBull  Regime = "BULL"
	RegimeBear  Regime = "BEAR"
	RegimeRange Regime = "RANGE"
)

// BudgetScale is the position-budget multiplier for the regime.
func (r Regime) BudgetScale() float64 {
	switch r {
	case RegimeBull:
		return 1.0
	case RegimeBear:
		return 0.4
	}
	return 0.7
}

// ExitOverlay is the adjustment added to every exit score under the regime:
// a bear market makes exits easier, a bull market harder.
func (r Regime) ExitOverlay() float64 {
	switch r {
	case RegimeBear:
		return 15
	case RegimeBull:
		return -10
	}
	return 0
}

// Vote thresholds on the share of index symbols trading above their MA200.
const (
	bullVoteRatio = 0.60
	bearVoteRatio = 0.40
)

// regimeMAWindow is the number of daily bars behind each index vote.
const regimeMAWindow = 200

// IndexSource loads daily history for regime index symbols. The kline
// loader satisfies it.
type IndexSource interface {
	Daily(ctx context.Context, symbol string) ([]market.Candle, error)
}

// SessionGate narrows index selection to the market currently trading.
// market.Hours satisfies it.
type SessionGate interface {
	MarketOpen(ctx context.Context, m broker.Market, t time.Time) bool
}

// RegimeConfig configures the classifier.
type RegimeConfig struct {
	// IndexSymbols vote on the regime. Defaults to HSI.HK, QQQ.US, SPY.US.
	IndexSymbols []string
	// InverseSymbols vote positive when BELOW their MA200 (volatility
	// products move against the market).
	InverseSymbols map[string]bool
	// CacheTTL bounds how often votes are recomputed. Default 10 minutes.
	CacheTTL time.Duration
}

// RegimeClassifier derives the market regime from MA200 votes across a set
// of index symbols, scoped to whichever market is in session.
type RegimeClassifier struct {
	source IndexSource
	gate   SessionGate
	cfg    RegimeConfig
	logger zerolog.Logger

	mu       sync.Mutex
	cached   Regime
	cachedAt time.Time

	now func() time.Time
}

// NewRegimeClassifier builds a classifier. gate may be nil, in which case
// every configured index always votes.
func NewRegimeClassifier(source IndexSource, gate SessionGate, cfg RegimeConfig, logger zerolog.Logger) *RegimeClassifier {
	if len(cfg.IndexSymbols) == 0 {
		cfg.IndexSymbols = []string{"HSI.HK", "QQQ.US", "SPY.US"}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &RegimeClassifier{
		source: source,
		gate:   gate,
		cfg:    cfg,
		logger: logger.With().Str("component", "regime").Logger(),
		now:    time.Now,
	}
}

// Current returns the regime, recomputing when the cached value is older
// than the configured TTL. Safe for concurrent use.
func (c *RegimeClassifier) Current(ctx context.Context) Regime {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != "" && now.Sub(c.cachedAt) < c.cfg.CacheTTL {
		return c.cached
	}

	regime := c.classify(ctx, now)
	c.cached = regime
	c.cachedAt = now
	return regime
}

// Invalidate drops the cached value so the next Current recomputes.
func (c *RegimeClassifier) Invalidate() {
	c.mu.Lock()
	c.cached = ""
	c.mu.Unlock()
}

func (c *RegimeClassifier) classify(ctx context.Context, now time.Time) Regime {
	symbols := c.activeIndexes(ctx, now)

	votes := 0
	positive := 0
	for _, sym := range symbols {
		candles, err := c.source.Daily(ctx, sym)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", sym).Msg("regime index history unavailable")
			continue
		}
		if len(candles) < regimeMAWindow {
			c.logger.Debug().Str("symbol", sym).Int("bars", len(candles)).Msg("regime index history too short")
			continue
		}
		ma := market.CalculateSMA(candles, regimeMAWindow)
		if ma <= 0 {
			continue
		}
		lastClose := candles[len(candles)-1].Close
		aboveMA := lastClose >= ma
		if c.cfg.InverseSymbols[sym] {
			aboveMA = !aboveMA
		}
		votes++
		if aboveMA {
			positive++
		}
	}

	if votes == 0 {
		c.logger.Warn().Msg("no regime votes available, defaulting to RANGE")
		return RegimeRange
	}

	ratio := float64(positive) / float64(votes)
	regime := RegimeRange
	switch {
	case ratio >= bullVoteRatio:
		regime = RegimeBull
	case ratio <= bearVoteRatio:
		regime = RegimeBear
	}
	c.logger.Info().
		Str("regime", string(regime)).
		Int("positive", positive).
		Int("votes", votes).
		Msg("market regime classified")
	return regime
}

// activeIndexes picks the voting set for the session: HK hours vote with HK
// indexes only, US hours with US indexes only, and everything votes when
// neither (or both somehow) is in session or when filtering would leave
// nothing.
func (c *RegimeClassifier) activeIndexes(ctx context.Context, now time.Time) []string {
	if c.gate == nil {
		return c.cfg.IndexSymbols
	}
	hkOpen := c.gate.MarketOpen(ctx, broker.MarketHK, now)
	usOpen := c.gate.MarketOpen(ctx, broker.MarketUS, now)

	var want broker.Market
	switch {
	case hkOpen && !usOpen:
		want = broker.MarketHK
	case usOpen && !hkOpen:
		want = broker.MarketUS
	default:
		return c.cfg.IndexSymbols
	}

	var filtered []string
	for _, sym := range c.cfg.IndexSymbols {
		if broker.MarketOf(sym) == want {
			filtered = append(filtered, sym)
		}
	}
	if len(filtered) == 0 {
		return c.cfg.IndexSymbols
	}
	return filtered
}
