package generator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

const (
	// indexDepth is the lookback the 200-day average votes need.
	indexDepth = 200

	// indexSyncRetry spaces deepening attempts per symbol, so an index with
	// a genuinely short listing history is not re-synced every vote.
	indexSyncRetry = 6 * time.Hour
)

// IndexHistory serves the long daily lookbacks the regime classifier and
// the volatility monitor consume. When a symbol's stored history is shorter
// than the 200-bar window it deepens storage through the loader's sync,
// throttled per symbol. Safe for concurrent use; regime votes can fire from
// the ops goroutine as well as the run loop.
type IndexHistory struct {
	klines KlineSource
	logger zerolog.Logger

	mu    sync.Mutex
	tried map[string]time.Time

	now func() time.Time
}

var (
	_ strategy.IndexSource = (*IndexHistory)(nil)
	_ risk.MA200Source     = (*IndexHistory)(nil)
)

// NewIndexHistory wraps a kline source. Wire it to a loader configured with
// a deeper window than the scan loader; the default 90-day window can never
// reach 200 bars.
func NewIndexHistory(klines KlineSource, logger zerolog.Logger) *IndexHistory {
	return &IndexHistory{
		klines: klines,
		logger: logger.With().Str("component", "index_history").Logger(),
		tried:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Daily returns the symbol's daily bars, deepening storage once per retry
// window while the lookback is short of the 200-bar target.
func (h *IndexHistory) Daily(ctx context.Context, symbol string) ([]market.Candle, error) {
	candles, err := h.klines.Daily(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(candles) >= indexDepth || !h.claimSync(symbol) {
		return candles, nil
	}

	if _, err := h.klines.Sync(ctx, symbol); err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Int("bars", len(candles)).
			Msg("index history deepen failed")
		return candles, nil
	}
	deeper, err := h.klines.Daily(ctx, symbol)
	if err != nil {
		return candles, nil
	}
	h.logger.Debug().Str("symbol", symbol).Int("bars", len(deeper)).Msg("index history deepened")
	return deeper, nil
}

// MA200 is the 200-day simple moving average of closes.
func (h *IndexHistory) MA200(ctx context.Context, symbol string) (float64, error) {
	candles, err := h.Daily(ctx, symbol)
	if err != nil {
		return 0, err
	}
	ma := market.CalculateSMA(candles, indexDepth)
	if ma <= 0 {
		return 0, fmt.Errorf("history too short for %s ma200: %d bars", symbol, len(candles))
	}
	return ma, nil
}

// claimSync spends the symbol's deepening attempt for the current window.
func (h *IndexHistory) claimSync(symbol string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.tried[symbol]; ok && h.now().Sub(last) < indexSyncRetry {
		return false
	}
	h.tried[symbol] = h.now()
	return true
}
