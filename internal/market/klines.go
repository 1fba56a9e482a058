package market

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
)

// optionSymbolPattern matches listed option codes, which have no daily-bar
// history worth syncing (e.g. "TSLA240816C220.US").
var optionSymbolPattern = regexp.MustCompile(`^[A-Z]+\d{6}[CP]\d+\.(US|HK|SH|SZ)$`)

// IsOptionSymbol reports whether symbol is an option code.
func IsOptionSymbol(symbol string) bool {
	return optionSymbolPattern.MatchString(symbol)
}

// KlineStore is the cache side of the hybrid loader, implemented by the
// database repository.
type KlineStore interface {
	KlineRange(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error)
	UpsertKlines(ctx context.Context, symbol string, candles []Candle) (int, error)
	KlineCount(ctx context.Context, symbol string) (int, error)
}

// LoaderConfig tunes the hybrid loader windows.
type LoaderConfig struct {
	HistoryDays int // DB tail length
	LatestDays  int // live API head length
	SyncDays    int // full-sync length when the cache is thin
}

// DefaultLoaderConfig returns production loader settings.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{HistoryDays: 90, LatestDays: 3, SyncDays: 100}
}

// Loader assembles daily-bar history from the DB cache plus the last few days
// from the live API, the API winning on date overlap. With a nil store it
// degrades to API-only loads.
type Loader struct {
	api    broker.QuoteAPI
	store  KlineStore
	cfg    LoaderConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewLoader builds the hybrid loader. store may be nil (USE_DB_KLINES=false).
func NewLoader(api broker.QuoteAPI, store KlineStore, cfg LoaderConfig, logger zerolog.Logger) *Loader {
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 90
	}
	if cfg.LatestDays <= 0 {
		cfg.LatestDays = 3
	}
	if cfg.SyncDays <= 0 {
		cfg.SyncDays = 100
	}
	return &Loader{
		api:    api,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "kline-loader").Logger(),
		now:    time.Now,
	}
}

// Daily returns at least MinCandles ascending daily bars for symbol, or
// ErrDataShortage when the symbol has too little history this iteration.
func (l *Loader) Daily(ctx context.Context, symbol string) ([]Candle, error) {
	if l.store == nil {
		return l.apiOnly(ctx, symbol)
	}

	merged, err := l.loadHybrid(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(merged) >= MinCandles {
		return merged, nil
	}

	// Thin cache: pull a full window into the DB once, then re-read.
	// Options are skipped; their history is not syncable.
	if !IsOptionSymbol(symbol) {
		if _, err := l.Sync(ctx, symbol); err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("kline sync failed")
			return l.apiOnly(ctx, symbol)
		}
		if merged, err = l.loadHybrid(ctx, symbol); err != nil {
			return nil, err
		}
	}
	if len(merged) < MinCandles {
		return nil, fmt.Errorf("%w: %s has %d bars", ErrDataShortage, symbol, len(merged))
	}
	return merged, nil
}

// loadHybrid reads the DB tail and the API head and merges them.
func (l *Loader) loadHybrid(ctx context.Context, symbol string) ([]Candle, error) {
	loc := locationFor(symbol)
	today := l.now().In(loc)

	dbRows, err := l.store.KlineRange(ctx, symbol,
		today.AddDate(0, 0, -l.cfg.HistoryDays),
		today.AddDate(0, 0, -l.cfg.LatestDays))
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("kline cache read failed, using api only")
		return l.apiOnly(ctx, symbol)
	}

	// LatestDays is calendar days; ask for a few extra bars to cover
	// weekends and holidays inside the window.
	apiBars, err := l.api.Candlesticks(ctx, symbol, broker.PeriodDay, l.cfg.LatestDays+2)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest candles for %s: %w", symbol, err)
	}

	return MergeCandles(dbRows, convertBars(apiBars, loc)), nil
}

// apiOnly loads the whole window from the API in a single call.
func (l *Loader) apiOnly(ctx context.Context, symbol string) ([]Candle, error) {
	bars, err := l.api.Candlesticks(ctx, symbol, broker.PeriodDay, l.cfg.SyncDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load candles for %s: %w", symbol, err)
	}
	candles := convertBars(bars, locationFor(symbol))
	if len(candles) < MinCandles {
		return nil, fmt.Errorf("%w: %s has %d bars", ErrDataShortage, symbol, len(candles))
	}
	sortCandles(candles)
	return candles, nil
}

// Sync pulls a full SyncDays window from the API into the DB cache. Options
// and storeless loaders are no-ops. Returns the number of rows written.
func (l *Loader) Sync(ctx context.Context, symbol string) (int, error) {
	if l.store == nil || IsOptionSymbol(symbol) {
		return 0, nil
	}
	bars, err := l.api.Candlesticks(ctx, symbol, broker.PeriodDay, l.cfg.SyncDays)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch sync window for %s: %w", symbol, err)
	}
	written, err := l.store.UpsertKlines(ctx, symbol, convertBars(bars, locationFor(symbol)))
	if err != nil {
		return written, err
	}
	l.logger.Info().Str("symbol", symbol).Int("bars", written).Msg("kline history synced")
	return written, nil
}

// NeedsSync reports whether the DB cache is too thin to serve symbol.
func (l *Loader) NeedsSync(ctx context.Context, symbol string) (bool, error) {
	if l.store == nil || IsOptionSymbol(symbol) {
		return false, nil
	}
	n, err := l.store.KlineCount(ctx, symbol)
	if err != nil {
		return false, err
	}
	return n < MinCandles, nil
}

// MergeCandles unions two bar sets by calendar date, the override set winning
// on collision, ascending by date. Both inputs are left untouched; merging is
// idempotent and order-independent within each set.
func MergeCandles(base, override []Candle) []Candle {
	byDate := make(map[string]Candle, len(base)+len(override))
	for _, c := range base {
		byDate[c.DateKey()] = c
	}
	for _, c := range override {
		byDate[c.DateKey()] = c
	}
	out := make([]Candle, 0, len(byDate))
	for _, c := range byDate {
		out = append(out, c)
	}
	sortCandles(out)
	return out
}

func sortCandles(candles []Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Date.Before(candles[j].Date)
	})
}

func convertBars(bars []broker.Candlestick, loc *time.Location) []Candle {
	out := make([]Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, FromCandlestick(b, loc))
	}
	return out
}

// locationFor returns the exchange-local timezone used to collapse bar
// timestamps to trading dates.
func locationFor(symbol string) *time.Location {
	if broker.MarketOf(symbol) == broker.MarketUS {
		return newYork
	}
	return Beijing
}

var newYork = mustLoadNewYork()

func mustLoadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}
