package generator

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

// sweep carries the state one evaluation pass shares across symbols, so a
// scan touches the regime, the quote batch and the account once each.
type sweep struct {
	now     time.Time
	regime  strategy.Regime
	panicOn bool
	quotes  map[string]broker.Quote

	stops       map[string]*database.PositionStop
	stopsLoaded bool

	balances       []broker.AccountBalance
	balancesLoaded bool
}

// scan is one full pass: cohort refresh, entry scoring over the watchlist
// and exit scoring over holdings.
func (s *Service) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ScanInterval)
	defer cancel()

	s.iter++
	s.count(func(c *Counters) { c.Scans++ })

	sw := &sweep{now: s.now()}

	s.cohort.Refresh(ctx, sw.now)
	s.subscribeSymbols(s.cohort.PositionSymbols())

	sw.regime = s.currentRegime(ctx)
	sw.panicOn = s.panicActive()
	sw.quotes = s.fetchQuotes(ctx, sw.now)
	s.sweepStops(ctx, sw)

	for _, symbol := range s.watch.Active() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if s.vixy != nil && symbol == s.vixy.Symbol() {
			continue
		}
		if !s.hours.IsOpen(ctx, symbol, sw.now) {
			continue
		}
		s.evaluateEntry(ctx, sw, symbol)
	}

	for symbol, pos := range s.cohort.Positions() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if !s.hours.IsOpen(ctx, symbol, sw.now) {
			continue
		}
		s.evaluateExit(ctx, sw, symbol, pos)
	}

	if s.iter%pruneEvery == 0 {
		s.cohort.PruneEmitted(sw.now, emitRetention)
		s.pruneMarks(sw.now)
	}
}

// pruneMarks expires push-spacing entries and spent rescue claims.
func (s *Service) pruneMarks(now time.Time) {
	for k, t := range s.lastPush {
		if now.Sub(t) > emitRetention {
			delete(s.lastPush, k)
		}
	}
	for k, t := range s.claims {
		if now.Sub(t) > claimTTL {
			delete(s.claims, k)
		}
	}
}

// fetchQuotes pulls one quote batch covering every open watchlist and held
// symbol. Scoring falls back to candle closes for anything missing.
func (s *Service) fetchQuotes(ctx context.Context, now time.Time) map[string]broker.Quote {
	seen := map[string]bool{}
	var symbols []string
	add := func(sym string) {
		if sym == "" || seen[sym] || !s.hours.IsOpen(ctx, sym, now) {
			return
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	for _, sym := range s.watch.Active() {
		add(sym)
	}
	for sym := range s.cohort.Positions() {
		add(sym)
	}
	if len(symbols) == 0 {
		return nil
	}

	quotes, err := s.api.Quotes(ctx, symbols)
	if err != nil {
		s.logger.Warn().Err(err).Msg("quote batch failed, scoring off candle closes")
		return nil
	}
	out := make(map[string]broker.Quote, len(quotes))
	for _, q := range quotes {
		out[q.Symbol] = q
	}
	return out
}

// sweepStops loads the account's standing stops once per pass.
func (s *Service) sweepStops(ctx context.Context, sw *sweep) map[string]*database.PositionStop {
	if sw.stopsLoaded {
		return sw.stops
	}
	sw.stopsLoaded = true
	if s.store == nil {
		return nil
	}
	stops, err := s.store.ActiveStops(ctx, s.account)
	if err != nil {
		s.logger.Warn().Err(err).Msg("active stops fetch failed")
		return nil
	}
	sw.stops = stopsBySymbol(stops)
	return sw.stops
}

// sweepBalances fetches account balances lazily, at most once per pass.
func (s *Service) sweepBalances(ctx context.Context, sw *sweep) []broker.AccountBalance {
	if sw.balancesLoaded {
		return sw.balances
	}
	sw.balancesLoaded = true
	balances, err := s.api.AccountBalances(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("balance fetch failed")
		return nil
	}
	sw.balances = balances
	return balances
}

func (s *Service) priceFor(sw *sweep, symbol string, ind *market.IndicatorSet) float64 {
	if q, ok := sw.quotes[symbol]; ok && q.LastDone.IsPositive() {
		return q.LastDone.InexactFloat64()
	}
	return ind.Close
}

// evaluateEntry scores one watchlist symbol and publishes a buy when the
// score clears the bands and every dedup layer passes.
func (s *Service) evaluateEntry(ctx context.Context, sw *sweep, symbol string) {
	ind, err := s.indicatorsFor(ctx, symbol)
	if err != nil {
		if errors.Is(err, market.ErrDataShortage) {
			s.logger.Debug().Str("symbol", symbol).Msg("lookback too short, skipping")
		} else {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("indicator computation failed")
		}
		return
	}

	score := strategy.ScoreEntry(ind)
	typ, ok := score.SignalType()
	if !ok {
		return
	}
	if typ == signal.TypeWeakBuy && !s.cfg.EnableWeakBuy {
		return
	}
	if sw.panicOn {
		s.count(func(c *Counters) { c.Suppressed++ })
		s.logger.Info().Str("symbol", symbol).Float64("score", score.Total).
			Msg("entry suppressed, volatility panic active")
		return
	}
	if !s.entryAllowed(ctx, sw, symbol, typ) {
		return
	}

	price := s.priceFor(sw, symbol, ind)
	if price <= 0 {
		return
	}
	lot, err := s.lotSize(ctx, symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("lot size unavailable")
		return
	}
	if !s.fundable(ctx, sw, symbol, price, lot) {
		s.count(func(c *Counters) { c.Suppressed++ })
		return
	}

	sig := signal.New(s.account, symbol, typ, score.Total)
	sig.Price = price
	sig.Reasons = score.Reasons
	sig.Indicators = ind.Map()

	if err := s.publish(ctx, sig, "entry_scan", sw.regime); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("entry publish failed")
		return
	}
	s.cohort.MarkEmitted(symbol, string(typ), sw.now)
	s.cohort.MarkTraded(symbol)
	s.count(func(c *Counters) { c.Entries++ })
	s.logger.Info().
		Str("symbol", symbol).
		Str("type", string(typ)).
		Float64("score", score.Total).
		Float64("price", price).
		Strs("reasons", score.Reasons).
		Msg("entry signal published")
}

// entryAllowed runs the buy-side dedup ladder in order: same-side pending,
// opposite-side pending, already held, daily cap, emission cooldown.
func (s *Service) entryAllowed(ctx context.Context, sw *sweep, symbol string, typ signal.Type) bool {
	if pending, err := s.queue.HasPending(ctx, symbol, signal.SideBuy, true); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending-buy check failed")
		return false
	} else if pending {
		s.logger.Debug().Str("symbol", symbol).Msg("buy already queued")
		return false
	}
	if pending, err := s.queue.HasPending(ctx, symbol, signal.SideSell, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending-sell check failed")
		return false
	} else if pending {
		s.logger.Debug().Str("symbol", symbol).Msg("sell queued, entry blocked")
		return false
	}
	if s.cohort.Held(symbol) {
		return false
	}
	if s.buyCapReached(ctx, sw, symbol) {
		s.logger.Debug().Str("symbol", symbol).Msg("daily buy cap reached")
		return false
	}
	return s.cohort.EmitAllowed(symbol, string(typ), sw.now, s.cfg.SignalCooldown)
}

// buyCapReached applies the per-symbol daily buy cap. The in-memory mark
// answers the common single-buy case; raised caps consult the database.
func (s *Service) buyCapReached(ctx context.Context, sw *sweep, symbol string) bool {
	if !s.cohort.TradedToday(symbol) {
		return false
	}
	if s.cfg.PerSymbolDailyBuys > 1 && s.store != nil {
		day := market.TradingDate(broker.MarketOf(symbol), sw.now)
		if n, err := s.store.CountTodayBuys(ctx, s.account, symbol, day); err == nil && n < s.cfg.PerSymbolDailyBuys {
			return false
		}
	}
	return true
}

// fundable asks the broker how much of the symbol the account could buy
// right now. Signals that cannot fund a single lot are suppressed at the
// source instead of bouncing through the executor's funds retry ladder.
func (s *Service) fundable(ctx context.Context, sw *sweep, symbol string, price float64, lot int64) bool {
	est, err := s.api.EstimateMaxPurchaseQuantity(ctx, broker.EstimateMaxPurchaseQuantityRequest{
		Symbol:    symbol,
		OrderType: broker.OrderTypeLimit,
		Side:      broker.OrderSideBuy,
		Price:     decimal.NewFromFloat(price),
	})
	if err != nil {
		// Fail soft: the executor re-checks with its own sizing.
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("purchase estimate unavailable")
		return true
	}
	max := est.MarginMaxQty
	if est.CashMaxQty > max {
		max = est.CashMaxQty
	}
	if max/lot*lot >= lot {
		return true
	}

	// The margin estimate reads zero while settled cash may still cover a
	// lot. Mirror the executor's cash fallback before writing the buy off.
	currency := broker.CurrencyFor(broker.MarketOf(symbol))
	available := 0.0
	if bal := balanceWith(s.sweepBalances(ctx, sw), currency); bal != nil {
		if risk.CashFallback(bal, currency, price, lot) >= lot {
			return true
		}
		available = bal.BuyPower.InexactFloat64()
	}

	s.logger.Info().
		Str("symbol", symbol).
		Float64("required", price*float64(lot)).
		Float64("available", available).
		Msg("entry unaffordable, not queued")
	if s.notifier != nil {
		s.notifier.InsufficientFunds(ctx, symbol, currency, price*float64(lot), available)
	}
	return false
}

func balanceWith(balances []broker.AccountBalance, currency string) *broker.AccountBalance {
	for i := range balances {
		if balances[i].Currency == currency {
			return &balances[i]
		}
	}
	return nil
}
