package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

// evaluateExit re-scores one held position: absolute price floors first,
// then any open observation window, then the graded exit ladder.
func (s *Service) evaluateExit(ctx context.Context, sw *sweep, symbol string, pos broker.Position) {
	ind, err := s.indicatorsFor(ctx, symbol)
	if err != nil {
		if errors.Is(err, market.ErrDataShortage) {
			s.logger.Debug().Str("symbol", symbol).Msg("lookback too short for exit scoring")
		} else {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("exit indicator computation failed")
		}
		return
	}

	score := strategy.ScoreExit(ind, sw.regime)
	price := s.priceFor(sw, symbol, ind)
	if price <= 0 {
		return
	}
	stop := s.sweepStops(ctx, sw)[symbol]

	if stop != nil && s.hardFloor(ctx, sw, symbol, pos, stop, ind, score, price) {
		return
	}
	if s.settleObservation(ctx, sw, symbol, pos, ind, score, price) {
		return
	}

	switch s.exitPolicy.ActionFor(score.Total) {
	case strategy.ExitFull:
		s.emitSell(ctx, sw, fullExitType(score, pos, price), symbol,
			pos.AvailableQuantity, score.Total, score.Reasons, ind, price, "exit_monitor")
	case strategy.ExitHalf:
		s.stagedExit(ctx, sw, signal.TypePartialExit, symbol, pos, ind, score, price, 2)
	case strategy.ExitQuarter:
		s.stagedExit(ctx, sw, signal.TypeGradualExit, symbol, pos, ind, score, price, 4)
	case strategy.ExitStrongHold:
		s.strongHold(ctx, sw, symbol, pos, stop, ind, score, price)
	}
}

// fullExitType names a full exit: death-cross overrides go out urgent,
// profitable closes as early take-profits, the rest as plain sells.
func fullExitType(score *strategy.ExitScore, pos broker.Position, price float64) signal.Type {
	if score.Override {
		return signal.TypeUrgentSell
	}
	if cost := pos.CostPrice.InexactFloat64(); cost > 0 && price > cost {
		return signal.TypeEarlyTakeProfit
	}
	return signal.TypeSell
}

// hardFloor enforces the standing stop and target. Reports true when the
// position was handled, by an emission or by raising the levels.
func (s *Service) hardFloor(ctx context.Context, sw *sweep, symbol string, pos broker.Position,
	stop *database.PositionStop, ind *market.IndicatorSet, score *strategy.ExitScore, price float64) bool {

	switch strategy.HardFloor(price, stop.StopLoss, stop.TakeProfit, score.Total) {
	case strategy.FloorStopLoss:
		reasons := append([]string{fmt.Sprintf("price %.2f through stop %.2f", price, stop.StopLoss)}, score.Reasons...)
		s.emitSell(ctx, sw, signal.TypeStopLoss, symbol, pos.AvailableQuantity, score.Total, reasons, ind, price, "exit_monitor")
		return true

	case strategy.FloorTakeProfit:
		reasons := append([]string{fmt.Sprintf("price %.2f at target %.2f", price, stop.TakeProfit)}, score.Reasons...)
		s.emitSell(ctx, sw, signal.TypeTakeProfit, symbol, pos.AvailableQuantity, score.Total, reasons, ind, price, "exit_monitor")
		return true

	case strategy.FloorSmartHold:
		// Through the target with momentum still bullish: trail the levels
		// up instead of selling.
		newTP := price * strategy.SmartHoldTakeProfitFactor
		if ok, err := s.store.RaiseStops(ctx, stop.ID, price, newTP); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("smart hold raise failed")
		} else if ok {
			s.logger.Info().
				Str("symbol", symbol).
				Float64("price", price).
				Float64("stop_loss", price).
				Float64("take_profit", newTP).
				Float64("exit_score", score.Total).
				Msg("take-profit deferred, levels raised")
		}
		return true
	}
	return false
}

// settleObservation applies an open observation window. Inside the window
// the position is left alone; at expiry a still-elevated score sends the
// remainder out. Reports true when the window decided this pass.
func (s *Service) settleObservation(ctx context.Context, sw *sweep, symbol string, pos broker.Position,
	ind *market.IndicatorSet, score *strategy.ExitScore, price float64) bool {

	if s.state == nil {
		return false
	}
	win, ok, err := s.loadWindow(ctx, symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("observation window load failed")
		return false
	}
	if !ok {
		return false
	}
	if !win.expired(sw.now) {
		return true
	}
	s.clearWindow(ctx, symbol)

	if score.Total < s.exits.RemainderThreshold {
		s.logger.Info().
			Str("symbol", symbol).
			Float64("score", score.Total).
			Float64("window_score", win.Score).
			Msg("weakness faded over observation window, holding remainder")
		return false
	}

	qty := win.Quantity
	if pos.AvailableQuantity < qty {
		qty = pos.AvailableQuantity
	}
	if qty <= 0 {
		return true
	}
	reasons := append([]string{fmt.Sprintf("weakness held through observation window (%.0f -> %.0f)", win.Score, score.Total)}, score.Reasons...)
	s.emitSell(ctx, sw, signal.TypeSmartTakeProfit, symbol, qty, score.Total, reasons, ind, price, "exit_monitor")
	return true
}

// stagedExit sells a fraction of the position and opens an observation
// window over the remainder.
func (s *Service) stagedExit(ctx context.Context, sw *sweep, typ signal.Type, symbol string,
	pos broker.Position, ind *market.IndicatorSet, score *strategy.ExitScore, price float64, div int64) {

	lot, err := s.lotSize(ctx, symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("lot size unavailable for staged exit")
		return
	}
	sell := pos.AvailableQuantity / div / lot * lot
	if sell < lot {
		s.logger.Debug().Str("symbol", symbol).Int64("available", pos.AvailableQuantity).
			Msg("position too small to stage out")
		return
	}
	if !s.emitSell(ctx, sw, typ, symbol, sell, score.Total, score.Reasons, ind, price, "exit_monitor") {
		return
	}
	if s.state == nil {
		return
	}
	win := observationWindow{
		Score:     score.Total,
		Quantity:  pos.AvailableQuantity - sell,
		ExpiresAt: sw.now.Add(s.exits.ObservationWindow).Unix(),
	}
	if err := s.saveWindow(ctx, symbol, win); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("observation window save failed")
		return
	}
	s.logger.Info().
		Str("symbol", symbol).
		Int64("remainder", win.Quantity).
		Time("expires", time.Unix(win.ExpiresAt, 0)).
		Msg("observation window opened")
}

// strongHold extends the target on a strongly bullish score and checks
// whether the dip qualifies for an add.
func (s *Service) strongHold(ctx context.Context, sw *sweep, symbol string, pos broker.Position,
	stop *database.PositionStop, ind *market.IndicatorSet, score *strategy.ExitScore, price float64) {

	if stop != nil && s.store != nil {
		if newTP := price * strategy.SmartHoldTakeProfitFactor; newTP > stop.TakeProfit {
			if _, err := s.store.RaiseStops(ctx, stop.ID, stop.StopLoss, newTP); err != nil {
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("strong hold target raise failed")
			} else {
				s.logger.Debug().Str("symbol", symbol).Float64("take_profit", newTP).Msg("target extended on strong hold")
			}
		}
	}
	s.tryAddPosition(ctx, sw, symbol, pos, ind, score, price)
}

// tryAddPosition pyramids into a winner. The regime, the unrealized profit,
// the exit assessment and a fresh entry score all have to line up, and the
// add budget throttles how often.
func (s *Service) tryAddPosition(ctx context.Context, sw *sweep, symbol string, pos broker.Position,
	ind *market.IndicatorSet, exitScore *strategy.ExitScore, price float64) {

	if !s.adds.Enabled || s.state == nil {
		return
	}
	if sw.panicOn {
		s.count(func(c *Counters) { c.Suppressed++ })
		return
	}
	cost := pos.CostPrice.InexactFloat64()
	if cost <= 0 {
		return
	}
	profitPct := (price - cost) / cost * 100

	entry := strategy.ScoreEntry(ind)
	if !s.addPolicy.Eligible(sw.regime, profitPct, exitScore.Total, entry.Total) {
		return
	}

	day := market.TradingDate(broker.MarketOf(symbol), sw.now)
	budget, err := s.loadAddBudget(ctx, symbol, day)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("add budget load failed")
		return
	}
	if s.adds.MaxAddsPerDay > 0 && budget.Count >= s.adds.MaxAddsPerDay {
		return
	}
	if budget.LastAt > 0 && sw.now.Sub(time.Unix(budget.LastAt, 0)) < s.adds.Cooldown {
		return
	}

	if pending, err := s.queue.HasPending(ctx, symbol, signal.SideBuy, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending-buy check failed")
		return
	} else if pending {
		return
	}
	if pending, err := s.queue.HasPending(ctx, symbol, signal.SideSell, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending-sell check failed")
		return
	} else if pending {
		// Never add into a position something else decided to unwind.
		return
	}
	if !s.cohort.EmitAllowed(symbol, string(signal.TypeAddPosition), sw.now, s.cfg.SignalCooldown) {
		return
	}

	lot, err := s.lotSize(ctx, symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("lot size unavailable for add")
		return
	}
	qty := int64(float64(pos.Quantity)*s.adds.AddPct) / lot * lot
	if qty < lot {
		s.logger.Debug().Str("symbol", symbol).Int64("held", pos.Quantity).Msg("add slice under one lot, skipping")
		return
	}

	sig := signal.New(s.account, symbol, signal.TypeAddPosition, entry.Total)
	sig.Price = price
	sig.Quantity = qty
	sig.Indicators = ind.Map()
	sig.Reasons = append(entry.Reasons,
		fmt.Sprintf("adding at +%.1f%% with exit score %.0f", profitPct, exitScore.Total))

	if err := s.publish(ctx, sig, "add_position", sw.regime); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("add publish failed")
		return
	}
	s.cohort.MarkEmitted(symbol, string(signal.TypeAddPosition), sw.now)
	budget.Count++
	budget.LastAt = sw.now.Unix()
	s.saveAddBudget(ctx, symbol, day, budget)
	s.count(func(c *Counters) { c.Adds++ })
	s.logger.Info().
		Str("symbol", symbol).
		Int64("quantity", qty).
		Float64("profit_pct", profitPct).
		Float64("entry_score", entry.Total).
		Float64("exit_score", exitScore.Total).
		Msg("add-position signal published")
}

// emitSell publishes one sell-family signal once the pending-sell gate and
// the emission cooldown pass. Reports whether the signal went out.
func (s *Service) emitSell(ctx context.Context, sw *sweep, typ signal.Type, symbol string, qty int64,
	score float64, reasons []string, ind *market.IndicatorSet, price float64, origin string) bool {

	if qty <= 0 {
		return false
	}
	if pending, err := s.queue.HasPending(ctx, symbol, signal.SideSell, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending-sell check failed")
		return false
	} else if pending {
		s.logger.Debug().Str("symbol", symbol).Str("type", string(typ)).Msg("sell already queued")
		return false
	}
	// Conflicting intents must never coexist in the queue; the buy clears
	// within a scan interval and the exit re-derives on the next pass.
	if pending, err := s.queue.HasPending(ctx, symbol, signal.SideBuy, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending-buy check failed")
		return false
	} else if pending {
		s.logger.Info().Str("symbol", symbol).Str("type", string(typ)).Msg("buy queued, exit deferred")
		return false
	}
	if !s.cohort.EmitAllowed(symbol, string(typ), sw.now, s.cfg.SignalCooldown) {
		return false
	}

	sig := signal.New(s.account, symbol, typ, score)
	sig.Price = price
	sig.Quantity = qty
	sig.Reasons = reasons
	if ind != nil {
		sig.Indicators = ind.Map()
	}

	if err := s.publish(ctx, sig, origin, sw.regime); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Str("type", string(typ)).Msg("sell publish failed")
		return false
	}
	s.cohort.MarkEmitted(symbol, string(typ), sw.now)
	s.count(func(c *Counters) { c.Exits++ })
	s.logger.Info().
		Str("symbol", symbol).
		Str("type", string(typ)).
		Int64("quantity", qty).
		Float64("score", score).
		Float64("price", price).
		Msg("exit signal published")
	return true
}
