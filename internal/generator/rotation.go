package generator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

const (
	// preCloseWeakness is the floor a holding's weakness must clear before
	// the pre-close sweep will rotate it out. Without it every session end
	// would trim perfectly healthy positions.
	preCloseWeakness = 60.0

	// claimTTL bounds how long a stuck buy's spent rescue attempt is
	// remembered.
	claimTTL = time.Hour
)

// rotationCandidate is one holding weighed for rotation.
type rotationCandidate struct {
	symbol   string
	pos      broker.Position
	weakness float64
	ind      *market.IndicatorSet
	price    float64
}

// rotationSweep runs on the short ticker: trim tired holdings inside the
// pre-close windows, then try to fund stuck high-conviction buys.
func (s *Service) rotationSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ScanInterval)
	defer cancel()

	now := s.now()
	if !s.hours.AnyActive(ctx, now) {
		return
	}
	sw := &sweep{now: now, regime: s.currentRegime(ctx), panicOn: s.panicActive()}

	s.preCloseRotation(ctx, sw)
	s.recoverStuckBuys(ctx, sw)
}

// preCloseRotation sells the weakest holdings during the last minutes of a
// session so the capital is free when the next market opens.
func (s *Service) preCloseRotation(ctx context.Context, sw *sweep) {
	active := map[broker.Market]bool{}
	for _, m := range []broker.Market{broker.MarketHK, broker.MarketUS} {
		if s.hours.InPreClose(ctx, m, sw.now) {
			active[m] = true
		}
	}
	if len(active) == 0 {
		return
	}

	var cands []rotationCandidate
	for symbol, pos := range s.cohort.Positions() {
		if !active[broker.MarketOf(symbol)] || pos.AvailableQuantity <= 0 {
			continue
		}
		cand, err := s.weighPosition(ctx, sw, symbol, pos)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("weakness scoring skipped")
			continue
		}
		if cand.weakness < preCloseWeakness {
			continue
		}
		cands = append(cands, cand)
	}
	if len(cands) == 0 {
		return
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].weakness > cands[j].weakness })
	sold := 0
	for _, cand := range cands {
		if sold >= s.rot.MaxSellsPerRun {
			break
		}
		if s.emitRotationSell(ctx, sw, cand, "pre-close weakness") {
			sold++
		}
	}
}

// recoverStuckBuys funds delayed or failed high-score buys by rotating out
// a weaker holding, then returns the stuck signal to the live queue. Each
// stuck signal gets exactly one rescue attempt.
func (s *Service) recoverStuckBuys(ctx context.Context, sw *sweep) {
	delayed, err := s.queue.DelayedSignals(ctx, s.rotPolicy.MinSignalScore, s.rot.StuckBuyMaxAge)
	if err != nil {
		s.logger.Warn().Err(err).Msg("delayed-signal scan failed")
	}
	failed, err := s.queue.FailedSignals(ctx, s.rotPolicy.MinSignalScore, s.rot.StuckBuyMaxAge)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed-signal scan failed")
	}
	if len(delayed)+len(failed) == 0 {
		return
	}

	type stuckBuy struct {
		sig    *signal.Signal
		parked bool // true when in the failed set rather than delayed
	}
	var stuck []stuckBuy
	for _, sig := range delayed {
		if sig.Type.IsBuy() {
			stuck = append(stuck, stuckBuy{sig: sig})
		}
	}
	for _, sig := range failed {
		if sig.Type.IsBuy() {
			stuck = append(stuck, stuckBuy{sig: sig, parked: true})
		}
	}

	for _, sb := range stuck {
		if _, spent := s.claims[sb.sig.ID]; spent {
			continue
		}
		// The attempt is spent whether or not a victim turns up, so one
		// stuck buy cannot grind the book down sweep after sweep.
		s.claims[sb.sig.ID] = sw.now

		if s.cohort.Held(sb.sig.Symbol) {
			continue
		}
		victim, ok := s.rotationVictim(ctx, sw, sb.sig)
		if !ok {
			s.logger.Info().Str("symbol", sb.sig.Symbol).Float64("score", sb.sig.Score).
				Msg("no holding weak enough to fund stuck buy")
			continue
		}
		if !s.emitRotationSell(ctx, sw, victim, fmt.Sprintf("funding stuck %s (score %.0f)", sb.sig.Symbol, sb.sig.Score)) {
			continue
		}

		var woke bool
		if sb.parked {
			woke, err = s.queue.RecoverSignal(ctx, sb.sig)
		} else {
			woke, err = s.queue.WakeSignal(ctx, sb.sig)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", sb.sig.Symbol).Msg("stuck buy wake failed")
			continue
		}
		if woke {
			s.count(func(c *Counters) { c.Recovered++ })
			s.logger.Info().
				Str("symbol", sb.sig.Symbol).
				Str("victim", victim.symbol).
				Bool("from_failed", sb.parked).
				Msg("stuck buy recovered")
		}
	}
}

// rotationVictim picks the weakest sellable holding that trails the stuck
// buy's score by the policy gap.
func (s *Service) rotationVictim(ctx context.Context, sw *sweep, stuck *signal.Signal) (rotationCandidate, bool) {
	var best rotationCandidate
	found := false
	for symbol, pos := range s.cohort.Positions() {
		if symbol == stuck.Symbol || pos.AvailableQuantity <= 0 {
			continue
		}
		if !s.hours.IsOpen(ctx, symbol, sw.now) {
			continue
		}
		cand, err := s.weighPosition(ctx, sw, symbol, pos)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("weakness scoring skipped")
			continue
		}
		if !s.rotPolicy.ShouldRotate(stuck.Score, cand.weakness) {
			continue
		}
		if !found || cand.weakness > best.weakness {
			best = cand
			found = true
		}
	}
	return best, found
}

// weighPosition prices one holding and scores how tired it looks.
func (s *Service) weighPosition(ctx context.Context, sw *sweep, symbol string, pos broker.Position) (rotationCandidate, error) {
	ind, err := s.indicatorsFor(ctx, symbol)
	if err != nil {
		return rotationCandidate{}, err
	}
	price := s.rotationPrice(ctx, sw, symbol, ind)

	profitPct := 0.0
	if cost := pos.CostPrice.InexactFloat64(); cost > 0 && price > 0 {
		profitPct = (price - cost) / cost * 100
	}
	holdingDays := 0.0
	if stop := s.sweepStops(ctx, sw)[symbol]; stop != nil && !stop.EntryTime.IsZero() {
		holdingDays = sw.now.Sub(stop.EntryTime).Hours() / 24
	}

	return rotationCandidate{
		symbol:   symbol,
		pos:      pos,
		weakness: strategy.WeaknessFromIndicators(ind, profitPct, holdingDays),
		ind:      ind,
		price:    price,
	}, nil
}

// rotationPrice quotes the symbol on demand. Rotation passes skip the scan's
// batch, so holdings are priced one by one, falling back to the last close.
func (s *Service) rotationPrice(ctx context.Context, sw *sweep, symbol string, ind *market.IndicatorSet) float64 {
	if q, ok := sw.quotes[symbol]; ok && q.LastDone.IsPositive() {
		return q.LastDone.InexactFloat64()
	}
	if quotes, err := s.api.Quotes(ctx, []string{symbol}); err == nil && len(quotes) > 0 && quotes[0].LastDone.IsPositive() {
		if sw.quotes == nil {
			sw.quotes = make(map[string]broker.Quote)
		}
		sw.quotes[symbol] = quotes[0]
		return quotes[0].LastDone.InexactFloat64()
	}
	return ind.Close
}

// emitRotationSell publishes a full-position rotation sell with the usual
// sell gates applied.
func (s *Service) emitRotationSell(ctx context.Context, sw *sweep, cand rotationCandidate, why string) bool {
	if pending, err := s.queue.HasPending(ctx, cand.symbol, signal.SideSell, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", cand.symbol).Msg("pending-sell check failed")
		return false
	} else if pending {
		return false
	}
	if pending, err := s.queue.HasPending(ctx, cand.symbol, signal.SideBuy, false); err != nil {
		s.logger.Warn().Err(err).Str("symbol", cand.symbol).Msg("pending-buy check failed")
		return false
	} else if pending {
		s.logger.Info().Str("symbol", cand.symbol).Msg("buy queued, rotation sell deferred")
		return false
	}
	if !s.cohort.EmitAllowed(cand.symbol, string(signal.TypeRotationSell), sw.now, s.cfg.SignalCooldown) {
		return false
	}

	sig := signal.New(s.account, cand.symbol, signal.TypeRotationSell, cand.weakness)
	sig.Price = cand.price
	sig.Quantity = cand.pos.AvailableQuantity
	sig.Reason = why
	if cand.ind != nil {
		sig.Indicators = cand.ind.Map()
	}

	if err := s.publish(ctx, sig, "rotation", sw.regime); err != nil {
		s.logger.Error().Err(err).Str("symbol", cand.symbol).Msg("rotation sell publish failed")
		return false
	}
	s.cohort.MarkEmitted(cand.symbol, string(signal.TypeRotationSell), sw.now)
	s.count(func(c *Counters) { c.Rotations++ })
	s.logger.Info().
		Str("symbol", cand.symbol).
		Int64("quantity", sig.Quantity).
		Float64("weakness", cand.weakness).
		Str("reason", why).
		Msg("rotation sell published")
	return true
}
