package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

// Rotation gates for buys that cannot be funded. High-conviction entries may
// rotate against the base gap; mid-band entries must clear twice that; below
// the band rotation never triggers.
const (
	rotationAlwaysScore = 70.0
	rotationFloorScore  = 55.0
	rotationBaseGap     = 10.0

	rotationClaimTTL = time.Hour
)

type rotationCandidate struct {
	pos      broker.Position
	weakness float64
}

// tryRotation frees capital for a buy the account cannot fund: it scores
// every held position for weakness and emits a rotation sell for the weakest
// one clearing the gap the buy's conviction demands. Bounded to one attempt
// per signal so a buy cannot liquidate the book piece by piece.
func (s *Service) tryRotation(ctx context.Context, logger zerolog.Logger, sig *signal.Signal, positions []broker.Position) bool {
	if s.daily == nil {
		return false
	}
	gap, eligible := rotationGap(sig.Score)
	if !eligible {
		logger.Debug().Float64("score", sig.Score).Msg("score below rotation band")
		return false
	}
	if !s.claimRotation(sig.ID) {
		logger.Debug().Msg("rotation already attempted for this signal")
		return false
	}

	victim := s.weakestRotatable(ctx, logger, sig, positions, gap)
	if victim == nil {
		logger.Info().Msg("no position weak enough to rotate out")
		return false
	}

	rot := signal.New(s.account, victim.pos.Symbol, signal.TypeRotationSell, victim.weakness)
	rot.Quantity = victim.pos.AvailableQuantity
	rot.Reason = fmt.Sprintf("rotating out to fund %s (score %.0f vs weakness %.0f)",
		sig.Symbol, sig.Score, victim.weakness)
	if err := s.queue.Publish(ctx, rot); err != nil {
		logger.Error().Err(err).Str("victim", victim.pos.Symbol).Msg("rotation sell publish failed")
		return false
	}

	logger.Info().
		Str("victim", victim.pos.Symbol).
		Int64("quantity", rot.Quantity).
		Float64("weakness", victim.weakness).
		Msg("rotation sell emitted")
	if s.notifier != nil {
		s.notifier.SignalPublished(ctx, victim.pos.Symbol, string(signal.TypeRotationSell), victim.weakness, 0)
	}
	return true
}

// rotationGap returns the score gap a buy must hold over a victim's
// weakness, and whether the buy's score reaches the rotation band at all.
func rotationGap(score float64) (float64, bool) {
	switch {
	case score >= rotationAlwaysScore:
		return rotationBaseGap, true
	case score >= rotationFloorScore:
		return rotationBaseGap * 2, true
	}
	return 0, false
}

// claimRotation spends the signal's single rotation attempt. Claims expire
// so the map cannot grow without bound.
func (s *Service) claimRotation(id string) bool {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	now := s.now()
	for k, t := range s.rotated {
		if now.Sub(t) > rotationClaimTTL {
			delete(s.rotated, k)
		}
	}
	if _, done := s.rotated[id]; done {
		return false
	}
	s.rotated[id] = now
	return true
}

// weakestRotatable picks the weakest held position whose weakness trails the
// buy's score by at least gap. Positions already queued for a sell and the
// buy's own symbol are excluded.
func (s *Service) weakestRotatable(ctx context.Context, logger zerolog.Logger, sig *signal.Signal, positions []broker.Position, gap float64) *rotationCandidate {
	var symbols []string
	for _, pos := range positions {
		if pos.Symbol == sig.Symbol || pos.AvailableQuantity <= 0 {
			continue
		}
		symbols = append(symbols, pos.Symbol)
	}
	if len(symbols) == 0 {
		return nil
	}

	lasts := make(map[string]float64, len(symbols))
	if quotes, err := s.api.Quotes(ctx, symbols); err != nil {
		logger.Warn().Err(err).Msg("rotation quote batch failed, scoring off daily closes")
	} else {
		for _, q := range quotes {
			lasts[q.Symbol] = q.LastDone.InexactFloat64()
		}
	}

	var best *rotationCandidate
	for _, pos := range positions {
		if pos.Symbol == sig.Symbol || pos.AvailableQuantity <= 0 {
			continue
		}
		if queued, err := s.queue.HasPending(ctx, pos.Symbol, signal.SideSell, false); err == nil && queued {
			continue
		}
		weakness, err := s.weaknessFor(ctx, pos, lasts[pos.Symbol])
		if err != nil {
			logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("weakness scoring skipped")
			continue
		}
		if sig.Score-weakness < gap {
			continue
		}
		if best == nil || weakness > best.weakness {
			best = &rotationCandidate{pos: pos, weakness: weakness}
		}
	}
	return best
}

// weaknessFor scores one held position with the generator's weakness model:
// drawdown, holding age, momentum and volume fade.
func (s *Service) weaknessFor(ctx context.Context, pos broker.Position, last float64) (float64, error) {
	candles, err := s.daily.Daily(ctx, pos.Symbol)
	if err != nil {
		return 0, err
	}
	ind, err := market.ComputeIndicators(candles)
	if err != nil {
		return 0, err
	}

	price := last
	if price <= 0 {
		price = ind.Close
	}
	profitPct := 0.0
	if cost := pos.CostPrice.InexactFloat64(); cost > 0 && price > 0 {
		profitPct = (price - cost) / cost * 100
	}

	holdingDays := 0.0
	if s.store != nil {
		if stop, err := s.store.ActiveStop(ctx, s.account, pos.Symbol); err == nil && stop != nil {
			holdingDays = s.now().Sub(stop.EntryTime).Hours() / 24
		}
	}
	return strategy.WeaknessFromIndicators(ind, profitPct, holdingDays), nil
}
