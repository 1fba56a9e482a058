package risk

import (
	"context"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
)

// StatsSource aggregates closed trades for Kelly sizing. symbol narrows to
// one symbol, market to one market, both empty means account-wide.
type StatsSource interface {
	KellyStats(ctx context.Context, accountID, symbol, market string, since time.Time) (database.TradeStats, error)
}

// kellyPct returns the Kelly-derived budget fraction for a symbol, walking
// the symbol -> market -> global tiers and using the first with enough
// qualifying history. ok is false when no tier qualifies or the formula
// yields no positive edge.
func (s *Sizer) kellyPct(ctx context.Context, symbol string) (float64, bool) {
	if !s.kelly.Enabled || s.stats == nil {
		return 0, false
	}
	since := time.Now().AddDate(0, 0, -s.kelly.WindowDays)
	market := string(broker.MarketOf(symbol))

	tiers := []struct {
		name   string
		symbol string
		market string
	}{
		{"symbol", symbol, ""},
		{"market", "", market},
		{"global", "", ""},
	}
	for _, tier := range tiers {
		stats, err := s.stats.KellyStats(ctx, s.accountID, tier.symbol, tier.market, since)
		if err != nil {
			s.logger.Warn().Err(err).Str("tier", tier.name).Msg("kelly stats query failed, overlay skipped")
			return 0, false
		}
		if stats.Trades < s.kelly.MinTrades || stats.WinRate() < s.kelly.MinWinRate {
			continue
		}
		f := kellyFraction(stats)
		if f <= 0 {
			// Qualifying win rate but the payoff ratio kills the edge.
			// Skip the overlay rather than zeroing the trade on a
			// 30-day sample.
			s.logger.Debug().Str("tier", tier.name).Int("trades", stats.Trades).
				Float64("win_rate", stats.WinRate()).Msg("kelly fraction non-positive, overlay skipped")
			return 0, false
		}
		pct := f * s.kelly.Fraction
		if pct > s.kelly.MaxPct {
			pct = s.kelly.MaxPct
		}
		s.logger.Debug().Str("tier", tier.name).Int("trades", stats.Trades).
			Float64("win_rate", stats.WinRate()).Float64("kelly_pct", pct).Msg("kelly overlay applied")
		return pct, true
	}
	return 0, false
}

// kellyFraction computes f = (p*b - (1-p))/b where p is the win rate and
// b the payoff ratio avg_win/|avg_loss|.
func kellyFraction(stats database.TradeStats) float64 {
	if stats.AvgLossPct <= 0 || stats.AvgWinPct <= 0 {
		return 0
	}
	b := stats.AvgWinPct / stats.AvgLossPct
	p := stats.WinRate()
	return (p*b - (1 - p)) / b
}
