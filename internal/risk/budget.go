// Package risk sizes BUY orders from the signal score, the market regime
// and the account's measured edge, and watches VIXY for market-wide panic.
package risk

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

// MaxBudgetPct is the hard ceiling on any single position, as a fraction of
// net assets. No score, regime or Kelly combination may exceed it.
const MaxBudgetPct = 0.25

// Sizer turns a BUY signal into a currency budget and a lot-floored quantity.
type Sizer struct {
	accountID string
	kelly     config.KellyConfig
	stats     StatsSource
	logger    zerolog.Logger
}

// NewSizer builds a Sizer. stats may be nil, which disables the Kelly overlay.
func NewSizer(accountID string, kelly config.KellyConfig, stats StatsSource, logger zerolog.Logger) *Sizer {
	return &Sizer{
		accountID: accountID,
		kelly:     kelly,
		stats:     stats,
		logger:    logger.With().Str("component", "sizer").Logger(),
	}
}

// BudgetInput carries everything one sizing decision needs.
type BudgetInput struct {
	Symbol   string
	Score    float64
	Price    float64
	LotSize  int64
	Regime   strategy.Regime
	Balances []broker.AccountBalance
}

// Budget is the outcome of one sizing decision. Amount is denominated in
// Currency; Quantity is floored to the lot size and zero when the budget
// buys less than one lot.
type Budget struct {
	Currency    string
	NetAssets   float64
	Available   float64
	ScorePct    float64
	RegimeScale float64
	KellyPct    float64 // 0 when the overlay did not apply
	Amount      float64
	Quantity    int64
}

// ScorePct maps an entry score to the base budget fraction.
//
//	score >= 80  -> 20-25%
//	60 <= s < 80 -> 15-22%
//	45 <= s < 60 ->  5-10%
//	score < 45   ->  5%
func ScorePct(score float64) float64 {
	var pct float64
	switch {
	case score >= 80:
		pct = 0.20 + (score-80)/400
	case score >= 60:
		pct = 0.15 + (score-60)*0.07/20
	case score >= 45:
		pct = 0.05 + (score-45)*0.05/14
	default:
		pct = 0.05
	}
	return math.Min(pct, MaxBudgetPct)
}

// Budget computes the spendable amount for one BUY signal. An account with
// no positive funds source in the target currency gets a zero budget; a
// budget worth less than one lot gets a zero quantity. Neither is an error.
func (s *Sizer) Budget(ctx context.Context, in BudgetInput) Budget {
	currency := broker.CurrencyFor(broker.MarketOf(in.Symbol))
	out := Budget{
		Currency:    currency,
		ScorePct:    ScorePct(in.Score),
		RegimeScale: in.Regime.BudgetScale(),
	}

	bal := balanceFor(in.Balances, currency)
	if bal == nil {
		s.logger.Warn().Str("symbol", in.Symbol).Str("currency", currency).
			Msg("no balance for target currency, budget is zero")
		return out
	}

	out.NetAssets, _ = bal.NetAssets.Float64()
	out.Available = availableFunds(bal, currency)
	if out.Available <= 0 || out.NetAssets <= 0 {
		return out
	}

	budget := out.NetAssets * out.ScorePct * out.RegimeScale

	if kellyPct, ok := s.kellyPct(ctx, in.Symbol); ok {
		out.KellyPct = kellyPct
		budget = math.Min(budget, out.NetAssets*kellyPct)
	}

	budget = math.Min(budget, out.NetAssets*MaxBudgetPct)
	budget = math.Min(budget, out.Available)
	out.Amount = budget

	if in.Price > 0 && in.LotSize > 0 {
		lots := int64(budget / in.Price / float64(in.LotSize))
		out.Quantity = lots * in.LotSize
	}

	s.logger.Debug().
		Str("symbol", in.Symbol).
		Float64("score", in.Score).
		Str("regime", string(in.Regime)).
		Float64("score_pct", out.ScorePct).
		Float64("kelly_pct", out.KellyPct).
		Float64("budget", out.Amount).
		Int64("quantity", out.Quantity).
		Msg("sized position")
	return out
}

// CashFallback returns 50% of available currency cash when the broker's
// purchase estimate came back zero, provided it still buys at least 1.5 lots.
func CashFallback(bal *broker.AccountBalance, currency string, price float64, lotSize int64) int64 {
	if bal == nil || price <= 0 || lotSize <= 0 {
		return 0
	}
	cash, _ := bal.AvailableCash(currency).Float64()
	if cash <= 0 {
		return 0
	}
	spend := cash * 0.5
	if spend < price*float64(lotSize)*1.5 {
		return 0
	}
	lots := int64(spend / price / float64(lotSize))
	return lots * lotSize
}

// availableFunds applies the funds-source ladder for one currency:
// buy power, then cash, then remaining financing. First positive wins.
func availableFunds(bal *broker.AccountBalance, currency string) float64 {
	if bp, _ := bal.BuyPower.Float64(); bp > 0 {
		return bp
	}
	if cash, _ := bal.AvailableCash(currency).Float64(); cash > 0 {
		return cash
	}
	if fin, _ := bal.RemainingFinanceAmount.Float64(); fin > 0 {
		return fin
	}
	return 0
}

func balanceFor(balances []broker.AccountBalance, currency string) *broker.AccountBalance {
	for i := range balances {
		if balances[i].Currency == currency {
			return &balances[i]
		}
	}
	return nil
}
