package strategy

import (
	"fmt"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

// Exit volume thresholds: a fade below dryUpRatio argues for leaving, an
// expansion above expandRatio on an up day argues for staying.
const (
	dryUpRatio  = 0.6
	expandRatio = 1.5
)

// ExitScore is the signed -100..+100 exit assessment for a held position.
// Positive pushes toward selling, negative toward holding or adding.
type ExitScore struct {
	Total    float64
	Override bool // a fresh bearish MACD cross demands immediate handling
	Reasons  []string
}

func (s *ExitScore) addReason(format string, args ...interface{}) {
	s.Reasons = append(s.Reasons, fmt.Sprintf(format, args...))
}

// ScoreExit rates how urgently a held position wants out, given the symbol's
// indicator snapshot and the current regime overlay.
func ScoreExit(ind *market.IndicatorSet, regime Regime) *ExitScore {
	s := &ExitScore{}

	// Bearish evidence.
	if ind.MACD.DeathCross() {
		s.Total += 50
		s.Override = true
		s.addReason("MACD bearish cross")
	}
	if ind.RSI > 80 {
		s.Total += 40
		s.addReason("RSI %.1f extreme", ind.RSI)
	}
	if rolledOffUpperBand(ind) {
		s.Total += 30
		s.addReason("rolled off upper band, RSI fading")
	}
	if freshDeadCross(ind) {
		s.Total += 25
		s.addReason("SMA20 crossed below SMA50")
	}
	if brokeBelowSMA20(ind) {
		s.Total += 20
		s.addReason("price broke below SMA20")
	}
	if ind.VolumeRatio < dryUpRatio {
		s.Total += 15
		s.addReason("volume dried up to %.1fx", ind.VolumeRatio)
	}

	// Bullish evidence, discouraging the exit.
	if strongUptrend(ind) {
		s.Total -= 30
		s.addReason("strong uptrend intact")
	}
	if ind.MACD.GoldenCross() || ind.MACD.HistogramExpanding() {
		s.Total -= 25
		s.addReason("MACD momentum building")
	}
	if ind.RSI >= 50 && ind.RSI <= 70 {
		s.Total -= 20
		s.addReason("RSI %.1f in strength zone", ind.RSI)
	}
	if ind.Bands.Upper > 0 && ind.Close > ind.Bands.Upper {
		s.Total -= 15
		s.addReason("breakout above upper band")
	}
	if ind.VolumeRatio >= expandRatio && ind.UpDay {
		s.Total -= 10
		s.addReason("volume expanding on up day")
	}

	if adj := regime.ExitOverlay(); adj != 0 {
		s.Total += adj
		s.addReason("regime %s overlay %+.0f", regime, adj)
	}

	if s.Total > 100 {
		s.Total = 100
	}
	if s.Total < -100 {
		s.Total = -100
	}
	return s
}

// rolledOffUpperBand: the previous close rode the upper band, today fell back
// inside it with RSI losing steam.
func rolledOffUpperBand(ind *market.IndicatorSet) bool {
	if ind.Bands.Upper <= 0 {
		return false
	}
	return ind.PrevClose >= ind.Bands.Upper &&
		ind.Close < ind.Bands.Upper &&
		ind.RSI < ind.PrevRSI
}

// freshDeadCross: SMA20 dropped below SMA50 on the latest bar.
func freshDeadCross(ind *market.IndicatorSet) bool {
	if ind.SMA50 <= 0 || ind.PrevSMA50 <= 0 {
		return false
	}
	return ind.PrevSMA20 >= ind.PrevSMA50 && ind.SMA20 < ind.SMA50
}

// brokeBelowSMA20: price closed below SMA20 having been above it.
func brokeBelowSMA20(ind *market.IndicatorSet) bool {
	if ind.SMA20 <= 0 || ind.PrevSMA20 <= 0 {
		return false
	}
	return ind.PrevClose >= ind.PrevSMA20 && ind.Close < ind.SMA20
}

// strongUptrend: full alignment with price clear of SMA20, not just grazing.
func strongUptrend(ind *market.IndicatorSet) bool {
	if ind.SMA20 <= 0 || ind.SMA50 <= 0 {
		return false
	}
	return ind.Close > ind.SMA20*1.01 && ind.SMA20 > ind.SMA50
}

// ============================================================================
// ACTION MAPPING
// ============================================================================

// ExitAction is what the exit score resolves to for a held position.
type ExitAction int

const (
	// ExitNone leaves the position alone; standing stops remain in force.
	ExitNone ExitAction = iota
	// ExitFull closes the whole position now.
	ExitFull
	// ExitHalf sells 50% and opens an observation window on the rest.
	ExitHalf
	// ExitQuarter sells 25% and opens an observation window on the rest.
	ExitQuarter
	// ExitStrongHold extends targets; the position may qualify for an add.
	ExitStrongHold
)

func (a ExitAction) String() string {
	switch a {
	case ExitFull:
		return "full_exit"
	case ExitHalf:
		return "partial_exit"
	case ExitQuarter:
		return "gradual_exit"
	case ExitStrongHold:
		return "strong_hold"
	}
	return "none"
}

// ExitPolicy holds the score thresholds the action mapping runs on.
type ExitPolicy struct {
	GradualEnabled bool
	// HalfThreshold is the score at which half the position leaves. Default 50.
	HalfThreshold float64
	// QuarterThreshold is the score at which a quarter leaves. Default 40.
	QuarterThreshold float64
	// FullThreshold always closes the whole position. Default 70.
	FullThreshold float64
	// StrongHoldThreshold (negative) extends targets instead. Default -40.
	StrongHoldThreshold float64
}

// DefaultExitPolicy returns the standard thresholds with gradual exits on.
func DefaultExitPolicy() ExitPolicy {
	return ExitPolicy{
		GradualEnabled:      true,
		HalfThreshold:       50,
		QuarterThreshold:    40,
		FullThreshold:       70,
		StrongHoldThreshold: -40,
	}
}

// ActionFor maps an exit score to an action. With gradual exits disabled
// only the full-exit and strong-hold bands act.
func (p ExitPolicy) ActionFor(score float64) ExitAction {
	switch {
	case score >= p.FullThreshold:
		return ExitFull
	case p.GradualEnabled && score >= p.HalfThreshold:
		return ExitHalf
	case p.GradualEnabled && score >= p.QuarterThreshold:
		return ExitQuarter
	case score <= p.StrongHoldThreshold:
		return ExitStrongHold
	}
	return ExitNone
}

// ============================================================================
// HARD FLOORS
// ============================================================================

// FloorDecision is the outcome of the stop/target check that runs before any
// score-based action.
type FloorDecision int

const (
	// FloorNone: neither boundary is touched.
	FloorNone FloorDecision = iota
	// FloorStopLoss: price at or through the stop, exit immediately.
	FloorStopLoss
	// FloorTakeProfit: target reached with no bullish argument left.
	FloorTakeProfit
	// FloorSmartHold: target reached but momentum says stay; raise the stop
	// to the current price and the target 5% above it instead of selling.
	FloorSmartHold
)

// SmartHoldTakeProfitFactor is the stretch applied to the target when a
// smart hold replaces a take-profit.
const SmartHoldTakeProfitFactor = 1.05

// HardFloor checks price against the position's standing stop and target.
// Zero-valued boundaries are treated as unset.
func HardFloor(price, stopLoss, takeProfit, exitScore float64) FloorDecision {
	if stopLoss > 0 && price <= stopLoss {
		return FloorStopLoss
	}
	if takeProfit > 0 && price >= takeProfit {
		if exitScore < 0 {
			return FloorSmartHold
		}
		return FloorTakeProfit
	}
	return FloorNone
}
