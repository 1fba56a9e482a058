package strategy

import (
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

// Rotation weakness weights. A position scores 0-100; higher means a better
// candidate to give up its capital for a stronger buy.
const (
	weaknessLossWeight   = 40.0 // fully earned at a 10% drawdown
	weaknessAgeWeight    = 20.0 // fully earned at 10 holding days
	weaknessMACDWeight   = 25.0
	weaknessVolumeWeight = 15.0
)

// WeaknessInput captures what rotation scoring needs from a held position.
type WeaknessInput struct {
	// ProfitPct is the signed unrealized P&L percent (+5 means 5% gain).
	ProfitPct float64
	// HoldingDays is how long the position has been held.
	HoldingDays float64
	// MACDBearish: momentum is below the signal line.
	MACDBearish bool
	// VolumeFade: turnover has fallen well under average.
	VolumeFade bool
}

// WeaknessScore rates how readily a position should be rotated out.
func WeaknessScore(in WeaknessInput) float64 {
	score := weaknessLossWeight * clamp01(-in.ProfitPct/10)
	score += weaknessAgeWeight * clamp01(in.HoldingDays/10)
	if in.MACDBearish {
		score += weaknessMACDWeight
	}
	if in.VolumeFade {
		score += weaknessVolumeWeight
	}
	return score
}

// WeaknessFromIndicators derives the indicator-driven parts of the weakness
// input from a snapshot and scores it.
func WeaknessFromIndicators(ind *market.IndicatorSet, profitPct, holdingDays float64) float64 {
	return WeaknessScore(WeaknessInput{
		ProfitPct:   profitPct,
		HoldingDays: holdingDays,
		MACDBearish: ind.MACD.Histogram < 0,
		VolumeFade:  ind.VolumeRatio < 0.8,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RotationPolicy gates swapping a weak holding for a fresh high-conviction
// buy when buying power alone cannot fund it.
type RotationPolicy struct {
	// MinSignalScore is the floor a new buy must reach to justify selling
	// anything at all. Default 60.
	MinSignalScore float64
	// MinScoreGap is the margin the buy must hold over the victim's
	// weakness. Default 10.
	MinScoreGap float64
}

// DefaultRotationPolicy returns the standard rotation gates.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{MinSignalScore: 60, MinScoreGap: 10}
}

// ShouldRotate reports whether a buy scoring newBuyScore justifies selling a
// holding with the given weakness.
func (p RotationPolicy) ShouldRotate(newBuyScore, weakness float64) bool {
	return newBuyScore >= p.MinSignalScore && newBuyScore-weakness >= p.MinScoreGap
}

// AddPositionPolicy gates pyramiding into a winner.
type AddPositionPolicy struct {
	// MinProfitPct: the position must already be ahead by this much. Default 2.
	MinProfitPct float64
	// MinSignalScore: a fresh entry score this strong must back the add.
	// Default 60.
	MinSignalScore float64
	// MaxExitScore: the exit assessment must be at most this (comfortably
	// bullish). Default -30.
	MaxExitScore float64
}

// DefaultAddPositionPolicy returns the standard add gates.
func DefaultAddPositionPolicy() AddPositionPolicy {
	return AddPositionPolicy{MinProfitPct: 2.0, MinSignalScore: 60, MaxExitScore: -30}
}

// Eligible reports whether a held position qualifies for an add. Cooldown
// and daily-cap bookkeeping are the caller's concern.
func (p AddPositionPolicy) Eligible(regime Regime, profitPct, exitScore, entryScore float64) bool {
	if regime == RegimeBear {
		return false
	}
	if profitPct < p.MinProfitPct {
		return false
	}
	if exitScore > p.MaxExitScore {
		return false
	}
	return entryScore >= p.MinSignalScore
}
