package strategy

import (
	"testing"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

// neutralSnapshot returns an indicator set that triggers no exit component
// in either direction.
func neutralSnapshot() *market.IndicatorSet {
	return &market.IndicatorSet{
		Close:       100,
		PrevClose:   99,
		RSI:         45,
		PrevRSI:     45,
		MACD:        market.MACDResult{MACD: 1, Signal: 1.2, Histogram: -0.2, PrevMACD: 1, PrevSignal: 1.1, PrevHistogram: -0.1},
		Bands:       market.BollingerBands{Upper: 120, Middle: 100, Lower: 80},
		SMA20:       99,
		SMA50:       99.5,
		PrevSMA20:   99,
		PrevSMA50:   99.5,
		VolumeRatio: 1.0,
		UpDay:       true,
	}
}

func TestScoreExitNeutral(t *testing.T) {
	s := ScoreExit(neutralSnapshot(), RegimeRange)
	if s.Total != 0 {
		t.Errorf("neutral exit score = %v, want 0 (reasons: %v)", s.Total, s.Reasons)
	}
	if s.Override {
		t.Error("neutral snapshot must not set the override flag")
	}
}

func TestScoreExitDeathCrossOverride(t *testing.T) {
	ind := neutralSnapshot()
	ind.MACD = market.MACDResult{PrevMACD: 1, PrevSignal: 0, MACD: -1, Signal: 0}
	s := ScoreExit(ind, RegimeRange)
	if s.Total != 50 {
		t.Errorf("death-cross score = %v, want 50", s.Total)
	}
	if !s.Override {
		t.Error("death cross must set the override flag")
	}
}

func TestScoreExitBearishStack(t *testing.T) {
	ind := neutralSnapshot()
	ind.RSI = 85              // +40
	ind.PrevRSI = 88          // and dropping
	ind.PrevClose = 121       // rode the upper band
	ind.Close = 118           // fell back inside: +30
	ind.VolumeRatio = 0.4     // dry-up: +15
	s := ScoreExit(ind, RegimeRange)
	want := 40.0 + 30 + 15
	if s.Total != want {
		t.Errorf("bearish stack = %v, want %v (reasons: %v)", s.Total, want, s.Reasons)
	}
}

func TestScoreExitFreshDeadCross(t *testing.T) {
	ind := neutralSnapshot()
	ind.PrevSMA20, ind.PrevSMA50 = 100, 99 // was above
	ind.SMA20, ind.SMA50 = 98, 99          // crossed below: +25
	ind.Close, ind.PrevClose = 100, 100    // keep price clear of the SMA20 break
	s := ScoreExit(ind, RegimeRange)
	if s.Total != 25 {
		t.Errorf("dead-cross score = %v, want 25 (reasons: %v)", s.Total, s.Reasons)
	}
}

func TestScoreExitBrokeBelowSMA20(t *testing.T) {
	ind := neutralSnapshot()
	ind.PrevClose, ind.PrevSMA20 = 100, 99 // was above
	ind.Close, ind.SMA20 = 97, 99          // broke below: +20
	ind.UpDay = false
	s := ScoreExit(ind, RegimeRange)
	if s.Total != 20 {
		t.Errorf("SMA20 break score = %v, want 20 (reasons: %v)", s.Total, s.Reasons)
	}
}

func TestScoreExitBullishStack(t *testing.T) {
	ind := neutralSnapshot()
	ind.Close = 121   // above upper band: -15
	ind.SMA20 = 110   // strong uptrend: -30
	ind.SMA50 = 105
	ind.RSI = 60      // strength zone: -20
	ind.PrevRSI = 58
	ind.MACD = market.MACDResult{MACD: 2, Signal: 1, Histogram: 1, PrevMACD: 1.5, PrevSignal: 1, PrevHistogram: 0.5} // -25
	ind.VolumeRatio = 2.0 // expanding on up day: -10
	ind.UpDay = true
	s := ScoreExit(ind, RegimeRange)
	want := -30.0 - 25 - 20 - 15 - 10
	if s.Total != want {
		t.Errorf("bullish stack = %v, want %v (reasons: %v)", s.Total, want, s.Reasons)
	}
}

func TestScoreExitRegimeOverlay(t *testing.T) {
	if got := ScoreExit(neutralSnapshot(), RegimeBear).Total; got != 15 {
		t.Errorf("bear overlay = %v, want 15", got)
	}
	if got := ScoreExit(neutralSnapshot(), RegimeBull).Total; got != -10 {
		t.Errorf("bull overlay = %v, want -10", got)
	}
}

func TestScoreExitClamped(t *testing.T) {
	ind := neutralSnapshot()
	ind.MACD = market.MACDResult{PrevMACD: 1, PrevSignal: 0, MACD: -1, Signal: 0} // +50
	ind.RSI = 85                                                                  // +40
	ind.PrevRSI = 88
	ind.PrevClose = 121
	ind.Close = 95 // rolled off band +30, and breaks below SMA20 +20
	ind.SMA20 = 99
	ind.PrevSMA20 = 99
	ind.VolumeRatio = 0.3 // +15
	s := ScoreExit(ind, RegimeBear)
	if s.Total != 100 {
		t.Errorf("clamped score = %v, want 100", s.Total)
	}
}

func TestActionFor(t *testing.T) {
	p := DefaultExitPolicy()
	tests := []struct {
		score float64
		want  ExitAction
	}{
		{80, ExitFull},
		{70, ExitFull},
		{60, ExitHalf},
		{50, ExitHalf},
		{45, ExitQuarter},
		{40, ExitQuarter},
		{39, ExitNone},
		{0, ExitNone},
		{-39, ExitNone},
		{-40, ExitStrongHold},
		{-80, ExitStrongHold},
	}
	for _, tt := range tests {
		if got := p.ActionFor(tt.score); got != tt.want {
			t.Errorf("ActionFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestActionForGradualDisabled(t *testing.T) {
	p := DefaultExitPolicy()
	p.GradualEnabled = false
	if got := p.ActionFor(55); got != ExitNone {
		t.Errorf("ActionFor(55) with gradual disabled = %v, want none", got)
	}
	if got := p.ActionFor(75); got != ExitFull {
		t.Errorf("ActionFor(75) with gradual disabled = %v, want full", got)
	}
}

func TestHardFloor(t *testing.T) {
	tests := []struct {
		name       string
		price      float64
		stop       float64
		target     float64
		exitScore  float64
		want       FloorDecision
	}{
		{"stop hit", 94, 95, 120, 0, FloorStopLoss},
		{"stop exact", 95, 95, 120, 0, FloorStopLoss},
		{"stop wins over target", 94, 95, 90, 0, FloorStopLoss},
		{"target hit, neutral score", 120, 95, 120, 0, FloorTakeProfit},
		{"target hit, bearish score", 120, 95, 120, 30, FloorTakeProfit},
		{"target hit, bullish score", 120, 95, 120, -10, FloorSmartHold},
		{"inside bounds", 100, 95, 120, 0, FloorNone},
		{"no stops set", 100, 0, 0, 50, FloorNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HardFloor(tt.price, tt.stop, tt.target, tt.exitScore); got != tt.want {
				t.Errorf("HardFloor = %v, want %v", got, tt.want)
			}
		})
	}
}
