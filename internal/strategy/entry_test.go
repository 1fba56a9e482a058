package strategy

import (
	"math"
	"testing"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreRSIBands(t *testing.T) {
	tests := []struct {
		rsi  float64
		want float64
	}{
		{0, 30},
		{15, 27.5},
		{30, 15},
		{40, 15},
		{45, 15},
		{50, 10},
		{55, 10},
		{60, 5},
		{70, 5},
		{75, 0},
		{100, 0},
	}
	for _, tt := range tests {
		if got := scoreRSI(tt.rsi); !almostEqual(got, tt.want) {
			t.Errorf("scoreRSI(%v) = %v, want %v", tt.rsi, got, tt.want)
		}
	}
}

func TestScoreRSIOversoldDepth(t *testing.T) {
	// Deeper oversold must never score less than shallower oversold.
	prev := scoreRSI(29.9)
	for rsi := 29.0; rsi >= 0; rsi -= 1.0 {
		got := scoreRSI(rsi)
		if got < prev {
			t.Fatalf("scoreRSI(%v) = %v dropped below scoreRSI at higher RSI %v", rsi, got, prev)
		}
		prev = got
	}
	if got := scoreRSI(1); got > 30 {
		t.Errorf("scoreRSI(1) = %v exceeds component cap 30", got)
	}
}

func TestScoreBollinger(t *testing.T) {
	bands := market.BollingerBands{Upper: 120, Middle: 100, Lower: 80}
	tests := []struct {
		close float64
		want  float64
	}{
		{79, 25},  // through the lower band
		{80, 25},  // touching
		{90, 15},  // lower half
		{105, 5},  // around the middle
		{111, 0},  // upper quarter
		{125, 0},  // above the band
	}
	for _, tt := range tests {
		if got := scoreBollinger(tt.close, bands); got != tt.want {
			t.Errorf("scoreBollinger(%v) = %v, want %v", tt.close, got, tt.want)
		}
	}

	if got := scoreBollinger(100, market.BollingerBands{}); got != 0 {
		t.Errorf("scoreBollinger with empty bands = %v, want 0", got)
	}
}

func TestScoreMACD(t *testing.T) {
	golden := market.MACDResult{PrevMACD: -1, PrevSignal: 0, MACD: 1, Signal: 0}
	if got := scoreMACD(golden); got != 20 {
		t.Errorf("golden cross = %v, want 20", got)
	}
	expanding := market.MACDResult{MACD: 2, Signal: 1, Histogram: 1, PrevMACD: 1.5, PrevSignal: 1, PrevHistogram: 0.5}
	if got := scoreMACD(expanding); got != 15 {
		t.Errorf("expanding histogram = %v, want 15", got)
	}
	death := market.MACDResult{PrevMACD: 1, PrevSignal: 0, MACD: -1, Signal: 0}
	if got := scoreMACD(death); got != 0 {
		t.Errorf("death cross = %v, want 0", got)
	}
	flat := market.MACDResult{MACD: 1, Signal: 1.5, Histogram: -0.5, PrevMACD: 1, PrevSignal: 1.4, PrevHistogram: -0.4}
	if got := scoreMACD(flat); got != 5 {
		t.Errorf("flat = %v, want 5", got)
	}
}

func TestScoreVolume(t *testing.T) {
	tests := []struct {
		ratio float64
		upDay bool
		want  float64
	}{
		{2.0, true, 15},
		{2.0, false, 0}, // surge into selling is distribution
		{1.5, true, 8},
		{1.5, false, 8},
		{1.0, true, 0},
		{0.5, true, 0},
	}
	for _, tt := range tests {
		if got := scoreVolume(tt.ratio, tt.upDay); got != tt.want {
			t.Errorf("scoreVolume(%v, %v) = %v, want %v", tt.ratio, tt.upDay, got, tt.want)
		}
	}
}

func TestScoreTrend(t *testing.T) {
	if got := scoreTrend(110, 105, 100); got != 10 {
		t.Errorf("aligned up = %v, want 10", got)
	}
	if got := scoreTrend(90, 95, 100); got != 0 {
		t.Errorf("aligned down = %v, want 0", got)
	}
	if got := scoreTrend(102, 105, 100); got != 5 {
		t.Errorf("mixed = %v, want 5", got)
	}
	// SMA50 unavailable on a short series must not read as an uptrend.
	if got := scoreTrend(110, 105, 0); got != 5 {
		t.Errorf("missing SMA50 = %v, want 5", got)
	}
}

func TestScoreEntryComposite(t *testing.T) {
	ind := &market.IndicatorSet{
		Close:       80,
		PrevClose:   78,
		RSI:         25,
		MACD:        market.MACDResult{PrevMACD: -1, PrevSignal: 0, MACD: 1, Signal: 0},
		Bands:       market.BollingerBands{Upper: 120, Middle: 100, Lower: 80},
		SMA20:       78,
		SMA50:       75,
		VolumeRatio: 2.0,
		UpDay:       true,
	}
	s := ScoreEntry(ind)

	// RSI 25 -> 25 + 5*(5/30); bands touch 25; golden cross 20; volume 15; trend 10.
	wantRSI := 25 + 5*5.0/30
	if !almostEqual(s.RSI, wantRSI) {
		t.Errorf("RSI component = %v, want %v", s.RSI, wantRSI)
	}
	want := wantRSI + 25 + 20 + 15 + 10
	if !almostEqual(s.Total, want) {
		t.Errorf("Total = %v, want %v", s.Total, want)
	}
	typ, ok := s.SignalType()
	if !ok || typ != signal.TypeStrongBuy {
		t.Errorf("SignalType = %v, %v; want STRONG_BUY", typ, ok)
	}
	if len(s.Reasons) == 0 {
		t.Error("expected reasons on a high-conviction setup")
	}
}

func TestScoreEntryNeverExceedsBounds(t *testing.T) {
	best := &market.IndicatorSet{
		Close:       80,
		RSI:         0,
		MACD:        market.MACDResult{PrevMACD: -1, PrevSignal: 0, MACD: 1, Signal: 0},
		Bands:       market.BollingerBands{Upper: 120, Middle: 100, Lower: 80},
		SMA20:       78,
		SMA50:       75,
		VolumeRatio: 5.0,
		UpDay:       true,
	}
	if s := ScoreEntry(best); s.Total > 100 {
		t.Errorf("best-case total = %v exceeds 100", s.Total)
	}
	worst := &market.IndicatorSet{
		Close:       125,
		RSI:         90,
		MACD:        market.MACDResult{PrevMACD: 1, PrevSignal: 0, MACD: -1, Signal: 0},
		Bands:       market.BollingerBands{Upper: 120, Middle: 100, Lower: 80},
		SMA20:       130,
		SMA50:       135,
		VolumeRatio: 0.5,
	}
	if s := ScoreEntry(worst); s.Total < 0 {
		t.Errorf("worst-case total = %v below 0", s.Total)
	}
}

func TestSignalTypeThresholds(t *testing.T) {
	tests := []struct {
		total float64
		want  signal.Type
		ok    bool
	}{
		{75, signal.TypeStrongBuy, true},
		{60, signal.TypeStrongBuy, true},
		{59.9, signal.TypeBuy, true},
		{45, signal.TypeBuy, true},
		{44, signal.TypeWeakBuy, true},
		{30, signal.TypeWeakBuy, true},
		{29.9, "", false},
		{0, "", false},
	}
	for _, tt := range tests {
		s := &EntryScore{Total: tt.total}
		typ, ok := s.SignalType()
		if ok != tt.ok || typ != tt.want {
			t.Errorf("SignalType(total=%v) = %v, %v; want %v, %v", tt.total, typ, ok, tt.want, tt.ok)
		}
	}
}
