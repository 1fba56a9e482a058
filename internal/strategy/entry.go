// Package strategy holds the pure decision math of the platform: entry
// scoring, exit scoring, market-regime classification and rotation weakness.
// Everything here is side-effect free; the generator owns IO and emission.
package strategy

import (
	"fmt"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

// Entry signal thresholds on the 0-100 composite score.
const (
	StrongBuyThreshold = 60.0
	BuyThreshold       = 45.0
	WeakBuyThreshold   = 30.0
)

// EntryScore is the composite 0-100 entry assessment with its per-factor
// breakdown. Reasons carry the human-readable trail that rides on the
// published signal.
type EntryScore struct {
	Total     float64
	RSI       float64
	Bollinger float64
	MACD      float64
	Volume    float64
	Trend     float64
	Reasons   []string
}

// SignalType maps the total score to an entry signal type. ok is false when
// the score is below the weak-buy floor and no signal should be emitted.
func (s *EntryScore) SignalType() (signal.Type, bool) {
	switch {
	case s.Total >= StrongBuyThreshold:
		return signal.TypeStrongBuy, true
	case s.Total >= BuyThreshold:
		return signal.TypeBuy, true
	case s.Total >= WeakBuyThreshold:
		return signal.TypeWeakBuy, true
	}
	return "", false
}

// ScoreEntry rates a symbol's long setup from its indicator snapshot.
//
// Weighting: RSI 30, Bollinger position 25, MACD 20, volume 15, trend 10.
func ScoreEntry(ind *market.IndicatorSet) *EntryScore {
	s := &EntryScore{}

	s.RSI = scoreRSI(ind.RSI)
	switch {
	case ind.RSI < 30:
		s.addReason("RSI %.1f oversold", ind.RSI)
	case ind.RSI > 70:
		s.addReason("RSI %.1f overbought", ind.RSI)
	}

	s.Bollinger = scoreBollinger(ind.Close, ind.Bands)
	if ind.Bands.Lower > 0 && ind.Close <= ind.Bands.Lower {
		s.addReason("price %.2f at lower band %.2f", ind.Close, ind.Bands.Lower)
	}

	s.MACD = scoreMACD(ind.MACD)
	if ind.MACD.GoldenCross() {
		s.addReason("MACD golden cross")
	} else if ind.MACD.HistogramExpanding() {
		s.addReason("MACD histogram expanding")
	}

	s.Volume = scoreVolume(ind.VolumeRatio, ind.UpDay)
	if s.Volume >= 15 {
		s.addReason("volume %.1fx average on up day", ind.VolumeRatio)
	}

	s.Trend = scoreTrend(ind.Close, ind.SMA20, ind.SMA50)
	if s.Trend >= 10 {
		s.addReason("uptrend: price > SMA20 > SMA50")
	}

	s.Total = s.RSI + s.Bollinger + s.MACD + s.Volume + s.Trend
	return s
}

func (s *EntryScore) addReason(format string, args ...interface{}) {
	s.Reasons = append(s.Reasons, fmt.Sprintf(format, args...))
}

// scoreRSI: deeper oversold earns more, overbought earns nothing.
//   <30: 25-30 (linear to the floor), 30-45: 15, 45-55: 10, 55-70: 5, >70: 0.
func scoreRSI(rsi float64) float64 {
	switch {
	case rsi < 0:
		return 30
	case rsi < 30:
		return 25 + 5*(30-rsi)/30
	case rsi <= 45:
		return 15
	case rsi <= 55:
		return 10
	case rsi <= 70:
		return 5
	}
	return 0
}

// scoreBollinger rewards proximity to the lower band: touch 25, lower half
// 15, around the middle 5, upper quarter 0.
func scoreBollinger(close float64, b market.BollingerBands) float64 {
	if b.Upper <= b.Lower {
		return 0
	}
	switch {
	case close <= b.Lower:
		return 25
	case close < b.Middle:
		return 15
	case close < (b.Middle+b.Upper)/2:
		return 5
	}
	return 0
}

// scoreMACD: fresh golden cross 20, expanding positive histogram 15,
// fresh death cross 0, anything else 5.
func scoreMACD(m market.MACDResult) float64 {
	switch {
	case m.GoldenCross():
		return 20
	case m.HistogramExpanding():
		return 15
	case m.DeathCross():
		return 0
	}
	return 5
}

// scoreVolume wants conviction behind the move: a surge only counts in full
// on an up day; surge into selling is distribution and earns nothing.
func scoreVolume(ratio float64, upDay bool) float64 {
	switch {
	case ratio > 1.8:
		if upDay {
			return 15
		}
		return 0
	case ratio >= 1.2:
		return 8
	}
	return 0
}

// scoreTrend: full alignment 10, full misalignment 0, anything mixed 5.
// With too little history for SMA50 the trend is unproven, also 5.
func scoreTrend(close, sma20, sma50 float64) float64 {
	if sma20 <= 0 || sma50 <= 0 {
		return 5
	}
	if close > sma20 && sma20 > sma50 {
		return 10
	}
	if close < sma20 && sma20 < sma50 {
		return 0
	}
	return 5
}
