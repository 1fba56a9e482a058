// Package market provides daily-bar market data: indicator math, the hybrid
// DB+API kline loader, and HK/US trading-session logic.
package market

import (
	"errors"
	"math"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
)

// MinCandles is the minimum daily-bar history required for indicator math.
const MinCandles = 30

// ErrDataShortage marks a symbol with too little history this iteration.
// Callers skip the symbol; this is not an operational failure.
var ErrDataShortage = errors.New("market: insufficient kline history")

// Candle is one daily OHLCV bar. Date is normalized to midnight UTC of the
// exchange-local trading date.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// DateKey returns the calendar-date identity used for merging.
func (c Candle) DateKey() string {
	return c.Date.Format("2006-01-02")
}

// FromCandlestick converts a broker bar into a Candle, collapsing the
// timestamp to its trading date in loc.
func FromCandlestick(cs broker.Candlestick, loc *time.Location) Candle {
	local := cs.Timestamp.In(loc)
	return Candle{
		Date:   time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
		Open:   cs.Open.InexactFloat64(),
		High:   cs.High.InexactFloat64(),
		Low:    cs.Low.InexactFloat64(),
		Close:  cs.Close.InexactFloat64(),
		Volume: cs.Volume,
	}
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA returns the simple moving average of the last period closes.
func CalculateSMA(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// emaSeries computes the exponential moving average across the whole input,
// seeded on the first value.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// ============================================================================
// RSI
// ============================================================================

// CalculateRSI returns the relative strength index over period, 50 when the
// history is too short to say anything.
func CalculateRSI(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0
	}
	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the last two points of the MACD line and its signal line,
// enough to detect fresh crosses and histogram direction.
type MACDResult struct {
	MACD          float64
	Signal        float64
	Histogram     float64
	PrevMACD      float64
	PrevSignal    float64
	PrevHistogram float64
}

// CalculateMACD computes MACD(12,26) with a 9-period signal line over the
// full close series.
func CalculateMACD(candles []Candle) MACDResult {
	if len(candles) < 2 {
		return MACDResult{}
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fast := emaSeries(closes, 12)
	slow := emaSeries(closes, 26)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	sig := emaSeries(macd, 9)

	last := len(closes) - 1
	return MACDResult{
		MACD:          macd[last],
		Signal:        sig[last],
		Histogram:     macd[last] - sig[last],
		PrevMACD:      macd[last-1],
		PrevSignal:    sig[last-1],
		PrevHistogram: macd[last-1] - sig[last-1],
	}
}

// GoldenCross reports a fresh bullish cross on the latest bar.
func (m MACDResult) GoldenCross() bool {
	return m.PrevMACD <= m.PrevSignal && m.MACD > m.Signal
}

// DeathCross reports a fresh bearish cross on the latest bar.
func (m MACDResult) DeathCross() bool {
	return m.PrevMACD >= m.PrevSignal && m.MACD < m.Signal
}

// HistogramExpanding reports a positive histogram growing bar over bar.
func (m MACDResult) HistogramExpanding() bool {
	return m.Histogram > 0 && m.Histogram > m.PrevHistogram
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands holds the three band values.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollingerBands computes period-SMA bands at stdDev deviations.
func CalculateBollingerBands(candles []Candle, period int, stdDev float64) BollingerBands {
	if len(candles) < period {
		return BollingerBands{}
	}
	middle := CalculateSMA(candles, period)
	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		d := candles[i].Close - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return BollingerBands{
		Upper:  middle + stdDev*sd,
		Middle: middle,
		Lower:  middle - stdDev*sd,
	}
}

// ============================================================================
// ATR
// ============================================================================

// CalculateATR returns the average true range over period.
func CalculateATR(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		sum += math.Max(highLow, math.Max(highClose, lowClose))
	}
	return sum / float64(period)
}

// ============================================================================
// VOLUME
// ============================================================================

// CalculateVolumeRatio returns today's volume over the average of the prior
// lookback days, 1.0 when history is too short.
func CalculateVolumeRatio(candles []Candle, lookback int) float64 {
	if len(candles) < lookback+1 {
		return 1.0
	}
	sum := int64(0)
	for i := len(candles) - lookback - 1; i < len(candles)-1; i++ {
		sum += candles[i].Volume
	}
	avg := float64(sum) / float64(lookback)
	if avg <= 0 {
		return 1.0
	}
	return float64(candles[len(candles)-1].Volume) / avg
}

// ============================================================================
// SNAPSHOT
// ============================================================================

// IndicatorSet is the per-symbol indicator snapshot one scan iteration
// works from. Prev* fields are computed on the series up to the previous
// bar so scorers can detect fresh crosses without re-deriving them.
type IndicatorSet struct {
	Close       float64
	PrevClose   float64
	RSI         float64
	PrevRSI     float64
	MACD        MACDResult
	Bands       BollingerBands
	SMA20       float64
	SMA50       float64
	SMA200      float64
	PrevSMA20   float64
	PrevSMA50   float64
	ATR         float64
	VolumeRatio float64
	UpDay       bool
}

// ComputeIndicators builds the snapshot from ascending daily candles.
// Requires at least MinCandles rows.
func ComputeIndicators(candles []Candle) (*IndicatorSet, error) {
	if len(candles) < MinCandles {
		return nil, ErrDataShortage
	}
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	prior := candles[:len(candles)-1]
	return &IndicatorSet{
		Close:       last.Close,
		PrevClose:   prev.Close,
		RSI:         CalculateRSI(candles, 14),
		PrevRSI:     CalculateRSI(prior, 14),
		MACD:        CalculateMACD(candles),
		Bands:       CalculateBollingerBands(candles, 20, 2.0),
		SMA20:       CalculateSMA(candles, 20),
		SMA50:       CalculateSMA(candles, 50),
		SMA200:      CalculateSMA(candles, 200),
		PrevSMA20:   CalculateSMA(prior, 20),
		PrevSMA50:   CalculateSMA(prior, 50),
		ATR:         CalculateATR(candles, 14),
		VolumeRatio: CalculateVolumeRatio(candles, 20),
		UpDay:       last.Close > prev.Close,
	}, nil
}

// Map renders the snapshot for the signal payload.
func (s *IndicatorSet) Map() map[string]float64 {
	return map[string]float64{
		"rsi":          round2(s.RSI),
		"macd":         round4(s.MACD.MACD),
		"macd_signal":  round4(s.MACD.Signal),
		"bb_upper":     round4(s.Bands.Upper),
		"bb_middle":    round4(s.Bands.Middle),
		"bb_lower":     round4(s.Bands.Lower),
		"sma_20":       round4(s.SMA20),
		"sma_50":       round4(s.SMA50),
		"atr":          round4(s.ATR),
		"volume_ratio": round2(s.VolumeRatio),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
