package market

import (
	"context"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
)

// Beijing is the wall clock both services run on. Hong Kong shares the
// offset, and the US session is expressed in Beijing time by the config.
var Beijing = mustLoadBeijing()

func mustLoadBeijing() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Calendar answers holiday lookups. The database repository implements it;
// a nil calendar means pure weekday logic.
type Calendar interface {
	Holiday(ctx context.Context, market string, day time.Time) (holiday, halfDay bool, err error)
}

// Window is a same-day time range in minutes since midnight Beijing.
type Window struct {
	Start int
	End   int
}

// Contains reports whether the minute-of-day m falls inside the window.
func (w Window) Contains(m int) bool {
	return m >= w.Start && m < w.End
}

// Session minute marks, Beijing time.
const (
	hkMorningOpen   = 9*60 + 30  // 09:30
	hkMorningClose  = 12 * 60    // 12:00
	hkAfternoonOpen = 13 * 60    // 13:00
	hkAfternoonEnd  = 15 * 60    // 15:00
	usOpen          = 21*60 + 30 // 21:30
	usClose         = 4 * 60     // 04:00 next day
	usHalfDayClose  = 1 * 60     // 01:00 next day
)

// Hours evaluates trading sessions for both markets on the Beijing clock.
type Hours struct {
	calendar   Calendar
	preCloseHK Window
	preCloseUS Window
}

// NewHours builds the session evaluator. Pre-close windows come from config
// as already-parsed minute ranges.
func NewHours(cal Calendar, preCloseHK, preCloseUS Window) *Hours {
	return &Hours{calendar: cal, preCloseHK: preCloseHK, preCloseUS: preCloseUS}
}

// IsOpen reports whether the market for symbol is in a trading session at t.
func (h *Hours) IsOpen(ctx context.Context, symbol string, t time.Time) bool {
	return h.MarketOpen(ctx, broker.MarketOf(symbol), t)
}

// MarketOpen reports whether market is in a trading session at t.
func (h *Hours) MarketOpen(ctx context.Context, market broker.Market, t time.Time) bool {
	local := t.In(Beijing)
	m := local.Hour()*60 + local.Minute()

	switch market {
	case broker.MarketHK:
		if !h.tradingDay(ctx, market, local) {
			return false
		}
		if m >= hkMorningOpen && m < hkMorningClose {
			return true
		}
		if _, halfDay := h.holiday(ctx, market, local); halfDay {
			return false // half-day sessions close at noon
		}
		return m >= hkAfternoonOpen && m < hkAfternoonEnd

	case broker.MarketUS:
		// Overnight session: the evening belongs to today's trading date,
		// the 00:00-04:00 tail to yesterday's.
		if m >= usOpen {
			return h.tradingDay(ctx, market, local)
		}
		closeMin := usClose
		sessionDay := local.AddDate(0, 0, -1)
		if !h.tradingDay(ctx, market, sessionDay) {
			return false
		}
		if _, halfDay := h.holiday(ctx, market, sessionDay); halfDay {
			closeMin = usHalfDayClose
		}
		return m < closeMin
	}
	return false
}

// InPreClose reports whether t falls in market's pre-close rotation window.
// The windows sit at the tail of each session, where exits still fill.
func (h *Hours) InPreClose(ctx context.Context, market broker.Market, t time.Time) bool {
	local := t.In(Beijing)
	m := local.Hour()*60 + local.Minute()

	switch market {
	case broker.MarketHK:
		return h.tradingDay(ctx, market, local) && h.preCloseHK.Contains(m)
	case broker.MarketUS:
		return h.tradingDay(ctx, market, local) && h.preCloseUS.Contains(m)
	}
	return false
}

// AnyActive reports whether any market is open or inside a pre-close window;
// the rotation loop gates on this.
func (h *Hours) AnyActive(ctx context.Context, t time.Time) bool {
	for _, market := range []broker.Market{broker.MarketHK, broker.MarketUS} {
		if h.MarketOpen(ctx, market, t) || h.InPreClose(ctx, market, t) {
			return true
		}
	}
	return false
}

// tradingDay reports whether day (Beijing) is a scheduled session day.
func (h *Hours) tradingDay(ctx context.Context, market broker.Market, day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	holiday, _ := h.holiday(ctx, market, day)
	return !holiday
}

func (h *Hours) holiday(ctx context.Context, market broker.Market, day time.Time) (bool, bool) {
	if h.calendar == nil {
		return false, false
	}
	holiday, halfDay, err := h.calendar.Holiday(ctx, string(market), day)
	if err != nil {
		// Fail open on calendar errors: weekday logic still applies.
		return false, false
	}
	return holiday, halfDay
}

// TradingDate returns the trading date (midnight, Beijing) that t belongs to
// for market. The overnight tail of a US session maps to the previous day.
func TradingDate(market broker.Market, t time.Time) time.Time {
	local := t.In(Beijing)
	if market == broker.MarketUS && local.Hour()*60+local.Minute() < usClose+2*60 {
		// Up to 06:00 still settles under yesterday's session.
		local = local.AddDate(0, 0, -1)
	}
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Beijing)
}
