package generator

import (
	"context"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
)

// handlePush reacts to one streamed quote on the run goroutine: the
// volatility symbol feeds the panic monitor, held symbols get their exits
// re-checked and watchlist symbols get an expedited entry look. Spacing
// maps keep a busy tape from re-running the same evaluation every tick.
func (s *Service) handlePush(q broker.PushQuote) {
	ctx, cancel := context.WithTimeout(context.Background(), pushEvalTimeout)
	defer cancel()

	s.count(func(c *Counters) { c.PushEvents++ })
	now := s.now()

	if s.vixy != nil && q.Symbol == s.vixy.Symbol() {
		if price := q.LastDone.InexactFloat64(); price > 0 {
			at := q.Timestamp
			if at.IsZero() {
				at = now
			}
			s.vixy.Observe(ctx, price, at)
		}
		return
	}

	if !s.hours.IsOpen(ctx, q.Symbol, now) {
		return
	}

	if pos, held := s.cohort.Position(q.Symbol); held {
		if now.Sub(s.lastPush[q.Symbol]) < s.cfg.RealtimeExitEvery {
			return
		}
		s.lastPush[q.Symbol] = now
		sw := &sweep{
			now:     now,
			regime:  s.currentRegime(ctx),
			panicOn: s.panicActive(),
			quotes:  pushQuotes(q),
		}
		s.evaluateExit(ctx, sw, q.Symbol, pos)
		return
	}

	if !s.watchSet[q.Symbol] {
		return
	}
	if now.Sub(s.lastPush[q.Symbol]) < s.cfg.SignalCooldown {
		return
	}
	s.lastPush[q.Symbol] = now
	sw := &sweep{
		now:     now,
		regime:  s.currentRegime(ctx),
		panicOn: s.panicActive(),
		quotes:  pushQuotes(q),
	}
	s.evaluateEntry(ctx, sw, q.Symbol)
}

// pushQuotes seeds a sweep's quote map from a single streamed quote.
func pushQuotes(q broker.PushQuote) map[string]broker.Quote {
	return map[string]broker.Quote{
		q.Symbol: {
			Symbol:    q.Symbol,
			LastDone:  q.LastDone,
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			Volume:    q.Volume,
			Turnover:  q.Turnover,
			Timestamp: q.Timestamp,
		},
	}
}
