package generator

import (
	"context"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

const backfillSyncTimeout = 30 * time.Second

// backfill tops up daily history for watchlist symbols before the first
// scan, so indicators have their minimum lookback on day one. Symbols whose
// storage is already warm are skipped.
func (s *Service) backfill() {
	start := s.now()
	synced, warm := 0, 0
	for _, symbol := range s.watch.Active() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if market.IsOptionSymbol(symbol) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), backfillSyncTimeout)
		need, err := s.klines.NeedsSync(ctx, symbol)
		if err != nil {
			cancel()
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("backfill check failed")
			continue
		}
		if !need {
			cancel()
			warm++
			continue
		}
		n, err := s.klines.Sync(ctx, symbol)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("backfill sync failed")
			continue
		}
		synced++
		s.logger.Debug().Str("symbol", symbol).Int("rows", n).Msg("history synced")
	}
	s.logger.Info().
		Int("synced", synced).
		Int("warm", warm).
		Dur("took", s.now().Sub(start)).
		Msg("kline backfill finished")
}
