package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

// executeSell runs the exit pipeline. Exits are never blocked by pending
// buys: a stop loss must not wait for anything.
func (s *Service) executeSell(ctx context.Context, logger zerolog.Logger, sig *signal.Signal) error {
	if dup, err := s.queue.AnotherInProcessing(ctx, sig); err != nil {
		logger.Warn().Err(err).Msg("processing dedup check failed")
	} else if dup {
		return fmt.Errorf("another %s for %s already executing: %w", sig.Type, sig.Symbol, errSkip)
	}

	_, positions, err := s.cache.State(ctx)
	if err != nil {
		return err
	}
	pos := PositionFor(positions, sig.Symbol)
	if pos == nil || pos.AvailableQuantity <= 0 {
		return fmt.Errorf("no sellable position in %s: %w", sig.Symbol, errSkip)
	}
	available := pos.AvailableQuantity

	lot, err := s.lotSize(ctx, sig.Symbol)
	if err != nil {
		return err
	}

	qty, err := sellQuantity(sig, available, lot)
	if err != nil {
		return err
	}

	quote, err := s.quoteFor(ctx, sig.Symbol)
	if err != nil {
		return err
	}
	base := quote.Bid.InexactFloat64()
	if base <= 0 {
		base = quote.LastDone.InexactFloat64()
	}
	if base <= 0 {
		return fmt.Errorf("no usable price for %s: %w", sig.Symbol, errSkip)
	}
	price := base * (1 - s.cfg.SlippagePct)

	limit := roundPrice(price, broker.MarketOf(sig.Symbol))
	orderID, err := s.placeOrder(ctx, broker.SubmitOrderRequest{
		Symbol:            sig.Symbol,
		OrderType:         broker.OrderTypeLimit,
		Side:              broker.OrderSideSell,
		SubmittedQuantity: qty,
		SubmittedPrice:    limit,
		TimeInForce:       broker.TimeInForceDay,
		Remark:            string(sig.Type),
	})
	if err != nil {
		return err
	}

	limitPrice := limit.InexactFloat64()
	logger.Info().
		Str("order_id", orderID).
		Int64("quantity", qty).
		Int64("available", available).
		Float64("price", limitPrice).
		Msg("sell order submitted")

	s.recordSell(ctx, logger, sig, orderID, limitPrice, qty, available)

	if s.pending != nil {
		if err := s.pending.Track(ctx, pendingOrder{
			OrderID:   orderID,
			Symbol:    sig.Symbol,
			Side:      string(broker.OrderSideSell),
			Price:     limitPrice,
			Quantity:  qty,
			HistoryID: sig.HistoryID,
		}); err != nil {
			logger.Warn().Err(err).Msg("pending order tracking failed")
		}
	}

	// Freed cash is exactly what stuck buys are waiting on.
	s.afterTrade(ctx, logger)

	if s.notifier != nil {
		s.notifier.OrderSubmitted(ctx, sig.Symbol, string(broker.OrderSideSell), orderID, qty, limitPrice)
	}
	return nil
}

// sellQuantity resolves how many shares leave: the signal's own quantity
// when set, otherwise the whole sellable position, with the staged exit
// types taking their fraction of current holdings.
func sellQuantity(sig *signal.Signal, available, lot int64) (int64, error) {
	qty := sig.Quantity
	if qty <= 0 {
		qty = available
	}

	switch sig.Type {
	case signal.TypePartialExit:
		qty = available / 2
	case signal.TypeGradualExit:
		qty = available / 4
	}

	qty = qty / lot * lot
	if qty > available {
		qty = available / lot * lot
	}
	if qty < lot {
		// Too small to stage out; the position rides until a full exit.
		return 0, fmt.Errorf("%s resolves to %d shares (lot %d): %w", sig.Type, qty, lot, errSkip)
	}
	return qty, nil
}

// recordSell writes the optimistic exit bookkeeping: the order record, the
// stop-row transition (terminal close or reduction) and the realized P&L on
// the emission history row.
func (s *Service) recordSell(ctx context.Context, logger zerolog.Logger, sig *signal.Signal, orderID string, price float64, qty, available int64) {
	if s.store == nil {
		return
	}
	now := s.now()

	rec := &database.OrderRecord{
		AccountID:   s.account,
		OrderID:     orderID,
		Symbol:      sig.Symbol,
		Side:        string(broker.OrderSideSell),
		OrderType:   string(broker.OrderTypeLimit),
		Price:       price,
		Quantity:    qty,
		Status:      database.OrderStatusNew,
		SignalType:  string(sig.Type),
		SignalScore: sig.Score,
		SubmittedAt: &now,
	}
	if err := s.store.InsertOrderRecord(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("order record insert failed")
	}

	stop, err := s.store.ActiveStop(ctx, s.account, sig.Symbol)
	if err != nil {
		logger.Warn().Err(err).Msg("active stop lookup failed")
	}
	if stop != nil {
		remaining := stop.Quantity - qty
		if qty >= available || remaining <= 0 {
			status := stopStatusFor(sig.Type)
			if _, err := s.store.ClosePositionStop(ctx, stop.ID, status, price, string(sig.Type), now); err != nil {
				logger.Warn().Err(err).Int64("stop_id", stop.ID).Msg("stop close failed")
			} else {
				logger.Debug().Int64("stop_id", stop.ID).Str("status", status).Msg("stop row closed")
			}
		} else {
			if _, err := s.store.ReducePositionStop(ctx, stop.ID, remaining); err != nil {
				logger.Warn().Err(err).Int64("stop_id", stop.ID).Msg("stop reduce failed")
			} else {
				logger.Debug().Int64("stop_id", stop.ID).Int64("remaining", remaining).Msg("stop row reduced")
			}
		}

		if sig.HistoryID != 0 && stop.EntryPrice > 0 {
			pnl := (price - stop.EntryPrice) * float64(qty)
			pnlPct := (price/stop.EntryPrice - 1) * 100
			if err := s.store.UpdateSignalPnL(ctx, sig.HistoryID, pnl, pnlPct); err != nil {
				logger.Warn().Err(err).Int64("history_id", sig.HistoryID).Msg("pnl update failed")
			}
		}
	}

	if sig.HistoryID != 0 {
		if err := s.store.UpdateSignalExecution(ctx, sig.HistoryID, database.ExecStatusExecuted, now, price, qty, orderID, ""); err != nil {
			logger.Warn().Err(err).Int64("history_id", sig.HistoryID).Msg("history execution update failed")
		}
	}
}

// stopStatusFor maps an exit type to the stop row's terminal status.
func stopStatusFor(t signal.Type) string {
	switch t {
	case signal.TypeStopLoss:
		return database.StopStatusHitStopLoss
	case signal.TypeTakeProfit, signal.TypeSmartTakeProfit, signal.TypeEarlyTakeProfit:
		return database.StopStatusHitTakeProfit
	}
	return database.StopStatusClosed
}
