package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

// executeBuy runs the entry pipeline: gates, sizing, the broker's own
// purchasing-power bound, and submission with stop bookkeeping. Returned
// errors carry the class finish() routes on.
func (s *Service) executeBuy(ctx context.Context, logger zerolog.Logger, sig *signal.Signal) error {
	if sig.Type == signal.TypeWeakBuy && sig.Score < s.cfg.MinWeakBuyScore {
		return fmt.Errorf("weak buy score %.1f under %.1f floor: %w", sig.Score, s.cfg.MinWeakBuyScore, errSkip)
	}
	if s.panicActive(ctx) {
		return fmt.Errorf("panic breaker engaged, entries suspended: %w", errSkip)
	}

	// An exit queued for the symbol outranks any entry. The generator runs
	// the same check at publish time; this one catches races.
	if pending, err := s.queue.HasPending(ctx, sig.Symbol, signal.SideSell, false); err != nil {
		logger.Warn().Err(err).Msg("pending-sell check failed")
	} else if pending {
		return fmt.Errorf("sell pending for %s: %w", sig.Symbol, errSkip)
	}
	if dup, err := s.queue.AnotherInProcessing(ctx, sig); err != nil {
		logger.Warn().Err(err).Msg("processing dedup check failed")
	} else if dup {
		return fmt.Errorf("another %s for %s already executing: %w", sig.Type, sig.Symbol, errSkip)
	}

	quote, err := s.quoteFor(ctx, sig.Symbol)
	if err != nil {
		return err
	}
	base := quote.Ask.InexactFloat64()
	if base <= 0 {
		// Book unavailable (halted, closed session): price off the last trade.
		base = quote.LastDone.InexactFloat64()
	}
	if base <= 0 {
		return fmt.Errorf("no usable price for %s: %w", sig.Symbol, errSkip)
	}
	price := base * (1 + s.cfg.SlippagePct)

	lot, err := s.lotSize(ctx, sig.Symbol)
	if err != nil {
		return err
	}

	balances, positions, err := s.cache.State(ctx)
	if err != nil {
		return err
	}

	qty := sig.Quantity
	if qty > 0 {
		// Generator-sized adds carry their own quantity.
		qty = qty / lot * lot
	} else {
		budget := s.sizer.Budget(ctx, risk.BudgetInput{
			Symbol:   sig.Symbol,
			Score:    sig.Score,
			Price:    price,
			LotSize:  lot,
			Regime:   s.currentRegime(ctx),
			Balances: balances,
		})
		qty = budget.Quantity
		logger.Debug().
			Float64("net_assets", budget.NetAssets).
			Float64("available", budget.Available).
			Float64("score_pct", budget.ScorePct).
			Float64("kelly_pct", budget.KellyPct).
			Float64("amount", budget.Amount).
			Int64("quantity", qty).
			Msg("budget computed")
		if qty == 0 {
			// Margin headroom is gone; half the idle cash may still fund it.
			currency := broker.CurrencyFor(broker.MarketOf(sig.Symbol))
			if bal := balanceFor(balances, currency); bal != nil {
				if fallback := risk.CashFallback(bal, currency, price, lot); fallback > 0 {
					qty = fallback
					logger.Info().Int64("quantity", qty).Msg("sized from cash fallback")
				}
			}
		}
	}

	// The broker's estimate bounds the ask regardless of how we sized.
	est, err := s.api.EstimateMaxPurchaseQuantity(ctx, broker.EstimateMaxPurchaseQuantityRequest{
		Symbol:    sig.Symbol,
		OrderType: broker.OrderTypeLimit,
		Side:      broker.OrderSideBuy,
		Price:     roundPrice(price, broker.MarketOf(sig.Symbol)),
	})
	if err != nil {
		return fmt.Errorf("purchase estimate failed: %w", err)
	}
	apiMax := est.MarginMaxQty
	if est.CashMaxQty > apiMax {
		apiMax = est.CashMaxQty
	}
	apiMax = apiMax / lot * lot
	if qty > apiMax {
		logger.Debug().Int64("sized", qty).Int64("api_max", apiMax).Msg("clamped to broker estimate")
		qty = apiMax
	}

	if qty < lot {
		if s.tryRotation(ctx, logger, sig, positions) {
			return fmt.Errorf("rotation sell emitted, awaiting freed capital: %w", broker.ErrInsufficientFunds)
		}
		s.notifyInsufficientFunds(ctx, sig, balances, price, lot)
		return fmt.Errorf("cannot fund one lot of %s: %w", sig.Symbol, broker.ErrInsufficientFunds)
	}

	return s.submitBuy(ctx, logger, sig, price, qty)
}

func (s *Service) submitBuy(ctx context.Context, logger zerolog.Logger, sig *signal.Signal, price float64, qty int64) error {
	limit := roundPrice(price, broker.MarketOf(sig.Symbol))
	orderID, err := s.placeOrder(ctx, broker.SubmitOrderRequest{
		Symbol:            sig.Symbol,
		OrderType:         broker.OrderTypeLimit,
		Side:              broker.OrderSideBuy,
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
		Float64("price", limitPrice).
		Msg("buy order submitted")

	stopID := s.recordBuy(ctx, logger, sig, orderID, limitPrice, qty)

	if s.pending != nil {
		if err := s.pending.Track(ctx, pendingOrder{
			OrderID:   orderID,
			Symbol:    sig.Symbol,
			Side:      string(broker.OrderSideBuy),
			Price:     limitPrice,
			Quantity:  qty,
			StopID:    stopID,
			HistoryID: sig.HistoryID,
		}); err != nil {
			logger.Warn().Err(err).Msg("pending order tracking failed")
		}
	}

	s.afterTrade(ctx, logger)

	if s.notifier != nil {
		s.notifier.OrderSubmitted(ctx, sig.Symbol, string(broker.OrderSideBuy), orderID, qty, limitPrice)
	}
	return nil
}

// recordBuy writes the optimistic bookkeeping for a submitted buy: order
// record, protective stop row (new or increased) and the history outcome.
// Returns the id of a stop row created here, 0 otherwise, so a timeout
// cancellation knows what to unwind.
func (s *Service) recordBuy(ctx context.Context, logger zerolog.Logger, sig *signal.Signal, orderID string, price float64, qty int64) int64 {
	if s.store == nil {
		return 0
	}
	now := s.now()

	rec := &database.OrderRecord{
		AccountID:   s.account,
		OrderID:     orderID,
		Symbol:      sig.Symbol,
		Side:        string(broker.OrderSideBuy),
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

	var stopID int64
	increased := false
	if sig.Type == signal.TypeAddPosition {
		stop, err := s.store.ActiveStop(ctx, s.account, sig.Symbol)
		if err != nil {
			logger.Warn().Err(err).Msg("active stop lookup failed")
		}
		if stop != nil {
			if _, err := s.store.IncreasePositionStop(ctx, stop.ID, qty, price); err != nil {
				logger.Warn().Err(err).Int64("stop_id", stop.ID).Msg("stop increase failed")
			} else {
				increased = true
			}
		}
	}
	if !increased {
		stopLoss, takeProfit := protectiveLevels(sig, price)
		stop := &database.PositionStop{
			AccountID:  s.account,
			Symbol:     sig.Symbol,
			EntryPrice: price,
			Quantity:   qty,
			StopLoss:   stopLoss,
			TakeProfit: takeProfit,
			ATR:        sig.Indicators["atr"],
			Strategy:   string(sig.Type),
			EntryTime:  now,
		}
		if err := s.store.InsertPositionStop(ctx, stop); err != nil {
			logger.Warn().Err(err).Msg("stop row insert failed")
		} else {
			stopID = stop.ID
			logger.Debug().
				Int64("stop_id", stopID).
				Float64("stop_loss", stopLoss).
				Float64("take_profit", takeProfit).
				Msg("protective stop recorded")
		}
	}

	if sig.HistoryID != 0 {
		if err := s.store.UpdateSignalExecution(ctx, sig.HistoryID, database.ExecStatusExecuted, now, price, qty, orderID, ""); err != nil {
			logger.Warn().Err(err).Int64("history_id", sig.HistoryID).Msg("history execution update failed")
		}
	}
	return stopID
}

// protectiveLevels resolves stop levels from the signal, falling back to the
// ATR bands when the generator did not set them.
func protectiveLevels(sig *signal.Signal, price float64) (stopLoss, takeProfit float64) {
	stopLoss, takeProfit = sig.StopLoss, sig.TakeProfit
	atr := sig.Indicators["atr"]
	if stopLoss <= 0 && atr > 0 {
		stopLoss = price - 2.5*atr
	}
	if takeProfit <= 0 && atr > 0 {
		takeProfit = price + 3.5*atr
	}
	return stopLoss, takeProfit
}

func (s *Service) notifyInsufficientFunds(ctx context.Context, sig *signal.Signal, balances []broker.AccountBalance, price float64, lot int64) {
	if s.notifier == nil {
		return
	}
	currency := broker.CurrencyFor(broker.MarketOf(sig.Symbol))
	available := 0.0
	if bal := balanceFor(balances, currency); bal != nil {
		available = bal.BuyPower.InexactFloat64()
	}
	s.notifier.InsufficientFunds(ctx, sig.Symbol, currency, price*float64(lot), available)
}

// placeOrder submits through the broker, or fabricates an order id in dry
// run so downstream bookkeeping still exercises.
func (s *Service) placeOrder(ctx context.Context, req broker.SubmitOrderRequest) (string, error) {
	if s.cfg.DryRun {
		id := "dry-" + uuid.NewString()[:8]
		s.logger.Info().
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Int64("quantity", req.SubmittedQuantity).
			Str("price", req.SubmittedPrice.String()).
			Msg("dry run, order not sent")
		return id, nil
	}
	resp, err := s.api.SubmitOrder(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

func (s *Service) quoteFor(ctx context.Context, symbol string) (*broker.Quote, error) {
	quotes, err := s.api.Quotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote for %s: %w", symbol, broker.ErrInvalidSymbol)
	}
	return &quotes[0], nil
}

// afterTrade refreshes cached account state and wakes funds-delayed buys.
// Both are best effort: a sell that freed cash must not fail because the
// follow-up housekeeping did.
func (s *Service) afterTrade(ctx context.Context, logger zerolog.Logger) {
	if s.cache != nil {
		if err := s.cache.ForceRefresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("account refresh after trade failed")
		}
	}
	if n, err := s.queue.WakeUpDelayed(ctx); err != nil {
		logger.Warn().Err(err).Msg("delayed-signal wake failed")
	} else if n > 0 {
		logger.Info().Int("woken", n).Msg("woke delayed signals")
	}
}

func (s *Service) currentRegime(ctx context.Context) strategy.Regime {
	if s.regime == nil {
		return strategy.RegimeRange
	}
	return s.regime.Current(ctx)
}

// roundPrice renders a limit price at the venue's precision: HK quotes to
// three decimals, US to cents.
func roundPrice(price float64, m broker.Market) decimal.Decimal {
	places := int32(2)
	if m == broker.MarketHK {
		places = 3
	}
	return decimal.NewFromFloat(price).Round(places)
}

func balanceFor(balances []broker.AccountBalance, currency string) *broker.AccountBalance {
	for i := range balances {
		if balances[i].Currency == currency {
			return &balances[i]
		}
	}
	return nil
}
