package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods for both services.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// ORDER RECORDS
// ============================================================================

// InsertOrderRecord saves a submitted order.
func (r *Repository) InsertOrderRecord(ctx context.Context, rec *OrderRecord) error {
	query := `
		INSERT INTO orderrecord (account_id, order_id, symbol, side, order_type, price, quantity,
			status, signal_type, signal_score, error, submitted_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		rec.AccountID, rec.OrderID, rec.Symbol, rec.Side, rec.OrderType, rec.Price, rec.Quantity,
		rec.Status, rec.SignalType, rec.SignalScore, rec.Error, rec.SubmittedAt, rec.ExecutedAt,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// UpdateOrderStatus moves an order to a new broker status.
func (r *Repository) UpdateOrderStatus(ctx context.Context, accountID, orderID, status string, executedAt *time.Time) error {
	query := `
		UPDATE orderrecord
		SET status = $3, executed_at = COALESCE($4, executed_at), updated_at = NOW()
		WHERE account_id = $1 AND order_id = $2
	`
	_, err := r.db.Pool.Exec(ctx, query, accountID, orderID, status, executedAt)
	return err
}

// TodayTradedSymbols returns the symbols with an order on the given trading
// date whose status still counts toward the daily cap (pending included).
// The bracket runs to 06:00 the next day so the overnight tail of a US
// session (00:00-04:00 Beijing) stays attached to its trading date.
func (r *Repository) TodayTradedSymbols(ctx context.Context, accountID string, tradingDay time.Time) (map[string]bool, error) {
	query := `
		SELECT DISTINCT symbol
		FROM orderrecord
		WHERE account_id = $1
		  AND created_at >= $2 AND created_at < $3
		  AND status IN ('WaitToNew', 'New', 'PartialFilled', 'Filled')
	`
	start, end := tradingDayBracket(tradingDay)
	rows, err := r.db.Pool.Query(ctx, query, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query today's orders: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		out[symbol] = true
	}
	return out, rows.Err()
}

// CountTodayBuys returns how many buy orders exist for (account, symbol) on
// the given trading date, pending statuses included.
func (r *Repository) CountTodayBuys(ctx context.Context, accountID, symbol string, tradingDay time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM orderrecord
		WHERE account_id = $1 AND symbol = $2 AND side = 'BUY'
		  AND created_at >= $3 AND created_at < $4
		  AND status IN ('WaitToNew', 'New', 'PartialFilled', 'Filled')
	`
	start, end := tradingDayBracket(tradingDay)
	var n int
	err := r.db.Pool.QueryRow(ctx, query, accountID, symbol, start, end).Scan(&n)
	return n, err
}

// tradingDayBracket returns [00:00 of the trading day, 06:00 next day) in the
// day's own location. No HK order can land in the 00:00-06:00 spillover, so
// only the US overnight tail is affected.
func tradingDayBracket(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return start, start.Add(30 * time.Hour)
}

// ============================================================================
// POSITION STOPS
// ============================================================================

// InsertPositionStop creates the active stop row for a new position. The
// partial unique index rejects a second active row per (account, symbol).
func (r *Repository) InsertPositionStop(ctx context.Context, stop *PositionStop) error {
	query := `
		INSERT INTO position_stops (account_id, symbol, entry_price, quantity, stop_loss,
			take_profit, atr, strategy, status, entry_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9)
		RETURNING id, created_at, updated_at
	`
	entryTime := stop.EntryTime
	if entryTime.IsZero() {
		entryTime = time.Now()
	}
	return r.db.Pool.QueryRow(
		ctx, query,
		stop.AccountID, stop.Symbol, stop.EntryPrice, stop.Quantity, stop.StopLoss,
		stop.TakeProfit, stop.ATR, stop.Strategy, entryTime,
	).Scan(&stop.ID, &stop.CreatedAt, &stop.UpdatedAt)
}

// ActiveStop returns the active stop row for (account, symbol), nil if none.
func (r *Repository) ActiveStop(ctx context.Context, accountID, symbol string) (*PositionStop, error) {
	query := activeStopSelect + ` WHERE account_id = $1 AND symbol = $2 AND status = 'active'`
	stop, err := r.scanStop(r.db.Pool.QueryRow(ctx, query, accountID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return stop, err
}

// ActiveStops returns every active stop row for the account.
func (r *Repository) ActiveStops(ctx context.Context, accountID string) ([]*PositionStop, error) {
	query := activeStopSelect + ` WHERE account_id = $1 AND status = 'active' ORDER BY symbol`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active stops: %w", err)
	}
	defer rows.Close()

	var out []*PositionStop
	for rows.Next() {
		stop, err := r.scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stop)
	}
	return out, rows.Err()
}

const activeStopSelect = `
	SELECT id, account_id, symbol, entry_price, quantity, stop_loss, take_profit,
	       atr, COALESCE(strategy, ''), status, entry_time, exit_time,
	       COALESCE(exit_price, 0), COALESCE(exit_reason, ''), created_at, updated_at
	FROM position_stops`

func (r *Repository) scanStop(row pgx.Row) (*PositionStop, error) {
	stop := &PositionStop{}
	err := row.Scan(
		&stop.ID, &stop.AccountID, &stop.Symbol, &stop.EntryPrice, &stop.Quantity,
		&stop.StopLoss, &stop.TakeProfit, &stop.ATR, &stop.Strategy, &stop.Status,
		&stop.EntryTime, &stop.ExitTime, &stop.ExitPrice, &stop.ExitReason,
		&stop.CreatedAt, &stop.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

// ClosePositionStop moves an active row to a terminal status. The status
// guard makes the transition monotonic: a row already terminal is left
// untouched and the call reports false.
func (r *Repository) ClosePositionStop(ctx context.Context, id int64, status string, exitPrice float64, exitReason string, exitTime time.Time) (bool, error) {
	if !IsTerminalStopStatus(status) {
		return false, fmt.Errorf("refusing transition to non-terminal status %q", status)
	}
	query := `
		UPDATE position_stops
		SET status = $2, exit_price = $3, exit_reason = $4, exit_time = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, status, exitPrice, exitReason, exitTime)
	if err != nil {
		return false, fmt.Errorf("failed to close position stop: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReducePositionStop shrinks the tracked quantity after a partial exit,
// keeping the row active.
func (r *Repository) ReducePositionStop(ctx context.Context, id int64, newQuantity int64) (bool, error) {
	if newQuantity <= 0 {
		return false, fmt.Errorf("reduce needs a positive quantity, got %d", newQuantity)
	}
	query := `
		UPDATE position_stops
		SET quantity = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND quantity > $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, newQuantity)
	if err != nil {
		return false, fmt.Errorf("failed to reduce position stop: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RaiseStops lifts stop_loss/take_profit on an active row (smart hold).
func (r *Repository) RaiseStops(ctx context.Context, id int64, stopLoss, takeProfit float64) (bool, error) {
	query := `
		UPDATE position_stops
		SET stop_loss = GREATEST(stop_loss, $2), take_profit = GREATEST(take_profit, $3), updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, stopLoss, takeProfit)
	if err != nil {
		return false, fmt.Errorf("failed to raise stops: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncreasePositionStop grows the tracked quantity and re-averages the entry
// price after an ADD_POSITION fill.
func (r *Repository) IncreasePositionStop(ctx context.Context, id int64, addQuantity int64, addPrice float64) (bool, error) {
	if addQuantity <= 0 {
		return false, fmt.Errorf("increase needs a positive quantity, got %d", addQuantity)
	}
	query := `
		UPDATE position_stops
		SET entry_price = (entry_price * quantity + $3 * $2) / (quantity + $2),
		    quantity = quantity + $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, addQuantity, addPrice)
	if err != nil {
		return false, fmt.Errorf("failed to increase position stop: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// KellyStats aggregates closed trades since the cutoff. symbol narrows to one
// symbol; market (HK/US) narrows to one market; both empty = global.
func (r *Repository) KellyStats(ctx context.Context, accountID, symbol, market string, since time.Time) (TradeStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE exit_price > entry_price),
		       COALESCE(AVG((exit_price - entry_price) / entry_price)
		           FILTER (WHERE exit_price > entry_price), 0),
		       COALESCE(AVG((entry_price - exit_price) / entry_price)
		           FILTER (WHERE exit_price < entry_price), 0)
		FROM position_stops
		WHERE account_id = $1
		  AND status <> 'active'
		  AND exit_price IS NOT NULL AND exit_price > 0 AND entry_price > 0
		  AND exit_time >= $2
		  AND ($3 = '' OR symbol = $3)
		  AND ($4 = '' OR symbol LIKE '%.' || $4)
	`
	var stats TradeStats
	err := r.db.Pool.QueryRow(ctx, query, accountID, since, symbol, strings.ToUpper(market)).
		Scan(&stats.Trades, &stats.Wins, &stats.AvgWinPct, &stats.AvgLossPct)
	if err != nil {
		return TradeStats{}, fmt.Errorf("failed to aggregate trade stats: %w", err)
	}
	return stats, nil
}

// ============================================================================
// SIGNAL HISTORY
// ============================================================================

// InsertSignalHistory writes the emission row and fills in its ID.
func (r *Repository) InsertSignalHistory(ctx context.Context, h *SignalHistory) error {
	indicators, err := h.indicatorsJSON()
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}
	if h.ExecutionStatus == "" {
		h.ExecutionStatus = ExecStatusPending
	}
	query := `
		INSERT INTO signal_history (account_id, timestamp, symbol, action, price, score,
			confidence, indicators, strategy_name, execution_status, market_trend, volatility, notes)
		VALUES ($1, COALESCE($2, NOW()), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))
		RETURNING id, timestamp
	`
	var ts *time.Time
	if !h.Timestamp.IsZero() {
		ts = &h.Timestamp
	}
	return r.db.Pool.QueryRow(
		ctx, query,
		h.AccountID, ts, h.Symbol, h.Action, h.Price, h.Score,
		h.Confidence, indicators, h.StrategyName, h.ExecutionStatus,
		h.MarketTrend, h.Volatility, h.Notes,
	).Scan(&h.ID, &h.Timestamp)
}

// UpdateSignalExecution records the executor's outcome on the emission row.
func (r *Repository) UpdateSignalExecution(ctx context.Context, id int64, status string, executedAt time.Time, price float64, quantity int64, orderID, execError string) error {
	if id == 0 {
		return nil // signal predates history tracking; nothing to update
	}
	query := `
		UPDATE signal_history
		SET execution_status = $2,
		    executed_at = $3,
		    execution_price = NULLIF($4, 0),
		    execution_quantity = NULLIF($5, 0),
		    order_id = NULLIF($6, ''),
		    execution_error = NULLIF($7, '')
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id, status, executedAt, price, quantity, orderID, execError)
	return err
}

// UpdateSignalPnL backfills realized pnl once an exit completes.
func (r *Repository) UpdateSignalPnL(ctx context.Context, id int64, pnl, pnlPercent float64) error {
	if id == 0 {
		return nil
	}
	query := `UPDATE signal_history SET pnl = $2, pnl_percent = $3 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, pnl, pnlPercent)
	return err
}

// RecentFailedSignals lists recently failed executions for the ops API.
func (r *Repository) RecentFailedSignals(ctx context.Context, accountID string, limit int) ([]*SignalHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, timestamp, symbol, action, COALESCE(price, 0), COALESCE(score, 0),
		       execution_status, executed_at, COALESCE(execution_price, 0),
		       COALESCE(execution_quantity, 0), COALESCE(order_id, ''), COALESCE(execution_error, '')
		FROM signal_history
		WHERE account_id = $1 AND execution_status = 'failed'
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed signals: %w", err)
	}
	defer rows.Close()

	var out []*SignalHistory
	for rows.Next() {
		h := &SignalHistory{}
		if err := rows.Scan(
			&h.ID, &h.AccountID, &h.Timestamp, &h.Symbol, &h.Action, &h.Price, &h.Score,
			&h.ExecutionStatus, &h.ExecutedAt, &h.ExecutionPrice,
			&h.ExecutionQuantity, &h.OrderID, &h.ExecutionError,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ============================================================================
// TRADING CALENDAR
// ============================================================================

// Holiday reports whether day is a holiday for market, and whether it is a
// half-day session. Missing rows mean a normal weekday schedule.
func (r *Repository) Holiday(ctx context.Context, market string, day time.Time) (holiday, halfDay bool, err error) {
	query := `SELECT half_day FROM trading_calendar WHERE market = $1 AND holiday = $2`
	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	err = r.db.Pool.QueryRow(ctx, query, strings.ToUpper(market), date).Scan(&halfDay)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to query trading calendar: %w", err)
	}
	return true, halfDay, nil
}

// UpsertHoliday inserts or updates one calendar override.
func (r *Repository) UpsertHoliday(ctx context.Context, day CalendarDay) error {
	query := `
		INSERT INTO trading_calendar (market, holiday, half_day, description)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (market, holiday) DO UPDATE
		SET half_day = EXCLUDED.half_day, description = EXCLUDED.description
	`
	date := time.Date(day.Holiday.Year(), day.Holiday.Month(), day.Holiday.Day(), 0, 0, 0, 0, time.UTC)
	_, err := r.db.Pool.Exec(ctx, query, strings.ToUpper(day.Market), date, day.HalfDay, day.Description)
	return err
}
