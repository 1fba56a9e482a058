package database

import (
	"encoding/json"
	"time"
)

// Broker order statuses as persisted in orderrecord.status.
const (
	OrderStatusWaitToNew     = "WaitToNew"
	OrderStatusNew           = "New"
	OrderStatusPartialFilled = "PartialFilled"
	OrderStatusFilled        = "Filled"
	OrderStatusCanceled      = "Canceled"
	OrderStatusRejected      = "Rejected"
	OrderStatusExpired       = "Expired"
)

// IsOpenOrderStatus reports whether a status still occupies today's budget:
// pending and filled orders both count toward "traded today".
func IsOpenOrderStatus(status string) bool {
	switch status {
	case OrderStatusWaitToNew, OrderStatusNew, OrderStatusPartialFilled, OrderStatusFilled:
		return true
	}
	return false
}

// OrderRecord is one submitted broker order.
type OrderRecord struct {
	ID          int64      `json:"id"`
	AccountID   string     `json:"account_id"`
	OrderID     string     `json:"order_id"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	OrderType   string     `json:"order_type"`
	Price       float64    `json:"price"`
	Quantity    int64      `json:"quantity"`
	Status      string     `json:"status"`
	SignalType  string     `json:"signal_type"`
	SignalScore float64    `json:"signal_score"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PositionStop statuses. Transitions are monotonic: active rows move to
// exactly one terminal status and never back.
const (
	StopStatusActive        = "active"
	StopStatusHitStopLoss   = "hit_stop_loss"
	StopStatusHitTakeProfit = "hit_take_profit"
	StopStatusClosed        = "closed"
)

// IsTerminalStopStatus reports whether a position_stops status is terminal.
func IsTerminalStopStatus(status string) bool {
	switch status {
	case StopStatusHitStopLoss, StopStatusHitTakeProfit, StopStatusClosed:
		return true
	}
	return false
}

// PositionStop tracks the protective levels of one held position.
type PositionStop struct {
	ID         int64      `json:"id"`
	AccountID  string     `json:"account_id"`
	Symbol     string     `json:"symbol"`
	EntryPrice float64    `json:"entry_price"`
	Quantity   int64      `json:"quantity"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	ATR        float64    `json:"atr"`
	Strategy   string     `json:"strategy"`
	Status     string     `json:"status"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SignalHistory execution statuses.
const (
	ExecStatusPending   = "pending"
	ExecStatusSubmitted = "submitted"
	ExecStatusExecuted  = "executed"
	ExecStatusFailed    = "failed"
	ExecStatusSkipped   = "skipped"
)

// SignalHistory is the append-only record of every emitted signal, updated
// once more when the executor finishes with it.
type SignalHistory struct {
	ID           int64      `json:"id"`
	AccountID    string     `json:"account_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Symbol       string     `json:"symbol"`
	Action       string     `json:"action"`
	Price        float64    `json:"price"`
	Score        float64    `json:"score"`
	Confidence   float64    `json:"confidence"`
	Indicators   map[string]float64 `json:"indicators,omitempty"`
	StrategyName string     `json:"strategy_name"`

	ExecutionStatus   string     `json:"execution_status"`
	ExecutedAt        *time.Time `json:"executed_at,omitempty"`
	ExecutionPrice    float64    `json:"execution_price,omitempty"`
	ExecutionQuantity int64      `json:"execution_quantity,omitempty"`
	OrderID           string     `json:"order_id,omitempty"`
	ExecutionError    string     `json:"execution_error,omitempty"`

	PnL         float64 `json:"pnl,omitempty"`
	PnLPercent  float64 `json:"pnl_percent,omitempty"`
	MarketTrend string  `json:"market_trend,omitempty"`
	Volatility  float64 `json:"volatility,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// indicatorsJSON renders the indicator snapshot for the JSONB column.
func (h *SignalHistory) indicatorsJSON() ([]byte, error) {
	if len(h.Indicators) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(h.Indicators)
}

// TradeStats aggregates closed trades for Kelly sizing.
type TradeStats struct {
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	AvgWinPct  float64 `json:"avg_win_pct"`  // mean positive return, e.g. 0.04
	AvgLossPct float64 `json:"avg_loss_pct"` // mean loss magnitude, positive number
}

// WinRate returns wins/trades, 0 when empty.
func (s TradeStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// CalendarDay is one trading_calendar override row.
type CalendarDay struct {
	Market      string    `json:"market"`
	Holiday     time.Time `json:"holiday"`
	HalfDay     bool      `json:"half_day"`
	Description string    `json:"description,omitempty"`
}
