package broker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market is the exchange a symbol trades on, derived from its suffix.
type Market string

const (
	MarketHK      Market = "HK"
	MarketUS      Market = "US"
	MarketSH      Market = "SH"
	MarketSZ      Market = "SZ"
	MarketUnknown Market = ""
)

// MarketOf parses the market out of a suffixed symbol like "700.HK".
func MarketOf(symbol string) Market {
	idx := strings.LastIndex(symbol, ".")
	if idx < 0 || idx == len(symbol)-1 {
		return MarketUnknown
	}
	switch strings.ToUpper(symbol[idx+1:]) {
	case "HK":
		return MarketHK
	case "US":
		return MarketUS
	case "SH":
		return MarketSH
	case "SZ":
		return MarketSZ
	}
	return MarketUnknown
}

// CurrencyFor returns the settlement currency of a market.
func CurrencyFor(m Market) string {
	switch m {
	case MarketHK:
		return "HKD"
	case MarketUS:
		return "USD"
	case MarketSH, MarketSZ:
		return "CNH"
	}
	return ""
}

// Period is a candlestick bar size.
type Period string

const (
	PeriodDay  Period = "day"
	PeriodWeek Period = "week"
)

// AdjustType selects price adjustment for historical candles.
type AdjustType string

const (
	AdjustNone    AdjustType = "no_adjust"
	AdjustForward AdjustType = "forward_adjust"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderType is the pricing style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LO"
	OrderTypeMarket OrderType = "MO"
)

// TimeInForce bounds an order's lifetime.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "Day"
	TimeInForceGTC TimeInForce = "GTC"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusWaitToNew     OrderStatus = "WaitToNew"
	OrderStatusNew           OrderStatus = "New"
	OrderStatusPartialFilled OrderStatus = "PartialFilled"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusWaitToCancel  OrderStatus = "WaitToCancel"
	OrderStatusCanceled      OrderStatus = "Canceled"
	OrderStatusRejected      OrderStatus = "Rejected"
	OrderStatusExpired       OrderStatus = "Expired"
)

// Active reports whether the order still holds or may consume shares.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderStatusWaitToNew, OrderStatusNew, OrderStatusPartialFilled, OrderStatusWaitToCancel:
		return true
	}
	return false
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CountsTowardDailyBuy reports whether an order of this status blocks another
// entry for the same symbol today.
func (s OrderStatus) CountsTowardDailyBuy() bool {
	switch s {
	case OrderStatusFilled, OrderStatusPartialFilled, OrderStatusNew, OrderStatusWaitToNew:
		return true
	}
	return false
}

// Quote is a realtime snapshot for one symbol. Bid and Ask are zero when the
// gateway omits book data (halted symbol, closed session).
type Quote struct {
	Symbol    string          `json:"symbol"`
	LastDone  decimal.Decimal `json:"last_done"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	Volume    int64           `json:"volume"`
	Turnover  decimal.Decimal `json:"turnover"`
	Timestamp time.Time       `json:"timestamp"`
}

// Candlestick is one OHLCV bar.
type Candlestick struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Turnover  decimal.Decimal `json:"turnover"`
	Timestamp time.Time       `json:"timestamp"`
}

// PushQuote is a realtime quote delivered over the websocket stream.
type PushQuote struct {
	Symbol    string          `json:"symbol"`
	LastDone  decimal.Decimal `json:"last_done"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    int64           `json:"volume"`
	Turnover  decimal.Decimal `json:"turnover"`
	Timestamp time.Time       `json:"timestamp"`
}

// CashInfo is the per-currency slice of an account balance.
type CashInfo struct {
	WithdrawCash  decimal.Decimal `json:"withdraw_cash"`
	AvailableCash decimal.Decimal `json:"available_cash"`
	FrozenCash    decimal.Decimal `json:"frozen_cash"`
	SettlingCash  decimal.Decimal `json:"settling_cash"`
	Currency      string          `json:"currency"`
}

// AccountBalance is one currency view of the trading account.
type AccountBalance struct {
	TotalCash              decimal.Decimal `json:"total_cash"`
	MaxFinanceAmount       decimal.Decimal `json:"max_finance_amount"`
	RemainingFinanceAmount decimal.Decimal `json:"remaining_finance_amount"`
	RiskLevel              int             `json:"risk_level"`
	MarginCall             decimal.Decimal `json:"margin_call"`
	Currency               string          `json:"currency"`
	CashInfos              []CashInfo      `json:"cash_infos"`
	NetAssets              decimal.Decimal `json:"net_assets"`
	InitMargin             decimal.Decimal `json:"init_margin"`
	MaintenanceMargin      decimal.Decimal `json:"maintenance_margin"`
	BuyPower               decimal.Decimal `json:"buy_power"`
}

// AvailableCash returns the available cash for a currency, zero if absent.
func (b *AccountBalance) AvailableCash(currency string) decimal.Decimal {
	for _, ci := range b.CashInfos {
		if ci.Currency == currency {
			return ci.AvailableCash
		}
	}
	return decimal.Zero
}

// Position is one stock holding.
type Position struct {
	Symbol            string          `json:"symbol"`
	SymbolName        string          `json:"symbol_name"`
	Quantity          int64           `json:"quantity"`
	AvailableQuantity int64           `json:"available_quantity"`
	Currency          string          `json:"currency"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	Market            Market          `json:"market"`
}

// Order is a broker-side order record.
type Order struct {
	OrderID          string          `json:"order_id"`
	Symbol           string          `json:"symbol"`
	StockName        string          `json:"stock_name"`
	Side             OrderSide       `json:"side"`
	OrderType        OrderType       `json:"order_type"`
	Price            decimal.Decimal `json:"price"`
	Quantity         int64           `json:"quantity"`
	ExecutedQuantity int64           `json:"executed_quantity"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	Status           OrderStatus     `json:"status"`
	TimeInForce      TimeInForce     `json:"time_in_force"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Execution is one fill.
type Execution struct {
	OrderID     string          `json:"order_id"`
	TradeID     string          `json:"trade_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	TradeDoneAt time.Time       `json:"trade_done_at"`
}

// SubmitOrderRequest is the payload for placing an order.
type SubmitOrderRequest struct {
	Symbol            string          `json:"symbol"`
	OrderType         OrderType       `json:"order_type"`
	Side              OrderSide       `json:"side"`
	SubmittedQuantity int64           `json:"submitted_quantity"`
	SubmittedPrice    decimal.Decimal `json:"submitted_price"`
	TimeInForce       TimeInForce     `json:"time_in_force"`
	OutsideRTH        string          `json:"outside_rth,omitempty"`
	Remark            string          `json:"remark,omitempty"`
}

// SubmitOrderResponse carries the broker-assigned order id.
type SubmitOrderResponse struct {
	OrderID string `json:"order_id"`
}

// EstimateMaxPurchaseQuantityRequest asks how many shares an account can buy.
type EstimateMaxPurchaseQuantityRequest struct {
	Symbol    string          `json:"symbol"`
	OrderType OrderType       `json:"order_type"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
}

// EstimateMaxPurchaseQuantityResponse is the broker's purchasable-quantity answer.
type EstimateMaxPurchaseQuantityResponse struct {
	CashMaxQty   int64 `json:"cash_max_qty"`
	MarginMaxQty int64 `json:"margin_max_qty"`
}

// SecurityStaticInfo carries per-symbol reference data.
type SecurityStaticInfo struct {
	Symbol   string `json:"symbol"`
	NameEn   string `json:"name_en"`
	LotSize  int    `json:"lot_size"`
	Currency string `json:"currency"`
}
