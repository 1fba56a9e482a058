// Package broker implements the OpenAPI brokerage client used by both
// services: REST for quotes, account state and orders, and a websocket
// stream for realtime quote pushes.
package broker

import (
	"context"
	"time"
)

// QuoteAPI is the market-data surface.
type QuoteAPI interface {
	// Quotes returns realtime snapshots for up to 500 symbols per call.
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
	// HistoryCandles returns daily bars between start and end inclusive.
	HistoryCandles(ctx context.Context, symbol string, period Period, adjust AdjustType, start, end time.Time) ([]Candlestick, error)
	// Candlesticks returns the most recent count bars.
	Candlesticks(ctx context.Context, symbol string, period Period, count int) ([]Candlestick, error)
	// StaticInfo returns reference data (lot size, currency) per symbol.
	StaticInfo(ctx context.Context, symbols []string) ([]SecurityStaticInfo, error)
}

// TradeAPI is the account and order surface.
type TradeAPI interface {
	AccountBalances(ctx context.Context) ([]AccountBalance, error)
	StockPositions(ctx context.Context) ([]Position, error)
	TodayOrders(ctx context.Context) ([]Order, error)
	TodayExecutions(ctx context.Context) ([]Execution, error)
	SubmitOrder(ctx context.Context, req SubmitOrderRequest) (SubmitOrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	EstimateMaxPurchaseQuantity(ctx context.Context, req EstimateMaxPurchaseQuantityRequest) (EstimateMaxPurchaseQuantityResponse, error)
}

// API is the full brokerage surface the services depend on.
type API interface {
	QuoteAPI
	TradeAPI
}

// Ensure both the REST client and the mock satisfy the full surface.
var (
	_ API = (*Client)(nil)
	_ API = (*MockClient)(nil)
)
