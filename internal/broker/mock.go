package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory API implementation for tests and dry runs.
// State is settable from tests; all methods are safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	QuotesBySymbol map[string]Quote
	CandlesBySym   map[string][]Candlestick
	Balances       []AccountBalance
	Positions      []Position
	Orders         []Order
	Executions     []Execution
	StaticInfos    map[string]SecurityStaticInfo
	Estimate       EstimateMaxPurchaseQuantityResponse

	// Error injection, one per method.
	QuotesErr    error
	CandlesErr   error
	BalancesErr  error
	PositionsErr error
	OrdersErr    error
	SubmitErr    error
	CancelErr    error
	EstimateErr  error

	Submitted []SubmitOrderRequest
	Canceled  []string

	nextOrderID int
}

// NewMockClient returns an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		QuotesBySymbol: make(map[string]Quote),
		CandlesBySym:   make(map[string][]Candlestick),
		StaticInfos:    make(map[string]SecurityStaticInfo),
	}
}

// SetQuote installs a quote snapshot for a symbol.
func (m *MockClient) SetQuote(q Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuotesBySymbol[q.Symbol] = q
}

// SetCandles installs the bar history returned for a symbol.
func (m *MockClient) SetCandles(symbol string, bars []Candlestick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandlesBySym[symbol] = bars
}

func (m *MockClient) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuotesErr != nil {
		return nil, m.QuotesErr
	}
	out := make([]Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := m.QuotesBySymbol[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *MockClient) HistoryCandles(ctx context.Context, symbol string, period Period, adjust AdjustType, start, end time.Time) ([]Candlestick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CandlesErr != nil {
		return nil, m.CandlesErr
	}
	var out []Candlestick
	for _, c := range m.CandlesBySym[symbol] {
		day := c.Timestamp.Truncate(24 * time.Hour)
		if !day.Before(start.Truncate(24*time.Hour)) && !day.After(end.Truncate(24*time.Hour)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockClient) Candlesticks(ctx context.Context, symbol string, period Period, count int) ([]Candlestick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CandlesErr != nil {
		return nil, m.CandlesErr
	}
	bars := m.CandlesBySym[symbol]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]Candlestick, len(bars))
	copy(out, bars)
	return out, nil
}

func (m *MockClient) StaticInfo(ctx context.Context, symbols []string) ([]SecurityStaticInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SecurityStaticInfo, 0, len(symbols))
	for _, s := range symbols {
		if info, ok := m.StaticInfos[s]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *MockClient) AccountBalances(ctx context.Context) ([]AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalancesErr != nil {
		return nil, m.BalancesErr
	}
	out := make([]AccountBalance, len(m.Balances))
	copy(out, m.Balances)
	return out, nil
}

func (m *MockClient) StockPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockClient) TodayOrders(ctx context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	out := make([]Order, len(m.Orders))
	copy(out, m.Orders)
	return out, nil
}

func (m *MockClient) TodayExecutions(ctx context.Context) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Execution, len(m.Executions))
	copy(out, m.Executions)
	return out, nil
}

func (m *MockClient) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (SubmitOrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return SubmitOrderResponse{}, m.SubmitErr
	}
	m.nextOrderID++
	m.Submitted = append(m.Submitted, req)
	return SubmitOrderResponse{OrderID: fmt.Sprintf("MOCK-%06d", m.nextOrderID)}, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Canceled = append(m.Canceled, orderID)
	return nil
}

func (m *MockClient) EstimateMaxPurchaseQuantity(ctx context.Context, req EstimateMaxPurchaseQuantityRequest) (EstimateMaxPurchaseQuantityResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EstimateErr != nil {
		return EstimateMaxPurchaseQuantityResponse{}, m.EstimateErr
	}
	return m.Estimate, nil
}

// SubmittedCount returns how many orders were accepted.
func (m *MockClient) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}

// LastSubmitted returns the most recent accepted order, if any.
func (m *MockClient) LastSubmitted() (SubmitOrderRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Submitted) == 0 {
		return SubmitOrderRequest{}, false
	}
	return m.Submitted[len(m.Submitted)-1], true
}
