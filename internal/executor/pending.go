package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
)

const (
	pendingOrderKeyPrefix = "trading:pending_order"
	pendingCheckInterval  = 30 * time.Second
)

// pendingOrder is the tracked state of one submitted limit order, stored as
// JSON under trading:pending_order:<account>:<order_id> plus a set index so
// the monitor can enumerate without KEYS.
type pendingOrder struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Quantity  int64     `json:"quantity"`
	StopID    int64     `json:"stop_id,omitempty"`    // position_stops row created by this buy
	HistoryID int64     `json:"history_id,omitempty"` // signal_history row to update on cancel
	PlacedAt  time.Time `json:"placed_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

// PendingOrderMonitor cancels limit orders that sit unfilled past the
// timeout, then unwinds the optimistic bookkeeping the handlers wrote at
// submission time.
type PendingOrderMonitor struct {
	store   OrderStore
	api     broker.TradeAPI
	repo    ExecutionStore
	account string
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	onCanceled func(symbol string)

	now func() time.Time
}

// NewPendingOrderMonitor builds the monitor. A nil store disables tracking,
// which dry-run setups use.
func NewPendingOrderMonitor(store OrderStore, api broker.TradeAPI, repo ExecutionStore, account string, timeout time.Duration, logger zerolog.Logger) *PendingOrderMonitor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &PendingOrderMonitor{
		store:   store,
		api:     api,
		repo:    repo,
		account: account,
		timeout: timeout,
		logger:  logger.With().Str("component", "pending_orders").Str("account", account).Logger(),
		now:     time.Now,
	}
}

// OnCanceled registers a callback run after each timeout cancellation.
func (m *PendingOrderMonitor) OnCanceled(fn func(symbol string)) {
	m.mu.Lock()
	m.onCanceled = fn
	m.mu.Unlock()
}

func (m *PendingOrderMonitor) key(orderID string) string {
	return fmt.Sprintf("%s:%s:%s", pendingOrderKeyPrefix, m.account, orderID)
}

func (m *PendingOrderMonitor) indexKey() string {
	return fmt.Sprintf("%s:%s:index", pendingOrderKeyPrefix, m.account)
}

// Track registers a submitted order for timeout supervision.
func (m *PendingOrderMonitor) Track(ctx context.Context, po pendingOrder) error {
	if m.store == nil {
		return nil
	}
	po.PlacedAt = m.now()
	po.TimeoutAt = po.PlacedAt.Add(m.timeout)

	data, err := json.Marshal(po)
	if err != nil {
		return fmt.Errorf("failed to encode pending order: %w", err)
	}

	key := m.key(po.OrderID)
	// Keyed TTL outlives the timeout so a sweep delayed past it still sees
	// the entry before expiry cleans the index.
	if err := m.store.Set(ctx, key, string(data), m.timeout+time.Minute); err != nil {
		return fmt.Errorf("failed to store pending order: %w", err)
	}
	if err := m.store.SAdd(ctx, m.indexKey(), key); err != nil {
		m.logger.Warn().Err(err).Str("order_id", po.OrderID).Msg("pending order index add failed")
	}
	m.logger.Debug().Str("order_id", po.OrderID).Str("symbol", po.Symbol).
		Time("timeout_at", po.TimeoutAt).Msg("tracking pending order")
	return nil
}

// Remove drops an order from supervision, called once the order is known
// filled or canceled.
func (m *PendingOrderMonitor) Remove(ctx context.Context, orderID string) {
	if m.store == nil {
		return
	}
	key := m.key(orderID)
	if err := m.store.Del(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("order_id", orderID).Msg("pending order delete failed")
	}
	if err := m.store.SRem(ctx, m.indexKey(), key); err != nil {
		m.logger.Warn().Err(err).Str("order_id", orderID).Msg("pending order index remove failed")
	}
}

// Pending lists the currently tracked orders, pruning index entries whose
// keys have expired.
func (m *PendingOrderMonitor) Pending(ctx context.Context) ([]pendingOrder, error) {
	if m.store == nil {
		return nil, nil
	}
	keys, err := m.store.SMembers(ctx, m.indexKey())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}

	var out []pendingOrder
	for _, key := range keys {
		data, ok, err := m.store.Get(ctx, key)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("pending order read failed")
			continue
		}
		if !ok {
			_ = m.store.SRem(ctx, m.indexKey(), key)
			continue
		}
		var po pendingOrder
		if err := json.Unmarshal([]byte(data), &po); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("pending order decode failed")
			_ = m.store.Del(ctx, key)
			_ = m.store.SRem(ctx, m.indexKey(), key)
			continue
		}
		out = append(out, po)
	}
	return out, nil
}

// Start launches the supervision loop.
func (m *PendingOrderMonitor) Start() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
	m.logger.Info().Dur("timeout", m.timeout).Msg("pending order monitor started")
}

// Stop halts the loop and waits for the current sweep.
func (m *PendingOrderMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *PendingOrderMonitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(pendingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep cancels every tracked order past its timeout. Orders the broker has
// already finished are only untracked.
func (m *PendingOrderMonitor) sweep(ctx context.Context) {
	orders, err := m.Pending(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("pending order sweep failed")
		return
	}
	if len(orders) == 0 {
		return
	}

	// One orders call covers every symbol this sweep.
	statuses := m.orderStatuses(ctx)

	now := m.now()
	for _, po := range orders {
		if now.Before(po.TimeoutAt) {
			continue
		}
		status, known := statuses[po.OrderID]
		if known && status.Terminal() {
			// Filled or already canceled between sweeps.
			m.finishTerminal(ctx, po, status)
			continue
		}
		m.cancelTimedOut(ctx, po)
	}
}

// orderStatuses indexes today's broker orders by id. Best effort: an API
// failure returns an empty map and the sweep cancels blind, which the broker
// rejects harmlessly for finished orders.
func (m *PendingOrderMonitor) orderStatuses(ctx context.Context) map[string]broker.OrderStatus {
	out := make(map[string]broker.OrderStatus)
	if m.api == nil {
		return out
	}
	orders, err := m.api.TodayOrders(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("today orders lookup failed during sweep")
		return out
	}
	for _, o := range orders {
		out[o.OrderID] = o.Status
	}
	return out
}

func (m *PendingOrderMonitor) finishTerminal(ctx context.Context, po pendingOrder, status broker.OrderStatus) {
	m.Remove(ctx, po.OrderID)
	if m.repo == nil {
		return
	}
	if status == broker.OrderStatusFilled {
		now := m.now()
		if err := m.repo.UpdateOrderStatus(ctx, m.account, po.OrderID, database.OrderStatusFilled, &now); err != nil {
			m.logger.Warn().Err(err).Str("order_id", po.OrderID).Msg("order status update failed")
		}
		return
	}
	if err := m.repo.UpdateOrderStatus(ctx, m.account, po.OrderID, string(status), nil); err != nil {
		m.logger.Warn().Err(err).Str("order_id", po.OrderID).Msg("order status update failed")
	}
}

func (m *PendingOrderMonitor) cancelTimedOut(ctx context.Context, po pendingOrder) {
	age := m.now().Sub(po.PlacedAt).Round(time.Second)
	m.logger.Warn().Str("order_id", po.OrderID).Str("symbol", po.Symbol).
		Str("side", po.Side).Dur("age", age).Msg("canceling unfilled order")

	if m.api != nil {
		if err := m.api.CancelOrder(ctx, po.OrderID); err != nil {
			m.logger.Error().Err(err).Str("order_id", po.OrderID).Msg("cancel failed, untracking anyway")
		}
	}
	m.Remove(ctx, po.OrderID)

	if m.repo != nil {
		if err := m.repo.UpdateOrderStatus(ctx, m.account, po.OrderID, database.OrderStatusCanceled, nil); err != nil {
			m.logger.Warn().Err(err).Str("order_id", po.OrderID).Msg("order status update failed")
		}
		// A canceled buy never opened the position: retire the stop row
		// written at submission and mark the signal's outcome. Canceled
		// sells need no reversal; the position is still held and the
		// generator will re-evaluate its exit.
		if po.Side == string(broker.OrderSideBuy) && po.StopID != 0 {
			if _, err := m.repo.ClosePositionStop(ctx, po.StopID, database.StopStatusClosed, 0, "buy order canceled after timeout", m.now()); err != nil {
				m.logger.Warn().Err(err).Int64("stop_id", po.StopID).Msg("stop row close failed")
			}
		}
		if po.HistoryID != 0 {
			if err := m.repo.UpdateSignalExecution(ctx, po.HistoryID, database.ExecStatusFailed, m.now(), po.Price, po.Quantity, po.OrderID, "canceled after timeout"); err != nil {
				m.logger.Warn().Err(err).Int64("history_id", po.HistoryID).Msg("signal execution update failed")
			}
		}
	}

	m.mu.Lock()
	cb := m.onCanceled
	m.mu.Unlock()
	if cb != nil {
		cb(po.Symbol)
	}
}
