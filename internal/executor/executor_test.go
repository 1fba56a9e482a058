package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

const testAccount = "U1001"

// ============================================================================
// FAKES
// ============================================================================

type fakeFailure struct {
	sig   *signal.Signal
	cause string
	retry bool
}

type fakeRequeue struct {
	sig    *signal.Signal
	delay  time.Duration
	reason string
}

// fakeQueue records dispositions instead of talking to redis.
type fakeQueue struct {
	mu          sync.Mutex
	completed   []*signal.Signal
	failed      []fakeFailure
	requeued    []fakeRequeue
	published   []*signal.Signal
	pendingSell map[string]bool
	processing  bool
	woken       int
	stats       queue.Stats
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pendingSell: make(map[string]bool)}
}

func (q *fakeQueue) Consume(context.Context) (*signal.Signal, error) { return nil, nil }

func (q *fakeQueue) MarkCompleted(_ context.Context, sig *signal.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, sig)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, sig *signal.Signal, cause string, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, fakeFailure{sig: sig, cause: cause, retry: retry})
	return nil
}

func (q *fakeQueue) RequeueWithDelay(_ context.Context, sig *signal.Signal, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued = append(q.requeued, fakeRequeue{sig: sig, delay: delay, reason: reason})
	return nil
}

func (q *fakeQueue) RecoverZombies(context.Context, time.Duration) (int, error) { return 0, nil }

func (q *fakeQueue) WakeUpDelayed(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.woken++
	return 0, nil
}

func (q *fakeQueue) HasPending(_ context.Context, symbol string, side signal.Side, _ bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return side == signal.SideSell && q.pendingSell[symbol], nil
}

func (q *fakeQueue) AnotherInProcessing(context.Context, *signal.Signal) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing, nil
}

func (q *fakeQueue) Publish(_ context.Context, sig *signal.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, sig)
	return nil
}

func (q *fakeQueue) Counts(context.Context) (queue.Stats, error) { return q.stats, nil }

type fakeStatusUpdate struct {
	orderID string
	status  string
}

type fakeStopClose struct {
	id     int64
	status string
	price  float64
	reason string
}

type fakeStopChange struct {
	id  int64
	qty int64
}

type fakeExecUpdate struct {
	historyID int64
	status    string
	price     float64
	quantity  int64
	orderID   string
	execError string
}

type fakePnL struct {
	historyID  int64
	pnl        float64
	pnlPercent float64
}

// fakeExecStore records execution bookkeeping.
type fakeExecStore struct {
	mu        sync.Mutex
	nextID    int64
	active    map[string]*database.PositionStop
	orders    []*database.OrderRecord
	statuses  []fakeStatusUpdate
	inserted  []*database.PositionStop
	closed    []fakeStopClose
	reduced   []fakeStopChange
	increased []fakeStopChange
	execs     []fakeExecUpdate
	pnls      []fakePnL
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{active: make(map[string]*database.PositionStop)}
}

func (f *fakeExecStore) setActiveStop(stop *database.PositionStop) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stop.ID = f.nextID
	stop.Status = database.StopStatusActive
	f.active[stop.Symbol] = stop
}

func (f *fakeExecStore) InsertOrderRecord(_ context.Context, rec *database.OrderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, rec)
	return nil
}

func (f *fakeExecStore) UpdateOrderStatus(_ context.Context, _, orderID, status string, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, fakeStatusUpdate{orderID: orderID, status: status})
	return nil
}

func (f *fakeExecStore) InsertPositionStop(_ context.Context, stop *database.PositionStop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stop.ID = f.nextID
	f.inserted = append(f.inserted, stop)
	return nil
}

func (f *fakeExecStore) ActiveStop(_ context.Context, _, symbol string) (*database.PositionStop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[symbol], nil
}

func (f *fakeExecStore) ClosePositionStop(_ context.Context, id int64, status string, exitPrice float64, exitReason string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fakeStopClose{id: id, status: status, price: exitPrice, reason: exitReason})
	return true, nil
}

func (f *fakeExecStore) ReducePositionStop(_ context.Context, id, newQuantity int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reduced = append(f.reduced, fakeStopChange{id: id, qty: newQuantity})
	return true, nil
}

func (f *fakeExecStore) IncreasePositionStop(_ context.Context, id, addQuantity int64, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increased = append(f.increased, fakeStopChange{id: id, qty: addQuantity})
	return true, nil
}

func (f *fakeExecStore) UpdateSignalExecution(_ context.Context, id int64, status string, _ time.Time, price float64, quantity int64, orderID, execError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, fakeExecUpdate{
		historyID: id, status: status, price: price,
		quantity: quantity, orderID: orderID, execError: execError,
	})
	return nil
}

func (f *fakeExecStore) UpdateSignalPnL(_ context.Context, id int64, pnl, pnlPercent float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnls = append(f.pnls, fakePnL{historyID: id, pnl: pnl, pnlPercent: pnlPercent})
	return nil
}

type staticRegime strategy.Regime

func (r staticRegime) Current(context.Context) strategy.Regime { return strategy.Regime(r) }

type fakeDaily struct {
	bySymbol map[string][]market.Candle
}

func (d *fakeDaily) Daily(_ context.Context, symbol string) ([]market.Candle, error) {
	candles, ok := d.bySymbol[symbol]
	if !ok {
		return nil, errors.New("no history")
	}
	return candles, nil
}

// ============================================================================
// RIG
// ============================================================================

type testRig struct {
	svc   *Service
	api   *broker.MockClient
	queue *fakeQueue
	store *fakeExecStore
}

func newTestRig(cfg config.ExecutorConfig, mutate func(*Deps)) *testRig {
	api := broker.NewMockClient()
	q := newFakeQueue()
	st := newFakeExecStore()
	deps := Deps{
		API:    api,
		Queue:  q,
		Store:  st,
		Cache:  NewAccountCache(api, time.Minute, zerolog.Nop()),
		Sizer:  risk.NewSizer(testAccount, config.KellyConfig{}, nil, zerolog.Nop()),
		Regime: staticRegime(strategy.RegimeBull),
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc := NewService(testAccount, cfg, deps, zerolog.Nop())
	return &testRig{svc: svc, api: api, queue: q, store: st}
}

func usdBalance(netAssets, buyPower, cash float64) broker.AccountBalance {
	return broker.AccountBalance{
		Currency:  "USD",
		NetAssets: decimal.NewFromFloat(netAssets),
		BuyPower:  decimal.NewFromFloat(buyPower),
		CashInfos: []broker.CashInfo{
			{Currency: "USD", AvailableCash: decimal.NewFromFloat(cash)},
		},
	}
}

func hkdBalance(netAssets, buyPower, cash float64) broker.AccountBalance {
	return broker.AccountBalance{
		Currency:  "HKD",
		NetAssets: decimal.NewFromFloat(netAssets),
		BuyPower:  decimal.NewFromFloat(buyPower),
		CashInfos: []broker.CashInfo{
			{Currency: "HKD", AvailableCash: decimal.NewFromFloat(cash)},
		},
	}
}

func quoteOf(symbol string, last, bid, ask float64) broker.Quote {
	return broker.Quote{
		Symbol:   symbol,
		LastDone: decimal.NewFromFloat(last),
		Bid:      decimal.NewFromFloat(bid),
		Ask:      decimal.NewFromFloat(ask),
	}
}

// ============================================================================
// DISPOSITION CLASSIFICATION
// ============================================================================

func TestFinishClassification(t *testing.T) {
	rejected := &broker.APIError{HTTPStatus: 400, Code: 602001, Message: "order rejected"}
	rateLimited := &broker.APIError{HTTPStatus: 429, Code: 429001, Message: "throttled"}
	badSymbol := &broker.APIError{HTTPStatus: 400, Code: 301600, Message: "invalid symbol"}

	tests := []struct {
		name       string
		err        error
		retryCount int
		lastError  string
		wantBucket string
		wantRetry  bool
		wantCause  string
	}{
		{name: "success completes", err: nil, wantBucket: "completed"},
		{name: "skip completes", err: fmt.Errorf("weak buy: %w", errSkip), wantBucket: "completed"},
		{name: "insufficient funds requeues with delay", err: broker.ErrInsufficientFunds, wantBucket: "requeued"},
		{
			name:       "funds retries exhausted fails final",
			err:        broker.ErrInsufficientFunds,
			retryCount: 5,
			wantBucket: "failed",
			wantRetry:  false,
		},
		{name: "rate limit retries", err: rateLimited, wantBucket: "failed", wantRetry: true},
		{name: "invalid symbol completes", err: badSymbol, wantBucket: "completed"},
		{name: "rejection fails final", err: rejected, wantBucket: "failed", wantRetry: false},
		{
			name:       "first timeout retries",
			err:        context.DeadlineExceeded,
			wantBucket: "failed",
			wantRetry:  true,
			wantCause:  causeTimeout,
		},
		{
			name:       "second timeout fails final",
			err:        context.DeadlineExceeded,
			retryCount: 1,
			lastError:  causeTimeout,
			wantBucket: "failed",
			wantRetry:  false,
			wantCause:  causeTimeout,
		},
		{name: "transient error retries", err: errors.New("dial tcp: reset"), wantBucket: "failed", wantRetry: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(config.ExecutorConfig{}, nil)
			sig := signal.New(testAccount, "AAPL.US", signal.TypeBuy, 60)
			sig.RetryCount = tt.retryCount
			sig.LastError = tt.lastError

			rig.svc.finish(zerolog.Nop(), sig, tt.err, time.Second)

			switch tt.wantBucket {
			case "completed":
				if len(rig.queue.completed) != 1 {
					t.Fatalf("completed = %d, want 1 (failed=%d requeued=%d)",
						len(rig.queue.completed), len(rig.queue.failed), len(rig.queue.requeued))
				}
			case "requeued":
				if len(rig.queue.requeued) != 1 {
					t.Fatalf("requeued = %d, want 1", len(rig.queue.requeued))
				}
				if rig.queue.requeued[0].delay != time.Minute {
					t.Fatalf("requeue delay = %v, want 1m", rig.queue.requeued[0].delay)
				}
			case "failed":
				if len(rig.queue.failed) != 1 {
					t.Fatalf("failed = %d, want 1 (completed=%d requeued=%d)",
						len(rig.queue.failed), len(rig.queue.completed), len(rig.queue.requeued))
				}
				got := rig.queue.failed[0]
				if got.retry != tt.wantRetry {
					t.Fatalf("retry = %v, want %v", got.retry, tt.wantRetry)
				}
				if tt.wantCause != "" && got.cause != tt.wantCause {
					t.Fatalf("cause = %q, want %q", got.cause, tt.wantCause)
				}
			}
		})
	}
}

func TestFinishRecordsTerminalFailureOnHistory(t *testing.T) {
	rig := newTestRig(config.ExecutorConfig{}, nil)
	sig := signal.New(testAccount, "AAPL.US", signal.TypeBuy, 60)
	sig.HistoryID = 99

	rejected := &broker.APIError{Code: 602001, Message: "rejected"}
	rig.svc.finish(zerolog.Nop(), sig, rejected, time.Second)

	if len(rig.store.execs) != 1 {
		t.Fatalf("history updates = %d, want 1", len(rig.store.execs))
	}
	got := rig.store.execs[0]
	if got.historyID != 99 || got.status != database.ExecStatusFailed {
		t.Fatalf("history update = %+v, want failed on id 99", got)
	}
}

func TestFinishLeavesHistoryAloneOnRetry(t *testing.T) {
	rig := newTestRig(config.ExecutorConfig{}, nil)
	sig := signal.New(testAccount, "AAPL.US", signal.TypeBuy, 60)
	sig.HistoryID = 99

	rig.svc.finish(zerolog.Nop(), sig, errors.New("flaky network"), time.Second)

	if len(rig.store.execs) != 0 {
		t.Fatalf("history updates = %d, want 0 for a retryable failure", len(rig.store.execs))
	}
}

func TestStatusPayload(t *testing.T) {
	rig := newTestRig(config.ExecutorConfig{Workers: 3, DryRun: true}, nil)
	rig.svc.count(func(c *Counters) { c.Processed = 7; c.Completed = 5 })

	got := rig.svc.Status(context.Background())
	if got["account"] != testAccount {
		t.Fatalf("account = %v", got["account"])
	}
	if got["workers"] != 3 {
		t.Fatalf("workers = %v, want 3", got["workers"])
	}
	if got["dry_run"] != true {
		t.Fatalf("dry_run = %v, want true", got["dry_run"])
	}
	counters, ok := got["counters"].(Counters)
	if !ok || counters.Processed != 7 || counters.Completed != 5 {
		t.Fatalf("counters = %+v", got["counters"])
	}
	if got["regime"] != string(strategy.RegimeBull) {
		t.Fatalf("regime = %v", got["regime"])
	}
}

func TestLotSizeCachesStaticInfo(t *testing.T) {
	rig := newTestRig(config.ExecutorConfig{}, nil)
	rig.api.StaticInfos["0700.HK"] = broker.SecurityStaticInfo{Symbol: "0700.HK", LotSize: 100}

	lot, err := rig.svc.lotSize(context.Background(), "0700.HK")
	if err != nil || lot != 100 {
		t.Fatalf("lotSize = %d, %v; want 100, nil", lot, err)
	}

	// Reference data is gone from the gateway; the cache must still answer.
	delete(rig.api.StaticInfos, "0700.HK")
	lot, err = rig.svc.lotSize(context.Background(), "0700.HK")
	if err != nil || lot != 100 {
		t.Fatalf("cached lotSize = %d, %v; want 100, nil", lot, err)
	}

	// US symbols trade single shares without a lookup.
	lot, err = rig.svc.lotSize(context.Background(), "AAPL.US")
	if err != nil || lot != 1 {
		t.Fatalf("US lotSize = %d, %v; want 1, nil", lot, err)
	}
}
