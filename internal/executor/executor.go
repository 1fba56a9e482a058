// Package executor drains the signal queue and turns signals into broker
// orders: budget sizing, lot flooring, limit pricing, stop bookkeeping and a
// retry ladder for everything that can go wrong on the way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/notification"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

const (
	idlePoll             = 2 * time.Second
	consumeRetryDelay    = 5 * time.Second
	zombieCheckInterval  = 5 * time.Minute
	defaultSignalTimeout = time.Minute
	dispositionTimeout   = 10 * time.Second
	panicPause           = 5 * time.Second

	// causeTimeout is matched against LastError on the next attempt: a
	// signal that timed out twice in a row is not retried again.
	causeTimeout = "execution timed out"
)

// errSkip marks a signal that was examined and deliberately not traded. The
// queue treats skips as completed.
var errSkip = errors.New("signal skipped")

// Queue is the signal-queue surface the executor drives.
type Queue interface {
	Consume(ctx context.Context) (*signal.Signal, error)
	MarkCompleted(ctx context.Context, sig *signal.Signal) error
	MarkFailed(ctx context.Context, sig *signal.Signal, cause string, retry bool) error
	RequeueWithDelay(ctx context.Context, sig *signal.Signal, delay time.Duration, reason string) error
	RecoverZombies(ctx context.Context, olderThan time.Duration) (int, error)
	WakeUpDelayed(ctx context.Context) (int, error)
	HasPending(ctx context.Context, symbol string, side signal.Side, excludeDelayed bool) (bool, error)
	AnotherInProcessing(ctx context.Context, sig *signal.Signal) (bool, error)
	Publish(ctx context.Context, sig *signal.Signal) error
	Counts(ctx context.Context) (queue.Stats, error)
}

var _ Queue = (*queue.SignalQueue)(nil)

// ExecutionStore is the database surface for execution bookkeeping.
type ExecutionStore interface {
	InsertOrderRecord(ctx context.Context, rec *database.OrderRecord) error
	UpdateOrderStatus(ctx context.Context, accountID, orderID, status string, executedAt *time.Time) error
	InsertPositionStop(ctx context.Context, stop *database.PositionStop) error
	ActiveStop(ctx context.Context, accountID, symbol string) (*database.PositionStop, error)
	ClosePositionStop(ctx context.Context, id int64, status string, exitPrice float64, exitReason string, exitTime time.Time) (bool, error)
	ReducePositionStop(ctx context.Context, id int64, newQuantity int64) (bool, error)
	IncreasePositionStop(ctx context.Context, id int64, addQuantity int64, addPrice float64) (bool, error)
	UpdateSignalExecution(ctx context.Context, id int64, status string, executedAt time.Time, price float64, quantity int64, orderID, execError string) error
	UpdateSignalPnL(ctx context.Context, id int64, pnl, pnlPercent float64) error
}

var _ ExecutionStore = (*database.Repository)(nil)

// RegimeSource supplies the market regime budgets scale against.
type RegimeSource interface {
	Current(ctx context.Context) strategy.Regime
}

var _ RegimeSource = (*strategy.RegimeClassifier)(nil)

// DailySource loads daily bars for rotation weakness scoring. The kline
// loader satisfies it.
type DailySource interface {
	Daily(ctx context.Context, symbol string) ([]market.Candle, error)
}

// PanicGate reports whether the market panic breaker is engaged. The
// executor wires it to the Redis snapshot the generator maintains; nil
// means never engaged.
type PanicGate func(ctx context.Context) bool

// Deps bundles the executor's collaborators. API, Queue, Store, Cache and
// Sizer are required; the rest degrade gracefully when nil.
type Deps struct {
	API      broker.API
	Queue    Queue
	Store    ExecutionStore
	Cache    *AccountCache
	Sizer    *risk.Sizer
	Regime   RegimeSource
	Daily    DailySource
	Pending  *PendingOrderMonitor
	Notifier *notification.Manager
	Panic    PanicGate
}

// Counters accumulates per-disposition totals since start.
type Counters struct {
	Processed int64 `json:"processed"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}

// Service is the order executor: a pool of workers draining the queue for
// one account.
type Service struct {
	cfg     config.ExecutorConfig
	account string

	api      broker.API
	queue    Queue
	store    ExecutionStore
	cache    *AccountCache
	sizer    *risk.Sizer
	regime   RegimeSource
	daily    DailySource
	pending  *PendingOrderMonitor
	notifier *notification.Manager
	panic    PanicGate

	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	startedAt time.Time
	counters  Counters
	wg        sync.WaitGroup

	lotMu sync.Mutex
	lots  map[string]int64

	rotMu   sync.Mutex
	rotated map[string]time.Time // signal IDs that spent their one rotation attempt

	now func() time.Time
}

// NewService builds the executor for one account.
func NewService(account string, cfg config.ExecutorConfig, deps Deps, logger zerolog.Logger) *Service {
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = defaultSignalTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FundsRetryDelay <= 0 {
		cfg.FundsRetryDelay = time.Minute
	}
	if cfg.FundsRetryMax <= 0 {
		cfg.FundsRetryMax = 5
	}
	if cfg.SlippagePct <= 0 {
		cfg.SlippagePct = 0.001
	}
	return &Service{
		cfg:      cfg,
		account:  account,
		api:      deps.API,
		queue:    deps.Queue,
		store:    deps.Store,
		cache:    deps.Cache,
		sizer:    deps.Sizer,
		regime:   deps.Regime,
		daily:    deps.Daily,
		pending:  deps.Pending,
		notifier: deps.Notifier,
		panic:    deps.Panic,
		logger:   logger.With().Str("component", "executor").Str("account", account).Logger(),
		lots:     make(map[string]int64),
		rotated:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start recovers zombies from a previous run, then launches the workers and
// the pending-order monitor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.startedAt = s.now()
	s.mu.Unlock()

	// A crash leaves claimed signals stranded in processing. Nothing else
	// consumes this account's queue, so sweep everything regardless of age.
	if n, err := s.queue.RecoverZombies(ctx, 0); err != nil {
		s.logger.Warn().Err(err).Msg("startup zombie recovery failed")
	} else if n > 0 {
		s.logger.Info().Int("recovered", n).Msg("recovered signals stranded in processing")
	}

	if s.pending != nil {
		// A timed-out cancel means the account did not change the way the
		// optimistic bookkeeping assumed.
		s.pending.OnCanceled(func(symbol string) {
			if s.cache != nil {
				s.cache.MarkDirty()
			}
			if s.notifier != nil {
				nctx, ncancel := context.WithTimeout(context.Background(), dispositionTimeout)
				defer ncancel()
				s.notifier.Notify(nctx, "order_canceled", symbol, notification.SeverityWarning,
					fmt.Sprintf("Order canceled: %s", symbol),
					fmt.Sprintf("limit order on %s sat unfilled past the timeout and was canceled", symbol))
			}
		})
		s.pending.Start()
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.zombieLoop()

	s.logger.Info().
		Int("workers", s.cfg.Workers).
		Dur("signal_timeout", s.cfg.SignalTimeout).
		Bool("dry_run", s.cfg.DryRun).
		Msg("order executor started")
	return nil
}

// Stop halts the workers and waits for in-flight signals to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.logger.Info().Msg("order executor stopped")
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	logger := s.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		sig, err := s.queue.Consume(context.Background())
		if err != nil {
			logger.Error().Err(err).Msg("queue consume failed")
			s.sleep(consumeRetryDelay)
			continue
		}
		if sig == nil {
			s.sleep(idlePoll)
			continue
		}
		s.guard(logger, func() { s.handle(logger, sig) })
	}
}

// guard runs one signal dispatch, converting a panic into a logged error so
// a malformed signal cannot kill the worker. The claimed entry stays in
// processing and comes back through the zombie sweep.
func (s *Service) guard(logger zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered while handling signal")
			s.sleep(panicPause)
		}
	}()
	fn()
}

// zombieLoop periodically returns signals stranded in processing, covering
// workers of a sibling process that died mid-signal.
func (s *Service) zombieLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(zombieCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), dispositionTimeout)
			n, err := s.queue.RecoverZombies(ctx, zombieCheckInterval)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("zombie recovery failed")
				continue
			}
			if n > 0 {
				s.logger.Warn().Int("recovered", n).Msg("recovered zombie signals")
			}
		}
	}
}

func (s *Service) sleep(d time.Duration) {
	select {
	case <-s.stopChan:
	case <-time.After(d):
	}
}

// handle runs one signal under the wall-clock timeout and then disposes of
// it on the queue according to the outcome.
func (s *Service) handle(logger zerolog.Logger, sig *signal.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SignalTimeout)
	defer cancel()

	logger = logger.With().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Logger()
	logger.Info().
		Float64("score", sig.Score).
		Int("priority", sig.Priority).
		Int("retry", sig.RetryCount).
		Msg("processing signal")

	started := s.now()
	var err error
	if sig.Type.IsBuy() {
		err = s.executeBuy(ctx, logger, sig)
	} else {
		err = s.executeSell(ctx, logger, sig)
	}
	s.finish(logger, sig, err, s.now().Sub(started))
}

// finish is the single place queue disposition happens. Handlers return nil
// for a submitted order, errSkip for signals examined and dropped, and an
// error class from the broker or context for everything else.
func (s *Service) finish(logger zerolog.Logger, sig *signal.Signal, err error, took time.Duration) {
	// The signal context may already be dead (timeout class), so disposition
	// runs under its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), dispositionTimeout)
	defer cancel()

	s.count(func(c *Counters) { c.Processed++ })

	switch {
	case err == nil:
		s.mustDispose(logger, s.queue.MarkCompleted(ctx, sig))
		s.count(func(c *Counters) { c.Completed++ })
		logger.Info().Dur("took", took).Msg("signal executed")

	case errors.Is(err, errSkip):
		s.mustDispose(logger, s.queue.MarkCompleted(ctx, sig))
		s.count(func(c *Counters) { c.Skipped++ })
		logger.Info().Str("reason", err.Error()).Msg("signal skipped")

	case errors.Is(err, broker.ErrInsufficientFunds):
		s.finishInsufficientFunds(ctx, logger, sig, err)

	case broker.IsRateLimited(err):
		// Back off the whole process, not just this signal: stretch the
		// account-cache TTL so refreshes stop hammering the gateway too.
		if s.cache != nil {
			s.cache.InflateTTL()
		}
		s.mustDispose(logger, s.queue.MarkFailed(ctx, sig, err.Error(), true))
		s.count(func(c *Counters) { c.Retried++ })
		logger.Warn().Err(err).Msg("rate limited, signal requeued")

	case broker.IsInvalidSymbol(err):
		// Retrying a symbol the broker refuses to quote or trade is
		// pointless. Complete it so the queue drains.
		s.mustDispose(logger, s.queue.MarkCompleted(ctx, sig))
		s.recordFailure(ctx, sig, err.Error())
		s.count(func(c *Counters) { c.Skipped++ })
		logger.Warn().Err(err).Msg("symbol not tradable, signal dropped")

	case errors.Is(err, broker.ErrOrderRejected):
		s.mustDispose(logger, s.queue.MarkFailed(ctx, sig, err.Error(), false))
		s.recordFailure(ctx, sig, err.Error())
		s.notifyFailure(ctx, sig, err.Error())
		s.count(func(c *Counters) { c.Failed++ })
		logger.Error().Err(err).Msg("order rejected by broker")

	case errors.Is(err, context.DeadlineExceeded):
		if sig.RetryCount > 0 && sig.LastError == causeTimeout {
			s.mustDispose(logger, s.queue.MarkFailed(ctx, sig, causeTimeout, false))
			s.recordFailure(ctx, sig, causeTimeout)
			s.notifyFailure(ctx, sig, "timed out twice")
			s.count(func(c *Counters) { c.Failed++ })
			logger.Error().Dur("took", took).Msg("second timeout, signal failed")
		} else {
			s.mustDispose(logger, s.queue.MarkFailed(ctx, sig, causeTimeout, true))
			s.count(func(c *Counters) { c.Retried++ })
			logger.Warn().Dur("took", took).Msg("execution timed out, retrying once")
		}

	default:
		s.mustDispose(logger, s.queue.MarkFailed(ctx, sig, err.Error(), true))
		s.count(func(c *Counters) { c.Retried++ })
		logger.Error().Err(err).Msg("execution failed, signal requeued")
	}
}

// finishInsufficientFunds runs the funds ladder: flat delayed requeues that
// keep priority, on the theory that a sell may free cash any minute. The
// ladder is capped separately from the backoff ladder.
func (s *Service) finishInsufficientFunds(ctx context.Context, logger zerolog.Logger, sig *signal.Signal, err error) {
	if sig.RetryCount < s.cfg.FundsRetryMax {
		s.mustDispose(logger, s.queue.RequeueWithDelay(ctx, sig, s.cfg.FundsRetryDelay, "insufficient funds"))
		s.count(func(c *Counters) { c.Retried++ })
		logger.Warn().Err(err).
			Int("retry", sig.RetryCount).
			Dur("delay", s.cfg.FundsRetryDelay).
			Msg("insufficient funds, requeued with delay")
		return
	}
	cause := fmt.Sprintf("insufficient funds after %d retries", sig.RetryCount)
	s.mustDispose(logger, s.queue.MarkFailed(ctx, sig, cause, false))
	s.recordFailure(ctx, sig, cause)
	s.notifyFailure(ctx, sig, cause)
	s.count(func(c *Counters) { c.Failed++ })
	logger.Error().Err(err).Msg("funds retries exhausted, signal failed")
}

func (s *Service) mustDispose(logger zerolog.Logger, err error) {
	if err != nil {
		// The zombie sweep will reclaim the signal if disposition failed.
		logger.Error().Err(err).Msg("queue disposition failed")
	}
}

func (s *Service) count(apply func(*Counters)) {
	s.mu.Lock()
	apply(&s.counters)
	s.mu.Unlock()
}

// recordFailure marks the emission-time history row failed. Terminal
// failures only; retryable paths leave the row pending for the next attempt.
func (s *Service) recordFailure(ctx context.Context, sig *signal.Signal, cause string) {
	if s.store == nil || sig.HistoryID == 0 {
		return
	}
	if err := s.store.UpdateSignalExecution(ctx, sig.HistoryID, database.ExecStatusFailed, s.now(), 0, 0, "", cause); err != nil {
		s.logger.Warn().Err(err).Int64("history_id", sig.HistoryID).Msg("history failure update failed")
	}
}

func (s *Service) notifyFailure(ctx context.Context, sig *signal.Signal, cause string) {
	if s.notifier == nil {
		return
	}
	s.notifier.ExecutionFailed(ctx, sig.Symbol, string(sig.Type), cause)
}

func (s *Service) panicActive(ctx context.Context) bool {
	if s.panic == nil {
		return false
	}
	return s.panic(ctx)
}

// lotSize returns the board lot for a symbol, cached for the process
// lifetime. US symbols trade in single shares; HK lots come from static
// reference data.
func (s *Service) lotSize(ctx context.Context, symbol string) (int64, error) {
	if broker.MarketOf(symbol) == broker.MarketUS {
		return 1, nil
	}
	s.lotMu.Lock()
	lot, ok := s.lots[symbol]
	s.lotMu.Unlock()
	if ok {
		return lot, nil
	}

	infos, err := s.api.StaticInfo(ctx, []string{symbol})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch static info for %s: %w", symbol, err)
	}
	if len(infos) == 0 || infos[0].LotSize <= 0 {
		return 0, fmt.Errorf("no lot size for %s: %w", symbol, broker.ErrInvalidSymbol)
	}
	lot = int64(infos[0].LotSize)

	s.lotMu.Lock()
	s.lots[symbol] = lot
	s.lotMu.Unlock()
	return lot, nil
}

// Status renders the service state for the ops API.
func (s *Service) Status(ctx context.Context) map[string]any {
	s.mu.Lock()
	counters := s.counters
	startedAt := s.startedAt
	running := s.running
	s.mu.Unlock()

	out := map[string]any{
		"service":    "order-executor",
		"account":    s.account,
		"running":    running,
		"workers":    s.cfg.Workers,
		"dry_run":    s.cfg.DryRun,
		"started_at": startedAt,
		"counters":   counters,
	}
	if !startedAt.IsZero() {
		out["uptime_sec"] = int64(s.now().Sub(startedAt).Seconds())
	}
	if s.cache != nil {
		out["account_cache_age_sec"] = int64(s.cache.Age().Seconds())
	}
	if s.regime != nil {
		out["regime"] = string(s.regime.Current(ctx))
	}
	out["panic_active"] = s.panicActive(ctx)
	if stats, err := s.queue.Counts(ctx); err == nil {
		out["queue"] = stats
	}
	return out
}
