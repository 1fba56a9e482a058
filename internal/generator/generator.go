// Package generator produces the signals the executor trades: it scans the
// watchlist on a fixed cadence, re-scores held positions, rotates tired
// holdings out before the close and suppresses entries while the volatility
// breaker is engaged. A single goroutine owns all mutable state; the scan
// ticker, the rotation ticker and the realtime quote feed are multiplexed
// onto it, so evaluation never races with itself.
package generator

import (
	"context"
	"fmt"
	"math"
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
	// pruneEvery is the scan-iteration stride between sweeps of the
	// in-memory cooldown and claim maps.
	pruneEvery    = 10
	emitRetention = time.Hour

	// pushEvalTimeout bounds the work one streamed quote may trigger.
	pushEvalTimeout = 15 * time.Second

	// panicPause keeps a hard-failing iteration from spinning the loop.
	panicPause = 5 * time.Second

	eventBuffer = 256
)

// Queue is the signal-queue surface the generator publishes through and digs
// through for dedup and stuck-buy recovery.
type Queue interface {
	Publish(ctx context.Context, sig *signal.Signal) error
	HasPending(ctx context.Context, symbol string, side signal.Side, excludeDelayed bool) (bool, error)
	DelayedSignals(ctx context.Context, minScore float64, maxAge time.Duration) ([]*signal.Signal, error)
	FailedSignals(ctx context.Context, minScore float64, maxAge time.Duration) ([]*signal.Signal, error)
	WakeSignal(ctx context.Context, sig *signal.Signal) (bool, error)
	RecoverSignal(ctx context.Context, sig *signal.Signal) (bool, error)
	Counts(ctx context.Context) (queue.Stats, error)
}

var _ Queue = (*queue.SignalQueue)(nil)

// HistoryStore is the database surface for emission bookkeeping, the daily
// buy cohort and standing stop levels.
type HistoryStore interface {
	InsertSignalHistory(ctx context.Context, h *database.SignalHistory) error
	UpdateSignalExecution(ctx context.Context, id int64, status string, executedAt time.Time, price float64, quantity int64, orderID, execError string) error
	TodayTradedSymbols(ctx context.Context, accountID string, tradingDay time.Time) (map[string]bool, error)
	CountTodayBuys(ctx context.Context, accountID, symbol string, tradingDay time.Time) (int, error)
	ActiveStops(ctx context.Context, accountID string) ([]*database.PositionStop, error)
	RaiseStops(ctx context.Context, id int64, stopLoss, takeProfit float64) (bool, error)
}

var _ HistoryStore = (*database.Repository)(nil)

// KlineSource supplies daily bars and backfill. The kline loader satisfies it.
type KlineSource interface {
	Daily(ctx context.Context, symbol string) ([]market.Candle, error)
	Sync(ctx context.Context, symbol string) (int, error)
	NeedsSync(ctx context.Context, symbol string) (bool, error)
}

var _ KlineSource = (*market.Loader)(nil)

// Sessions answers trading-hours questions in Beijing time.
type Sessions interface {
	IsOpen(ctx context.Context, symbol string, t time.Time) bool
	InPreClose(ctx context.Context, m broker.Market, t time.Time) bool
	AnyActive(ctx context.Context, t time.Time) bool
}

var _ Sessions = (*market.Hours)(nil)

// RegimeSource supplies the market regime entries and exits lean on.
type RegimeSource interface {
	Current(ctx context.Context) strategy.Regime
}

var _ RegimeSource = (*strategy.RegimeClassifier)(nil)

// QuoteFeed is the realtime push surface. Production wires the broker
// websocket stream; nil disables push handling.
type QuoteFeed interface {
	Subscribe(symbols ...string) error
	Quotes() <-chan broker.PushQuote
}

var _ QuoteFeed = (*broker.QuoteStream)(nil)

// Deps bundles the generator's collaborators. API, Queue, Store, Klines,
// Hours and Watchlist are required; the rest degrade gracefully when nil.
type Deps struct {
	API       broker.API
	Queue     Queue
	Store     HistoryStore
	Klines    KlineSource
	Hours     Sessions
	Watchlist *config.Watchlist
	Regime    RegimeSource
	Vixy      *risk.VixyMonitor
	Feed      QuoteFeed
	State     KVStore
	Notifier  *notification.Manager
}

// Counters accumulates per-outcome totals since start.
type Counters struct {
	Scans      int64 `json:"scans"`
	Published  int64 `json:"published"`
	Entries    int64 `json:"entries"`
	Exits      int64 `json:"exits"`
	Adds       int64 `json:"adds"`
	Rotations  int64 `json:"rotations"`
	Recovered  int64 `json:"recovered"`
	Suppressed int64 `json:"suppressed"`
	PushEvents int64 `json:"push_events"`
}

// Service is the signal generator for one account.
type Service struct {
	cfg   config.GeneratorConfig
	exits config.GradualExitConfig
	adds  config.AddPositionConfig
	rot   config.RotationConfig

	account string

	api      broker.API
	queue    Queue
	store    HistoryStore
	klines   KlineSource
	hours    Sessions
	watch    *config.Watchlist
	regime   RegimeSource
	vixy     *risk.VixyMonitor
	feed     QuoteFeed
	state    KVStore
	notifier *notification.Manager

	exitPolicy strategy.ExitPolicy
	addPolicy  strategy.AddPositionPolicy
	rotPolicy  strategy.RotationPolicy

	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	startedAt time.Time
	counters  Counters
	wg        sync.WaitGroup

	// Everything below is owned by the run goroutine and must not be
	// touched from anywhere else.
	cohort     *CohortTracker
	events     chan broker.PushQuote
	watchSet   map[string]bool
	subscribed map[string]bool
	lastPush   map[string]time.Time // spacing for push-driven evaluations
	claims     map[string]time.Time // stuck buys that spent their one rescue
	lots       map[string]int64
	iter       int64

	now func() time.Time
}

// NewService builds the generator for one account. cfg supplies the scan,
// gradual-exit, add-position and rotation sections.
func NewService(account string, cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	gen := cfg.Generator
	if gen.ScanInterval <= 0 {
		gen.ScanInterval = time.Minute
	}
	if gen.RotationInterval <= 0 {
		gen.RotationInterval = 30 * time.Second
	}
	if gen.SignalCooldown <= 0 {
		gen.SignalCooldown = 5 * time.Minute
	}
	if gen.PerSymbolDailyBuys <= 0 {
		gen.PerSymbolDailyBuys = 1
	}
	if gen.RealtimeExitEvery <= 0 {
		gen.RealtimeExitEvery = time.Minute
	}
	exits := cfg.GradualExit
	if exits.ObservationWindow <= 0 {
		exits.ObservationWindow = 5 * time.Minute
	}
	if exits.RemainderThreshold <= 0 {
		exits.RemainderThreshold = 60
	}
	rot := cfg.Rotation
	if rot.StuckBuyMaxAge <= 0 {
		rot.StuckBuyMaxAge = 5 * time.Minute
	}
	if rot.MaxSellsPerRun <= 0 {
		rot.MaxSellsPerRun = 2
	}

	pol := strategy.DefaultExitPolicy()
	pol.GradualEnabled = exits.Enabled
	if exits.Threshold50 > 0 {
		pol.HalfThreshold = exits.Threshold50
	}
	if exits.Threshold25 > 0 {
		pol.QuarterThreshold = exits.Threshold25
	}

	addPol := strategy.DefaultAddPositionPolicy()
	if cfg.AddPosition.MinProfitPct > 0 {
		addPol.MinProfitPct = cfg.AddPosition.MinProfitPct
	}
	if cfg.AddPosition.MinSignalScore > 0 {
		addPol.MinSignalScore = cfg.AddPosition.MinSignalScore
	}
	if cfg.AddPosition.MaxExitScore != 0 {
		addPol.MaxExitScore = cfg.AddPosition.MaxExitScore
	}

	rotPol := strategy.DefaultRotationPolicy()
	if rot.MinSignalScore > 0 {
		rotPol.MinSignalScore = rot.MinSignalScore
	}
	if rot.MinScoreGap > 0 {
		rotPol.MinScoreGap = rot.MinScoreGap
	}

	logger = logger.With().Str("component", "generator").Str("account", account).Logger()

	watchSet := make(map[string]bool)
	if deps.Watchlist != nil {
		for _, sym := range deps.Watchlist.Active() {
			watchSet[sym] = true
		}
	}

	return &Service{
		cfg:        gen,
		exits:      exits,
		adds:       cfg.AddPosition,
		rot:        rot,
		account:    account,
		api:        deps.API,
		queue:      deps.Queue,
		store:      deps.Store,
		klines:     deps.Klines,
		hours:      deps.Hours,
		watch:      deps.Watchlist,
		regime:     deps.Regime,
		vixy:       deps.Vixy,
		feed:       deps.Feed,
		state:      deps.State,
		notifier:   deps.Notifier,
		exitPolicy: pol,
		addPolicy:  addPol,
		rotPolicy:  rotPol,
		logger:     logger,
		cohort:     NewCohortTracker(account, deps.API, deps.Store, logger),
		events:     make(chan broker.PushQuote, eventBuffer),
		watchSet:   watchSet,
		subscribed: make(map[string]bool),
		lastPush:   make(map[string]time.Time),
		claims:     make(map[string]time.Time),
		lots:       make(map[string]int64),
		now:        time.Now,
	}
}

// Start subscribes the watchlist on the quote feed and launches the run
// loop. The feed itself must be run by the caller.
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

	symbols := s.watch.Active()
	if s.vixy != nil && s.vixy.Symbol() != "" {
		symbols = append(symbols, s.vixy.Symbol())
	}
	s.subscribeSymbols(symbols)

	s.wg.Add(1)
	go s.run()
	if s.feed != nil {
		s.wg.Add(1)
		go s.forwardQuotes()
	}

	s.logger.Info().
		Int("watchlist", len(s.watch.Active())).
		Dur("scan_interval", s.cfg.ScanInterval).
		Dur("rotation_interval", s.cfg.RotationInterval).
		Bool("weak_buy", s.cfg.EnableWeakBuy).
		Msg("signal generator started")
	return nil
}

// Stop halts the loops and waits for the in-flight iteration to finish.
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
	s.logger.Info().Msg("signal generator stopped")
}

// run owns the generator's state. Scan and rotation ticks and realtime
// pushes all execute here, one at a time.
func (s *Service) run() {
	defer s.wg.Done()

	if s.cfg.BackfillOnStart {
		s.guard("backfill", s.backfill)
	}

	scanTick := time.NewTicker(s.cfg.ScanInterval)
	defer scanTick.Stop()
	rotTick := time.NewTicker(s.cfg.RotationInterval)
	defer rotTick.Stop()

	s.guard("scan", s.scan)

	for {
		select {
		case <-s.stopChan:
			return
		case <-scanTick.C:
			s.guard("scan", s.scan)
		case <-rotTick.C:
			s.guard("rotation", s.rotationSweep)
		case q := <-s.events:
			s.guard("push", func() { s.handlePush(q) })
		}
	}
}

// guard runs one dispatch of the run loop, converting a panic into a logged
// error: one poisoned symbol or quote must not take the whole service down.
func (s *Service) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("op", op).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered, loop continues")
			select {
			case <-s.stopChan:
			case <-time.After(panicPause):
			}
		}
	}()
	fn()
}

// forwardQuotes moves broker pushes onto the channel the run loop drains. A
// full buffer drops the push; the next tick carries a fresher price anyway.
func (s *Service) forwardQuotes() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case q, ok := <-s.feed.Quotes():
			if !ok {
				return
			}
			select {
			case s.events <- q:
			default:
			}
		}
	}
}

// subscribeSymbols registers net-new symbols on the quote feed. The stream
// remembers them across reconnects, so a not-yet-connected feed only delays
// delivery.
func (s *Service) subscribeSymbols(symbols []string) {
	if s.feed == nil {
		return
	}
	var fresh []string
	for _, sym := range symbols {
		if sym == "" || s.subscribed[sym] {
			continue
		}
		s.subscribed[sym] = true
		fresh = append(fresh, sym)
	}
	if len(fresh) == 0 {
		return
	}
	if err := s.feed.Subscribe(fresh...); err != nil {
		s.logger.Debug().Err(err).Int("symbols", len(fresh)).Msg("subscription deferred until stream connects")
	}
}

func (s *Service) count(apply func(*Counters)) {
	s.mu.Lock()
	apply(&s.counters)
	s.mu.Unlock()
}

func (s *Service) currentRegime(ctx context.Context) strategy.Regime {
	if s.regime == nil {
		return strategy.RegimeRange
	}
	return s.regime.Current(ctx)
}

func (s *Service) panicActive() bool {
	return s.vixy != nil && s.vixy.InPanic()
}

// lotSize returns the board lot for a symbol, cached for the process
// lifetime. The watchlist hint saves a static-info call when present.
func (s *Service) lotSize(ctx context.Context, symbol string) (int64, error) {
	if broker.MarketOf(symbol) == broker.MarketUS {
		return 1, nil
	}
	if lot, ok := s.lots[symbol]; ok {
		return lot, nil
	}
	if hint := s.watch.LotHint(symbol); hint > 0 {
		s.lots[symbol] = int64(hint)
		return int64(hint), nil
	}

	infos, err := s.api.StaticInfo(ctx, []string{symbol})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch static info for %s: %w", symbol, err)
	}
	if len(infos) == 0 || infos[0].LotSize <= 0 {
		return 0, fmt.Errorf("no lot size for %s: %w", symbol, broker.ErrInvalidSymbol)
	}
	lot := int64(infos[0].LotSize)
	s.lots[symbol] = lot
	return lot, nil
}

// indicatorsFor loads the daily lookback and computes the indicator
// snapshot scoring runs on.
func (s *Service) indicatorsFor(ctx context.Context, symbol string) (*market.IndicatorSet, error) {
	candles, err := s.klines.Daily(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return market.ComputeIndicators(candles)
}

// publish writes the emission-time history row, then queues the signal. A
// failed insert does not block the signal; a failed publish marks the row.
func (s *Service) publish(ctx context.Context, sig *signal.Signal, origin string, regime strategy.Regime) error {
	if s.store != nil {
		h := &database.SignalHistory{
			AccountID:    s.account,
			Timestamp:    s.now(),
			Symbol:       sig.Symbol,
			Action:       string(sig.Type),
			Price:        sig.Price,
			Score:        sig.Score,
			Confidence:   math.Min(math.Abs(sig.Score), 100) / 100,
			Indicators:   sig.Indicators,
			StrategyName: origin,
			MarketTrend:  string(regime),
			Volatility:   sig.Indicators["atr"],
		}
		if err := s.store.InsertSignalHistory(ctx, h); err != nil {
			s.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("history insert failed")
		} else {
			sig.HistoryID = h.ID
		}
	}

	if err := s.queue.Publish(ctx, sig); err != nil {
		if s.store != nil && sig.HistoryID != 0 {
			if uerr := s.store.UpdateSignalExecution(ctx, sig.HistoryID, database.ExecStatusFailed, s.now(), 0, 0, "", "publish failed: "+err.Error()); uerr != nil {
				s.logger.Warn().Err(uerr).Int64("history_id", sig.HistoryID).Msg("history failure update failed")
			}
		}
		return fmt.Errorf("publish %s %s: %w", sig.Type, sig.Symbol, err)
	}

	s.count(func(c *Counters) { c.Published++ })
	if s.notifier != nil {
		s.notifier.SignalPublished(ctx, sig.Symbol, string(sig.Type), sig.Score, sig.Price)
	}
	return nil
}

// Status renders the service state for the ops API.
func (s *Service) Status(ctx context.Context) map[string]any {
	s.mu.Lock()
	counters := s.counters
	startedAt := s.startedAt
	running := s.running
	s.mu.Unlock()

	out := map[string]any{
		"service":           "signal-generator",
		"account":           s.account,
		"running":           running,
		"watchlist":         len(s.watch.Active()),
		"scan_interval_sec": int64(s.cfg.ScanInterval.Seconds()),
		"started_at":        startedAt,
		"counters":          counters,
	}
	if !startedAt.IsZero() {
		out["uptime_sec"] = int64(s.now().Sub(startedAt).Seconds())
	}
	if s.regime != nil {
		out["regime"] = string(s.regime.Current(ctx))
	}
	if s.vixy != nil {
		price, ma200, inPanic := s.vixy.Snapshot()
		out["vixy"] = map[string]any{
			"symbol": s.vixy.Symbol(),
			"price":  price,
			"ma200":  ma200,
			"panic":  inPanic,
		}
	}
	if stats, err := s.queue.Counts(ctx); err == nil {
		out["queue"] = stats
	}
	return out
}
