package risk

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
)

const (
	vixyKeyPrice   = "market:vixy:price"
	vixyKeyMA200   = "market:vixy:ma200"
	vixyKeyPanic   = "market:vixy:panic"
	vixyKeyUpdated = "market:vixy:updated_at"

	// Other processes read the snapshot instead of subscribing to the
	// stream themselves; a stale snapshot must expire rather than linger.
	vixySnapshotTTL = 10 * time.Minute

	ma200StaleAfter = time.Hour
)

// MA200Source supplies the long moving average of the panic symbol.
// The generator backs this with the hybrid kline loader.
type MA200Source interface {
	MA200(ctx context.Context, symbol string) (float64, error)
}

// PanicAlerter receives state flips. Backed by the notification manager,
// which owns the 5-minute alert dedup.
type PanicAlerter interface {
	PanicAlert(ctx context.Context, symbol string, price, threshold float64, entering bool)
}

// VixyMonitor tracks the VIXY price against the panic threshold. While the
// threshold is breached all BUY-family signal generation is gated off; sells
// are never gated.
type VixyMonitor struct {
	cfg     config.VixyConfig
	rdb     *redis.Client
	ma      MA200Source
	alerter PanicAlerter
	logger  zerolog.Logger

	mu          sync.RWMutex
	price       float64
	ma200       float64
	ma200At     time.Time
	panic       bool
	panicSince  time.Time
	lastTick    time.Time
	onPanicFlip func(active bool)
}

// NewVixyMonitor builds the monitor. rdb may be nil (no snapshot persisted),
// ma and alerter may be nil.
func NewVixyMonitor(cfg config.VixyConfig, rdb *redis.Client, ma MA200Source, alerter PanicAlerter, logger zerolog.Logger) *VixyMonitor {
	return &VixyMonitor{
		cfg:     cfg,
		rdb:     rdb,
		ma:      ma,
		alerter: alerter,
		logger:  logger.With().Str("component", "vixy_monitor").Logger(),
	}
}

// OnPanicFlip registers a callback invoked (in its own goroutine) whenever
// the panic state changes.
func (v *VixyMonitor) OnPanicFlip(fn func(active bool)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onPanicFlip = fn
}

// Symbol returns the monitored symbol, e.g. "VIXY.US".
func (v *VixyMonitor) Symbol() string { return v.cfg.Symbol }

// InPanic reports whether the panic gate is currently engaged.
func (v *VixyMonitor) InPanic() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.panic
}

// Snapshot returns the last observed price, MA200 and panic state.
func (v *VixyMonitor) Snapshot() (price, ma200 float64, inPanic bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.price, v.ma200, v.panic
}

// Observe processes one realtime tick of the panic symbol. It refreshes the
// MA200 when stale, flips the panic state when the threshold is crossed, and
// persists the snapshot so sibling processes can read it without their own
// subscription.
func (v *VixyMonitor) Observe(ctx context.Context, price float64, at time.Time) {
	if price <= 0 {
		return
	}

	v.refreshMA200(ctx)

	v.mu.Lock()
	v.price = price
	v.lastTick = at

	var flipped, entering bool
	switch {
	case price > v.cfg.PanicThreshold && !v.panic:
		v.panic = true
		v.panicSince = at
		flipped, entering = true, true
	case price <= v.cfg.PanicThreshold && v.panic:
		v.panic = false
		flipped, entering = true, false
	}
	inPanic := v.panic
	flip := v.onPanicFlip
	v.mu.Unlock()

	if flipped {
		if entering {
			v.logger.Warn().Float64("price", price).Float64("threshold", v.cfg.PanicThreshold).
				Msg("market panic engaged, buy signals suspended")
		} else {
			v.logger.Info().Float64("price", price).Float64("threshold", v.cfg.PanicThreshold).
				Msg("market panic cleared")
		}
		if v.alerter != nil && v.cfg.AlertEnabled {
			v.alerter.PanicAlert(ctx, v.cfg.Symbol, price, v.cfg.PanicThreshold, entering)
		}
		if flip != nil {
			go flip(entering)
		}
	}

	v.persistSnapshot(ctx, price, inPanic, at)
}

func (v *VixyMonitor) refreshMA200(ctx context.Context) {
	if v.ma == nil {
		return
	}
	v.mu.RLock()
	stale := time.Since(v.ma200At) > ma200StaleAfter
	v.mu.RUnlock()
	if !stale {
		return
	}

	ma, err := v.ma.MA200(ctx, v.cfg.Symbol)
	if err != nil {
		v.logger.Warn().Err(err).Msg("ma200 refresh failed, keeping previous value")
		return
	}
	v.mu.Lock()
	v.ma200 = ma
	v.ma200At = time.Now()
	v.mu.Unlock()
}

func (v *VixyMonitor) persistSnapshot(ctx context.Context, price float64, inPanic bool, at time.Time) {
	if v.rdb == nil {
		return
	}
	v.mu.RLock()
	ma200 := v.ma200
	v.mu.RUnlock()

	pipe := v.rdb.Pipeline()
	pipe.Set(ctx, vixyKeyPrice, strconv.FormatFloat(price, 'f', -1, 64), vixySnapshotTTL)
	pipe.Set(ctx, vixyKeyMA200, strconv.FormatFloat(ma200, 'f', -1, 64), vixySnapshotTTL)
	pipe.Set(ctx, vixyKeyPanic, strconv.FormatBool(inPanic), vixySnapshotTTL)
	pipe.Set(ctx, vixyKeyUpdated, strconv.FormatInt(at.Unix(), 10), vixySnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		v.logger.Warn().Err(err).Msg("vixy snapshot write failed")
	}
}

// ReadPanicSnapshot reads the shared panic flag written by the process that
// owns the VIXY subscription. Absent or expired keys mean no panic.
func ReadPanicSnapshot(ctx context.Context, rdb *redis.Client) (bool, error) {
	val, err := rdb.Get(ctx, vixyKeyPanic).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	inPanic, err := strconv.ParseBool(val)
	if err != nil {
		return false, nil
	}
	return inPanic, nil
}
