// Package queue implements the Redis-backed priority queue that carries
// trade signals from the generator to the executor.
//
// Each account owns three sorted sets. The member of every set is the exact
// JSON the signal was published with; that byte identity is what ties a
// consumed signal back to its queue entry, so entries are always removed by
// their original bytes and never by a re-serialization.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

// defaultKeyPrefix roots the three per-account sets:
// {prefix}:{account}, {prefix}:processing:{account}, {prefix}:failed:{account}.
const defaultKeyPrefix = "trading:signals"

const (
	defaultMaxRetries    = 3
	defaultZombieTimeout = 5 * time.Minute
	defaultScanLimit     = 100
	defaultMaxSize       = 1000
	maxBackoff           = 8 * time.Minute
	minRetryPriority     = 5
	priorityDropPerRetry = 10
)

// Config tunes queue behavior.
type Config struct {
	KeyPrefix     string        `json:"key_prefix"`
	MaxRetries    int           `json:"max_retries"`
	ZombieTimeout time.Duration `json:"zombie_timeout"`
	// ScanLimit bounds how many head entries Consume inspects while
	// looking for a due signal past delayed retries.
	ScanLimit int64 `json:"scan_limit"`
	// MaxSize rejects publishes once the main set reaches this size.
	MaxSize int64 `json:"max_size"`
}

// DefaultConfig returns production queue settings.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     defaultKeyPrefix,
		MaxRetries:    defaultMaxRetries,
		ZombieTimeout: defaultZombieTimeout,
		ScanLimit:     defaultScanLimit,
		MaxSize:       defaultMaxSize,
	}
}

// ErrQueueFull is returned by Publish when the main set is at capacity.
var ErrQueueFull = fmt.Errorf("queue: main set at capacity")

// Stats is a point-in-time census of the three sets.
type Stats struct {
	Pending    int64 `json:"pending"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// SignalQueue is one account's signal queue.
//
// Priority ordering: the main set stores score = -priority, so an ascending
// range walk visits the most urgent signals first. Processing and failed
// sets store the unix time the entry landed there.
type SignalQueue struct {
	store   Store
	account string

	keyMain       string
	keyProcessing string
	keyFailed     string

	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New builds the queue for one account.
func New(store Store, account string, cfg Config, logger zerolog.Logger) *SignalQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ZombieTimeout <= 0 {
		cfg.ZombieTimeout = defaultZombieTimeout
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = defaultScanLimit
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	return &SignalQueue{
		store:         store,
		account:       account,
		keyMain:       cfg.KeyPrefix + ":" + account,
		keyProcessing: cfg.KeyPrefix + ":processing:" + account,
		keyFailed:     cfg.KeyPrefix + ":failed:" + account,
		cfg:           cfg,
		logger:        logger.With().Str("component", "signal-queue").Str("account", account).Logger(),
		now:           time.Now,
	}
}

// Account returns the account this queue belongs to.
func (q *SignalQueue) Account() string { return q.account }

// Publish validates and enqueues a signal. The serialized bytes become the
// member identity for the signal's whole queue lifetime.
func (q *SignalQueue) Publish(ctx context.Context, sig *signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("refusing to publish: %w", err)
	}
	size, err := q.store.ZCard(ctx, q.keyMain)
	if err != nil {
		return fmt.Errorf("failed to check queue size: %w", err)
	}
	if size >= q.cfg.MaxSize {
		return fmt.Errorf("%w (%d entries)", ErrQueueFull, size)
	}
	if sig.Account == "" {
		sig.Account = q.account
	}
	if sig.Priority <= 0 {
		sig.Priority = signal.PriorityFor(sig.Type, sig.Score)
	}
	sig.QueuedAt = q.now()

	data, err := sig.Encode()
	if err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, q.keyMain, -float64(sig.Priority), string(data)); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	sig.OriginalJSON = data

	q.logger.Info().
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Int("priority", sig.Priority).
		Float64("score", sig.Score).
		Msg("signal published")
	return nil
}

// Consume recovers zombies, then claims the highest-priority due signal.
// Returns (nil, nil) when nothing is due. A claim is won by being the caller
// whose ZRem actually removed the member, so concurrent consumers never
// share a signal.
func (q *SignalQueue) Consume(ctx context.Context) (*signal.Signal, error) {
	if _, err := q.RecoverZombies(ctx, q.cfg.ZombieTimeout); err != nil {
		q.logger.Warn().Err(err).Msg("zombie recovery failed")
	}

	members, err := q.store.ZRangeWithScores(ctx, q.keyMain, 0, q.cfg.ScanLimit-1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}

	now := q.now()
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil {
			q.quarantineCorrupt(ctx, m.Value, err)
			continue
		}
		if sig.Delayed(now) {
			continue
		}

		claimed, err := q.store.ZRem(ctx, q.keyMain, m.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to claim signal: %w", err)
		}
		if !claimed {
			// Another consumer won this member; try the next one.
			continue
		}
		if err := q.store.ZAdd(ctx, q.keyProcessing, float64(now.Unix()), m.Value); err != nil {
			return nil, fmt.Errorf("failed to move signal to processing: %w", err)
		}

		q.logger.Debug().
			Str("symbol", sig.Symbol).
			Str("signal_type", string(sig.Type)).
			Int("priority", sig.Priority).
			Msg("signal consumed")
		return sig, nil
	}
	return nil, nil
}

// quarantineCorrupt moves an undecodable member out of the main set so it
// cannot wedge consumption.
func (q *SignalQueue) quarantineCorrupt(ctx context.Context, member string, cause error) {
	q.logger.Error().Err(cause).Str("member", member).Msg("corrupt queue entry, quarantining")
	if removed, err := q.store.ZRem(ctx, q.keyMain, member); err != nil || !removed {
		return
	}
	_ = q.store.ZAdd(ctx, q.keyFailed, float64(q.now().Unix()), member)
}

// MarkCompleted removes a consumed signal from the processing set.
func (q *SignalQueue) MarkCompleted(ctx context.Context, sig *signal.Signal) error {
	if len(sig.OriginalJSON) == 0 {
		return fmt.Errorf("signal %s has no original bytes; was it consumed from this queue?", sig.ID)
	}
	removed, err := q.store.ZRem(ctx, q.keyProcessing, string(sig.OriginalJSON))
	if err != nil {
		return fmt.Errorf("failed to complete signal: %w", err)
	}
	if !removed {
		// Zombie recovery may have reclaimed it first; that is survivable
		// but worth seeing in logs.
		q.logger.Warn().
			Str("symbol", sig.Symbol).
			Str("signal_type", string(sig.Type)).
			Msg("completed signal was not in processing")
	}
	return nil
}

// MarkFailed removes the signal from processing and either re-publishes it
// with backoff (transient failures, retries remaining) or parks it in the
// failed set.
func (q *SignalQueue) MarkFailed(ctx context.Context, sig *signal.Signal, cause string, retry bool) error {
	if len(sig.OriginalJSON) == 0 {
		return fmt.Errorf("signal %s has no original bytes; was it consumed from this queue?", sig.ID)
	}
	if _, err := q.store.ZRem(ctx, q.keyProcessing, string(sig.OriginalJSON)); err != nil {
		return fmt.Errorf("failed to remove signal from processing: %w", err)
	}

	now := q.now()
	if retry && sig.RetryCount < q.cfg.MaxRetries {
		next := *sig
		next.RetryCount = sig.RetryCount + 1
		next.RetryAfter = now.Add(backoffDelay(sig.RetryCount)).Unix()
		next.Priority = retryPriority(sig.Priority)
		next.LastError = cause
		next.QueuedAt = now

		data, err := next.Encode()
		if err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, q.keyMain, -float64(next.Priority), string(data)); err != nil {
			return fmt.Errorf("failed to requeue signal: %w", err)
		}
		q.logger.Info().
			Str("symbol", sig.Symbol).
			Str("signal_type", string(sig.Type)).
			Int("retry_count", next.RetryCount).
			Int("priority", next.Priority).
			Str("cause", cause).
			Msg("signal requeued with backoff")
		return nil
	}

	parked := *sig
	parked.FailedAt = now.Unix()
	parked.LastError = cause
	data, err := parked.Encode()
	if err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, q.keyFailed, float64(now.Unix()), string(data)); err != nil {
		return fmt.Errorf("failed to park signal in failed set: %w", err)
	}
	q.logger.Warn().
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Int("retry_count", sig.RetryCount).
		Str("cause", cause).
		Msg("signal moved to failed set")
	return nil
}

// RequeueWithDelay removes the signal from processing and re-publishes it,
// keeping its priority, consumable no earlier than now+delay. Used for
// insufficient-funds retries where urgency should not decay.
func (q *SignalQueue) RequeueWithDelay(ctx context.Context, sig *signal.Signal, delay time.Duration, reason string) error {
	if len(sig.OriginalJSON) == 0 {
		return fmt.Errorf("signal %s has no original bytes; was it consumed from this queue?", sig.ID)
	}
	if _, err := q.store.ZRem(ctx, q.keyProcessing, string(sig.OriginalJSON)); err != nil {
		return fmt.Errorf("failed to remove signal from processing: %w", err)
	}

	now := q.now()
	next := *sig
	next.RetryCount = sig.RetryCount + 1
	next.RetryAfter = now.Add(delay).Unix()
	next.LastError = reason
	next.QueuedAt = now

	data, err := next.Encode()
	if err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, q.keyMain, -float64(next.Priority), string(data)); err != nil {
		return fmt.Errorf("failed to requeue signal with delay: %w", err)
	}
	q.logger.Info().
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Dur("delay", delay).
		Int("retry_count", next.RetryCount).
		Str("reason", reason).
		Msg("signal requeued with delay")
	return nil
}

// RecoverZombies returns to the main set every processing entry older than
// olderThan, restoring each at its original priority. olderThan <= 0 sweeps
// the whole processing set. Safe to run from multiple consumers: each entry
// is moved by exactly one caller.
func (q *SignalQueue) RecoverZombies(ctx context.Context, olderThan time.Duration) (int, error) {
	maxScore := "+inf"
	if olderThan > 0 {
		maxScore = strconv.FormatInt(q.now().Add(-olderThan).Unix(), 10)
	}
	members, err := q.store.ZRangeByScoreWithScores(ctx, q.keyProcessing, "-inf", maxScore)
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing set: %w", err)
	}

	recovered := 0
	for _, m := range members {
		claimed, err := q.store.ZRem(ctx, q.keyProcessing, m.Value)
		if err != nil {
			return recovered, fmt.Errorf("failed to claim zombie: %w", err)
		}
		if !claimed {
			continue
		}
		sig, derr := signal.Decode([]byte(m.Value))
		if derr != nil {
			_ = q.store.ZAdd(ctx, q.keyFailed, float64(q.now().Unix()), m.Value)
			continue
		}
		if err := q.store.ZAdd(ctx, q.keyMain, -float64(sig.Priority), m.Value); err != nil {
			return recovered, fmt.Errorf("failed to restore zombie: %w", err)
		}
		recovered++
		q.logger.Info().
			Str("symbol", sig.Symbol).
			Str("signal_type", string(sig.Type)).
			Int("priority", sig.Priority).
			Msg("zombie signal recovered")
	}
	return recovered, nil
}

// WakeUpDelayed clears retry_after on every delayed main entry so funds
// retries become immediately consumable, typically after a sell freed cash.
func (q *SignalQueue) WakeUpDelayed(ctx context.Context) (int, error) {
	members, err := q.store.ZRangeWithScores(ctx, q.keyMain, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("failed to scan queue: %w", err)
	}

	now := q.now()
	woken := 0
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil || !sig.Delayed(now) {
			continue
		}
		claimed, err := q.store.ZRem(ctx, q.keyMain, m.Value)
		if err != nil {
			return woken, fmt.Errorf("failed to claim delayed signal: %w", err)
		}
		if !claimed {
			continue
		}
		next := *sig
		next.RetryAfter = 0
		data, err := next.Encode()
		if err != nil {
			return woken, err
		}
		if err := q.store.ZAdd(ctx, q.keyMain, -float64(next.Priority), string(data)); err != nil {
			return woken, fmt.Errorf("failed to wake delayed signal: %w", err)
		}
		woken++
	}
	if woken > 0 {
		q.logger.Info().Int("woken", woken).Msg("delayed signals woken up")
	}
	return woken, nil
}

// RecoverFailed moves failed entries for symbol (all symbols when empty)
// that failed within maxAge back into the main set as consumable signals.
func (q *SignalQueue) RecoverFailed(ctx context.Context, symbol string, maxAge time.Duration) (int, error) {
	members, err := q.store.ZRangeWithScores(ctx, q.keyFailed, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("failed to scan failed set: %w", err)
	}

	now := q.now()
	recovered := 0
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil {
			continue
		}
		if symbol != "" && sig.Symbol != symbol {
			continue
		}
		if maxAge > 0 && now.Sub(time.Unix(int64(m.Score), 0)) > maxAge {
			continue
		}
		claimed, err := q.store.ZRem(ctx, q.keyFailed, m.Value)
		if err != nil {
			return recovered, fmt.Errorf("failed to claim failed signal: %w", err)
		}
		if !claimed {
			continue
		}
		next := *sig
		next.RetryAfter = 0
		next.FailedAt = 0
		next.QueuedAt = now
		data, err := next.Encode()
		if err != nil {
			return recovered, err
		}
		if err := q.store.ZAdd(ctx, q.keyMain, -float64(next.Priority), string(data)); err != nil {
			return recovered, fmt.Errorf("failed to restore failed signal: %w", err)
		}
		recovered++
		q.logger.Info().
			Str("symbol", sig.Symbol).
			Str("signal_type", string(sig.Type)).
			Msg("failed signal recovered")
	}
	return recovered, nil
}

// HasPending reports whether any queued or in-flight signal for symbol
// matches side. With excludeDelayed, parked retries in the main set are
// ignored; processing entries always count.
func (q *SignalQueue) HasPending(ctx context.Context, symbol string, side signal.Side, excludeDelayed bool) (bool, error) {
	now := q.now()
	for _, key := range []string{q.keyMain, q.keyProcessing} {
		members, err := q.store.ZRangeWithScores(ctx, key, 0, -1)
		if err != nil {
			return false, fmt.Errorf("failed to scan %s: %w", key, err)
		}
		for _, m := range members {
			sig, err := signal.Decode([]byte(m.Value))
			if err != nil {
				continue
			}
			if sig.Symbol != symbol || sig.Side != side {
				continue
			}
			if excludeDelayed && key == q.keyMain && sig.Delayed(now) {
				continue
			}
			return true, nil
		}
	}
	return false, nil
}

// PendingSymbols returns the set of symbols present in main or processing.
func (q *SignalQueue) PendingSymbols(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, key := range []string{q.keyMain, q.keyProcessing} {
		members, err := q.store.ZRangeWithScores(ctx, key, 0, -1)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", key, err)
		}
		for _, m := range members {
			sig, err := signal.Decode([]byte(m.Value))
			if err != nil {
				continue
			}
			out[sig.Symbol] = true
		}
	}
	return out, nil
}

// DelayedSignals returns delayed main-set entries with score >= minScore
// queued within maxAge (0 disables the age filter).
func (q *SignalQueue) DelayedSignals(ctx context.Context, minScore float64, maxAge time.Duration) ([]*signal.Signal, error) {
	members, err := q.store.ZRangeWithScores(ctx, q.keyMain, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	now := q.now()
	var out []*signal.Signal
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil {
			continue
		}
		if !sig.Delayed(now) || sig.Score < minScore {
			continue
		}
		if maxAge > 0 && now.Sub(sig.QueuedAt) > maxAge {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// AnotherInProcessing reports whether a different signal for the same symbol
// is currently being processed.
func (q *SignalQueue) AnotherInProcessing(ctx context.Context, sig *signal.Signal) (bool, error) {
	members, err := q.store.ZRangeWithScores(ctx, q.keyProcessing, 0, -1)
	if err != nil {
		return false, fmt.Errorf("failed to scan processing set: %w", err)
	}
	for _, m := range members {
		if m.Value == string(sig.OriginalJSON) {
			continue
		}
		other, err := signal.Decode([]byte(m.Value))
		if err != nil {
			continue
		}
		if other.Symbol == sig.Symbol {
			return true, nil
		}
	}
	return false, nil
}

// PendingSignals decodes every main-set entry in priority order.
func (q *SignalQueue) PendingSignals(ctx context.Context) ([]*signal.Signal, error) {
	return q.decodeAll(ctx, q.keyMain)
}

// FailedSignals returns failed entries with score >= minScore that failed
// within maxAge (0 disables the filters), oldest first.
func (q *SignalQueue) FailedSignals(ctx context.Context, minScore float64, maxAge time.Duration) ([]*signal.Signal, error) {
	members, err := q.store.ZRangeWithScores(ctx, q.keyFailed, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan failed set: %w", err)
	}
	now := q.now()
	var out []*signal.Signal
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil {
			continue
		}
		if sig.Score < minScore {
			continue
		}
		if maxAge > 0 && now.Sub(time.Unix(int64(m.Score), 0)) > maxAge {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// WakeSignal clears retry_after on one specific delayed main entry so it is
// immediately consumable. Reports whether the entry was found and woken.
func (q *SignalQueue) WakeSignal(ctx context.Context, sig *signal.Signal) (bool, error) {
	if len(sig.OriginalJSON) == 0 {
		return false, fmt.Errorf("signal %s has no original bytes", sig.ID)
	}
	claimed, err := q.store.ZRem(ctx, q.keyMain, string(sig.OriginalJSON))
	if err != nil {
		return false, fmt.Errorf("failed to claim delayed signal: %w", err)
	}
	if !claimed {
		return false, nil
	}
	next := *sig
	next.RetryAfter = 0
	data, err := next.Encode()
	if err != nil {
		return false, err
	}
	if err := q.store.ZAdd(ctx, q.keyMain, -float64(next.Priority), string(data)); err != nil {
		return false, fmt.Errorf("failed to wake signal: %w", err)
	}
	return true, nil
}

// RecoverSignal moves one specific failed entry back into the main set with
// its retry fields cleared. Reports whether the entry was found and moved.
func (q *SignalQueue) RecoverSignal(ctx context.Context, sig *signal.Signal) (bool, error) {
	if len(sig.OriginalJSON) == 0 {
		return false, fmt.Errorf("signal %s has no original bytes", sig.ID)
	}
	claimed, err := q.store.ZRem(ctx, q.keyFailed, string(sig.OriginalJSON))
	if err != nil {
		return false, fmt.Errorf("failed to claim failed signal: %w", err)
	}
	if !claimed {
		return false, nil
	}
	next := *sig
	next.RetryAfter = 0
	next.FailedAt = 0
	next.QueuedAt = q.now()
	data, err := next.Encode()
	if err != nil {
		return false, err
	}
	if err := q.store.ZAdd(ctx, q.keyMain, -float64(next.Priority), string(data)); err != nil {
		return false, fmt.Errorf("failed to restore signal: %w", err)
	}
	q.logger.Info().
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Msg("failed signal recovered")
	return true, nil
}

func (q *SignalQueue) decodeAll(ctx context.Context, key string) ([]*signal.Signal, error) {
	members, err := q.store.ZRangeWithScores(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", key, err)
	}
	out := make([]*signal.Signal, 0, len(members))
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// Counts returns the queue census, splitting delayed entries out of pending.
func (q *SignalQueue) Counts(ctx context.Context) (Stats, error) {
	var stats Stats

	members, err := q.store.ZRangeWithScores(ctx, q.keyMain, 0, -1)
	if err != nil {
		return stats, fmt.Errorf("failed to scan queue: %w", err)
	}
	now := q.now()
	for _, m := range members {
		sig, err := signal.Decode([]byte(m.Value))
		if err != nil {
			continue
		}
		if sig.Delayed(now) {
			stats.Delayed++
		} else {
			stats.Pending++
		}
	}

	if stats.Processing, err = q.store.ZCard(ctx, q.keyProcessing); err != nil {
		return stats, fmt.Errorf("failed to count processing: %w", err)
	}
	if stats.Failed, err = q.store.ZCard(ctx, q.keyFailed); err != nil {
		return stats, fmt.Errorf("failed to count failed: %w", err)
	}
	return stats, nil
}

// backoffDelay doubles per retry: 1m, 2m, 4m, then capped.
func backoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 6 {
		retryCount = 6
	}
	d := time.Duration(1<<uint(retryCount)) * time.Minute
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// retryPriority decays urgency on each retry without letting a signal
// disappear behind everything else forever.
func retryPriority(p int) int {
	p -= priorityDropPerRetry
	if p < minRetryPriority {
		p = minRetryPriority
	}
	return p
}
