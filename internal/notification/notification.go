// Package notification delivers operator alerts through webhook providers,
// with a per-(reason, symbol) cooldown so repeated conditions do not flood
// the sink.
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator-facing message.
type Notification struct {
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol,omitempty"`
	Account   string    `json:"account,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is one delivery provider.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

const (
	defaultCooldown = time.Hour
	gcInterval      = 24 * time.Hour
)

// Manager fans notifications out to all enabled providers, applying the
// cooldown per (reason, symbol) key.
type Manager struct {
	notifiers []Notifier
	account   string
	cooldown  time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	lastGC   time.Time

	now func() time.Time
}

// NewManager creates the notification manager for one account.
func NewManager(account string, cooldown time.Duration, logger zerolog.Logger) *Manager {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Manager{
		account:  account,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "notification").Str("account", account).Logger(),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// AddNotifier registers a delivery provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notify sends one message under the default cooldown.
func (m *Manager) Notify(ctx context.Context, reason, symbol string, severity Severity, title, message string) {
	m.NotifyWithCooldown(ctx, reason, symbol, severity, title, message, m.cooldown)
}

// NotifyWithCooldown sends one message, suppressing repeats of the same
// (reason, symbol) key inside the given window. Failures are logged, never
// propagated: notifications are best-effort by design.
func (m *Manager) NotifyWithCooldown(ctx context.Context, reason, symbol string, severity Severity, title, message string, cooldown time.Duration) {
	key := reason + ":" + symbol
	if !m.shouldSend(key, cooldown) {
		m.logger.Debug().Str("key", key).Msg("notification suppressed by cooldown")
		return
	}

	n := &Notification{
		Severity:  severity,
		Title:     title,
		Message:   message,
		Symbol:    symbol,
		Account:   m.account,
		Timestamp: m.now(),
	}
	for _, notifier := range m.notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		if err := notifier.Send(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("provider", notifier.Name()).Str("key", key).Msg("notification send failed")
		}
	}
}

// shouldSend records the send time for key unless it is still cooling down,
// and garbage-collects stale entries once a day.
func (m *Manager) shouldSend(key string, cooldown time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lastGC.IsZero() {
		m.lastGC = now
	} else if now.Sub(m.lastGC) >= gcInterval {
		for k, ts := range m.lastSent {
			if now.Sub(ts) >= gcInterval {
				delete(m.lastSent, k)
			}
		}
		m.lastGC = now
	}

	if last, ok := m.lastSent[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

// ============================================================================
// CONVENIENCE SENDERS
// ============================================================================

// SignalPublished announces a freshly queued signal.
func (m *Manager) SignalPublished(ctx context.Context, symbol, signalType string, score, price float64) {
	m.Notify(ctx, "signal_published", symbol, SeverityInfo,
		fmt.Sprintf("Signal: %s %s", signalType, symbol),
		fmt.Sprintf("%s %s score=%.1f price=%.3f", signalType, symbol, score, price))
}

// OrderSubmitted announces a submitted order.
func (m *Manager) OrderSubmitted(ctx context.Context, symbol, side, orderID string, quantity int64, price float64) {
	m.Notify(ctx, "order_submitted", symbol, SeverityInfo,
		fmt.Sprintf("Order: %s %s", side, symbol),
		fmt.Sprintf("%s %d %s @ %.3f (order %s)", side, quantity, symbol, price, orderID))
}

// InsufficientFunds tells the operator what was attempted, what blocked it
// and what to do about it.
func (m *Manager) InsufficientFunds(ctx context.Context, symbol, currency string, required, available float64) {
	m.Notify(ctx, "insufficient_funds", symbol, SeverityWarning,
		fmt.Sprintf("Insufficient funds: %s", symbol),
		fmt.Sprintf("buy %s needs %.2f %s but only %.2f available; consider releasing positions",
			symbol, required, currency, available))
}

// ExecutionFailed announces a terminal execution failure.
func (m *Manager) ExecutionFailed(ctx context.Context, symbol, signalType, cause string) {
	m.Notify(ctx, "execution_failed", symbol, SeverityCritical,
		fmt.Sprintf("Execution failed: %s %s", signalType, symbol),
		cause)
}

// PanicAlert announces a volatility-panic flip. Dedup is tighter than the
// default cooldown: at most one alert per five minutes.
func (m *Manager) PanicAlert(ctx context.Context, symbol string, price, threshold float64, entering bool) {
	state := "cleared"
	severity := SeverityInfo
	action := "allowed"
	if entering {
		state = "ENTERED"
		severity = SeverityCritical
		action = "blocked"
	}
	m.NotifyWithCooldown(ctx, "market_panic", symbol, severity,
		fmt.Sprintf("Market panic %s", state),
		fmt.Sprintf("%s at %.2f vs threshold %.2f; new buys are %s", symbol, price, threshold, action),
		5*time.Minute)
}
