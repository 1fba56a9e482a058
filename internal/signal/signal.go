// Package signal defines the trade-intent payload exchanged between the
// signal generator and the order executor through the Redis queue.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies what kind of trade intent a signal carries.
type Type string

const (
	TypeStrongBuy       Type = "STRONG_BUY"
	TypeBuy             Type = "BUY"
	TypeWeakBuy         Type = "WEAK_BUY"
	TypeAddPosition     Type = "ADD_POSITION"
	TypeSell            Type = "SELL"
	TypeStopLoss        Type = "STOP_LOSS"
	TypeTakeProfit      Type = "TAKE_PROFIT"
	TypeSmartTakeProfit Type = "SMART_TAKE_PROFIT"
	TypeEarlyTakeProfit Type = "EARLY_TAKE_PROFIT"
	TypeGradualExit     Type = "GRADUAL_EXIT"  // 25% of holdings
	TypePartialExit     Type = "PARTIAL_EXIT"  // 50% of holdings
	TypeRotationSell    Type = "ROTATION_SELL" // free capital for a stronger buy
	TypeUrgentSell      Type = "URGENT_SELL"
)

// Side is the order direction a signal resolves to.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsBuy reports whether the type opens or increases a position.
func (t Type) IsBuy() bool {
	switch t {
	case TypeStrongBuy, TypeBuy, TypeWeakBuy, TypeAddPosition:
		return true
	}
	return false
}

// IsSell reports whether the type closes or reduces a position.
func (t Type) IsSell() bool {
	switch t {
	case TypeSell, TypeStopLoss, TypeTakeProfit, TypeSmartTakeProfit,
		TypeEarlyTakeProfit, TypeGradualExit, TypePartialExit,
		TypeRotationSell, TypeUrgentSell:
		return true
	}
	return false
}

// Valid reports whether t is a known signal type.
func (t Type) Valid() bool {
	return t.IsBuy() || t.IsSell()
}

// SideFor returns the order side a signal type maps to.
func SideFor(t Type) Side {
	if t.IsSell() {
		return SideSell
	}
	return SideBuy
}

// PriorityFor returns the queue priority for a signal type. Exits always
// outrank entries; buys inherit their entry score so stronger setups are
// executed first.
func PriorityFor(t Type, score float64) int {
	switch t {
	case TypeStopLoss:
		return 100
	case TypeUrgentSell:
		return 95
	case TypeRotationSell, TypeSmartTakeProfit:
		return 90
	case TypeTakeProfit, TypeEarlyTakeProfit:
		return 85
	case TypePartialExit, TypeGradualExit:
		return 80
	case TypeSell:
		return 75
	case TypeAddPosition:
		return 70
	default:
		p := int(score)
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		return p
	}
}

// Signal is the queue payload. The JSON bytes published to the queue are the
// member identity in Redis, so consumers must never re-serialize a consumed
// signal to locate it; OriginalJSON keeps the exact bytes for that.
type Signal struct {
	ID         string             `json:"id,omitempty"`
	Account    string             `json:"account,omitempty"`
	Symbol     string             `json:"symbol"`
	Type       Type               `json:"type"`
	Side       Side               `json:"side"`
	Score      float64            `json:"score,omitempty"`
	Priority   int                `json:"priority"`
	Price      float64            `json:"price,omitempty"`
	Quantity   int64              `json:"quantity,omitempty"`
	StopLoss   float64            `json:"stop_loss,omitempty"`
	TakeProfit float64            `json:"take_profit,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Reasons    []string           `json:"reasons,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	QueuedAt   time.Time          `json:"queued_at"`

	// HistoryID links back to the signal_history row written at emission so
	// the executor can record the execution outcome on the same row.
	HistoryID int64 `json:"history_id,omitempty"`

	// Retry bookkeeping, set by the queue on re-publish.
	RetryAfter int64  `json:"retry_after,omitempty"` // unix seconds; not consumable before this
	RetryCount int    `json:"retry_count,omitempty"`
	FailedAt   int64  `json:"failed_at,omitempty"` // unix seconds, set when parked in failed
	LastError  string `json:"last_error,omitempty"`

	// OriginalJSON holds the exact bytes this signal was stored under.
	// Populated by the queue on consume; never serialized.
	OriginalJSON []byte `json:"-"`
}

// New builds a signal with identity, side and priority filled in.
func New(account, symbol string, typ Type, score float64) *Signal {
	return &Signal{
		ID:        uuid.New().String(),
		Account:   account,
		Symbol:    symbol,
		Type:      typ,
		Side:      SideFor(typ),
		Score:     score,
		Priority:  PriorityFor(typ, score),
		Timestamp: time.Now(),
	}
}

// Validate checks the fields every published signal must carry.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has no symbol")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown signal type: %q", s.Type)
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("unknown signal side: %q", s.Side)
	}
	if s.Quantity < 0 {
		return fmt.Errorf("negative quantity: %d", s.Quantity)
	}
	return nil
}

// Delayed reports whether the signal is parked until a later retry time.
func (s *Signal) Delayed(now time.Time) bool {
	return s.RetryAfter > now.Unix()
}

// Encode serializes the signal to the JSON form used as the queue member.
func (s *Signal) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal: %w", err)
	}
	return data, nil
}

// Decode parses queue member bytes and records them as the signal's identity.
func Decode(data []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode signal: %w", err)
	}
	s.OriginalJSON = data
	return &s, nil
}
