package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 90 * time.Second // ~3 missed pings triggers reconnect
	streamWriteTimeout = 10 * time.Second
	maxReconnectWait   = 30 * time.Second
	quoteBufferSize    = 512
)

// QuoteStream maintains the realtime quote websocket: it authenticates,
// tracks subscriptions for automatic re-subscribe after reconnect, and
// delivers pushes on a buffered channel. When the consumer falls behind,
// the oldest pushes are dropped; quotes are snapshots so the latest wins.
type QuoteStream struct {
	url   string
	token string

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	quotes  chan PushQuote
	dropped int64

	logger zerolog.Logger
}

// streamCommand is an outgoing control message.
type streamCommand struct {
	Action      string   `json:"action"` // auth, subscribe, unsubscribe
	Token       string   `json:"token,omitempty"`
	Symbols     []string `json:"symbols,omitempty"`
	SubTypes    []string `json:"sub_types,omitempty"`
	IsFirstPush bool     `json:"is_first_push,omitempty"`
}

// streamEvent is an incoming message envelope.
type streamEvent struct {
	Type    string          `json:"type"` // quote, error
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewQuoteStream builds a stream against the quote websocket gateway.
func NewQuoteStream(cfg Config, logger zerolog.Logger) *QuoteStream {
	return &QuoteStream{
		url:        cfg.QuoteWSURL,
		token:      cfg.AccessToken,
		subscribed: make(map[string]bool),
		quotes:     make(chan PushQuote, quoteBufferSize),
		logger:     logger.With().Str("component", "quote-stream").Logger(),
	}
}

// Quotes returns the push delivery channel.
func (s *QuoteStream) Quotes() <-chan PushQuote { return s.quotes }

// Run connects and maintains the stream until ctx is cancelled.
func (s *QuoteStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		start := time.Now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		s.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("quote stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe registers symbols for quote pushes. Symbols stay tracked across
// reconnects.
func (s *QuoteStream) Subscribe(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(streamCommand{
		Action:      "subscribe",
		Symbols:     symbols,
		SubTypes:    []string{"quote"},
		IsFirstPush: true,
	})
}

// Unsubscribe stops pushes for symbols.
func (s *QuoteStream) Unsubscribe(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(streamCommand{
		Action:   "unsubscribe",
		Symbols:  symbols,
		SubTypes: []string{"quote"},
	})
}

// Close tears down the current connection.
func (s *QuoteStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *QuoteStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.writeJSON(streamCommand{Action: "auth", Token: s.token}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info().Msg("quote stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *QuoteStream) resubscribe() error {
	s.subscribedMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return s.writeJSON(streamCommand{
		Action:      "subscribe",
		Symbols:     symbols,
		SubTypes:    []string{"quote"},
		IsFirstPush: true,
	})
}

func (s *QuoteStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *QuoteStream) dispatch(data []byte) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Debug().Str("data", string(data)).Msg("ignoring non-json stream message")
		return
	}

	switch ev.Type {
	case "quote":
		var q PushQuote
		if err := json.Unmarshal(ev.Data, &q); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode quote push")
			return
		}
		select {
		case s.quotes <- q:
		default:
			// Consumer is behind; drop the oldest and keep the fresh push.
			select {
			case <-s.quotes:
			default:
			}
			select {
			case s.quotes <- q:
			default:
			}
			s.dropped++
			if s.dropped%100 == 1 {
				s.logger.Warn().Int64("dropped", s.dropped).Msg("quote channel full, dropping pushes")
			}
		}
	case "error":
		s.logger.Error().Str("message", ev.Message).Msg("quote stream error event")
	}
}

func (s *QuoteStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("quote stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}
