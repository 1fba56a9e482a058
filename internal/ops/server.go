// Package ops exposes a small authenticated HTTP API for inspecting a
// running service: queue depths, holdings, failed signals, and a recover
// knob for stuck entries. It is an operator surface, not a trading surface.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

// QueueInspector is the slice of the signal queue the API exposes.
type QueueInspector interface {
	Counts(ctx context.Context) (queue.Stats, error)
	PendingSignals(ctx context.Context) ([]*signal.Signal, error)
	FailedSignals(ctx context.Context, minScore float64, maxAge time.Duration) ([]*signal.Signal, error)
	RecoverFailed(ctx context.Context, symbol string, maxAge time.Duration) (int, error)
}

// PositionSource supplies current holdings.
type PositionSource interface {
	StockPositions(ctx context.Context) ([]broker.Position, error)
}

// StatusFunc returns the service-specific status payload.
type StatusFunc func(ctx context.Context) map[string]any

// Config holds the server settings. Port 0 disables the API entirely.
type Config struct {
	Port      int
	JWTSecret string
}

// Deps are the data sources behind the endpoints. Nil members disable the
// matching endpoints with 404.
type Deps struct {
	Status    StatusFunc
	Queue     QueueInspector
	Positions PositionSource
}

// Server is the per-service ops API.
type Server struct {
	cfg       Config
	service   string
	account   string
	deps      Deps
	logger    zerolog.Logger
	startedAt time.Time

	router  *gin.Engine
	httpSrv *http.Server
}

// NewServer builds the server. Returns nil when the port is 0 so callers can
// treat a disabled ops API uniformly (nil Server methods are safe no-ops).
func NewServer(service, account string, cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.Port == 0 {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		service:   service,
		account:   account,
		deps:      deps,
		logger:    logger.With().Str("component", "ops").Logger(),
		startedAt: time.Now(),
		router:    router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/v1")
	api.Use(authMiddleware(s.cfg.JWTSecret))
	{
		api.GET("/status", s.handleStatus)
		api.GET("/queue", s.handleQueue)
		api.GET("/positions", s.handlePositions)
		api.GET("/signals/failed", s.handleFailedSignals)
		api.POST("/signals/recover", s.handleRecoverSignals)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	if s == nil {
		return
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info().Int("port", s.cfg.Port).Msg("ops API listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ops API stopped")
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.service,
		"account": s.account,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "status not available"})
		return
	}
	payload := s.deps.Status(c.Request.Context())
	payload["service"] = s.service
	payload["account"] = s.account
	payload["uptime"] = time.Since(s.startedAt).Round(time.Second).String()
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleQueue(c *gin.Context) {
	if s.deps.Queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "queue not available"})
		return
	}
	ctx := c.Request.Context()
	stats, err := s.deps.Queue.Counts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending, err := s.deps.Queue.PendingSignals(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":   stats,
		"pending": summarize(pending),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.deps.Positions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "positions not available"})
		return
	}
	positions, err := s.deps.Positions.StockPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleFailedSignals(c *gin.Context) {
	if s.deps.Queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "queue not available"})
		return
	}
	minScore, _ := strconv.ParseFloat(c.DefaultQuery("min_score", "0"), 64)
	maxAgeMin, _ := strconv.Atoi(c.DefaultQuery("max_age_minutes", "1440"))

	failed, err := s.deps.Queue.FailedSignals(c.Request.Context(), minScore, time.Duration(maxAgeMin)*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": summarize(failed)})
}

type recoverRequest struct {
	Symbol        string `json:"symbol" binding:"required"`
	MaxAgeMinutes int    `json:"max_age_minutes"`
}

func (s *Server) handleRecoverSignals(c *gin.Context) {
	if s.deps.Queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "queue not available"})
		return
	}
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxAgeMinutes <= 0 {
		req.MaxAgeMinutes = 60
	}

	n, err := s.deps.Queue.RecoverFailed(c.Request.Context(), req.Symbol, time.Duration(req.MaxAgeMinutes)*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("symbol", req.Symbol).Int("recovered", n).Msg("manual signal recovery")
	c.JSON(http.StatusOK, gin.H{"recovered": n})
}

// signalSummary is the wire shape for queue listings; it carries the fields
// an operator acts on, not the full payload.
type signalSummary struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Type       string    `json:"type"`
	Side       string    `json:"side"`
	Score      float64   `json:"score"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
	FailedAt   int64     `json:"failed_at,omitempty"`
}

func summarize(signals []*signal.Signal) []signalSummary {
	out := make([]signalSummary, 0, len(signals))
	for _, sig := range signals {
		out = append(out, signalSummary{
			ID:         sig.ID,
			Symbol:     sig.Symbol,
			Type:       string(sig.Type),
			Side:       string(sig.Side),
			Score:      sig.Score,
			Priority:   sig.Priority,
			RetryCount: sig.RetryCount,
			LastError:  sig.LastError,
			QueuedAt:   sig.QueuedAt,
			FailedAt:   sig.FailedAt,
		})
	}
	return out
}
