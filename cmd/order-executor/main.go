// Command order-executor runs the trading side of the platform for a single
// account: it drains the account's Redis signal queue, sizes each BUY against
// the budget ladder, places limit orders through the broker gateway and keeps
// the stop bookkeeping current.
//
// Exit codes: 0 clean shutdown, 1 fatal runtime error, 2 configuration error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/executor"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/logging"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/notification"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/ops"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/vault"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2

	startupTimeout  = time.Minute
	shutdownTimeout = 10 * time.Second
)

// regimeLoaderConfig gives the regime classifier a window deep enough for
// 200-bar averages. The signal generator owns syncing that depth into the
// shared kline cache; until it has, the classifier degrades to RANGE.
var regimeLoaderConfig = market.LoaderConfig{
	HistoryDays: 365,
	LatestDays:  3,
	SyncDays:    300,
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		accountID = flag.String("account-id", "", "trading account to run (overrides ACCOUNT_ID)")
		envFile   = flag.String("env-file", "", "per-account .env override file")
	)
	flag.Parse()

	cfg, err := config.Load(*accountID, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "order-executor: %v\n", err)
		return exitCode(err)
	}

	logger, err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "order-executor: %v\n", err)
		return exitConfig
	}
	logger.Info().
		Str("account", cfg.AccountID).
		Bool("dry_run", cfg.Executor.DryRun).
		Msg("order executor starting")

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	if err := vault.Resolve(startCtx, cfg); err != nil {
		logger.Error().Err(err).Msg("vault credential resolution failed")
		return exitFatal
	}

	client := broker.NewClient(brokerConfig(cfg), logger)
	if _, err := client.AccountBalances(startCtx); err != nil {
		logger.Error().Err(err).Msg("broker connectivity check failed")
		return exitFatal
	}

	rdb, err := database.NewRedisClient(startCtx, cfg.Redis.URL, cfg.Redis.PoolSize)
	if err != nil {
		logger.Error().Err(err).Msg("redis connection failed")
		return exitFatal
	}
	defer rdb.Close()

	if cfg.Database.DSN == "" {
		logger.Error().Msg("DATABASE_DSN is required: order records, stops and signal history live in postgres")
		return exitConfig
	}
	db, err := database.New(startCtx, database.Config{
		DSN:          cfg.Database.DSN,
		MaxConns:     int32(cfg.Database.MaxConns),
		ConnIdleTime: cfg.Database.ConnIdleTime,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return exitFatal
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(startCtx); err != nil {
			logger.Error().Err(err).Msg("database migration failed")
			return exitFatal
		}
	}
	repo := database.NewRepository(db)

	sigQueue := queue.New(queue.NewRedisStore(rdb), cfg.AccountID, queue.Config{
		KeyPrefix:  cfg.Queue.KeyPrefix,
		MaxRetries: cfg.Queue.MaxRetries,
		MaxSize:    cfg.Queue.MaxSize,
	}, logger)

	preCloseHK, err := sessionWindow(cfg.Rotation.PreCloseHK)
	if err != nil {
		logger.Error().Err(err).Msg("bad pre-close window")
		return exitConfig
	}
	preCloseUS, err := sessionWindow(cfg.Rotation.PreCloseUS)
	if err != nil {
		logger.Error().Err(err).Msg("bad pre-close window")
		return exitConfig
	}
	hours := market.NewHours(repo, preCloseHK, preCloseUS)

	var klineStore market.KlineStore
	if cfg.Database.Enabled {
		klineStore = repo
	}
	loaderCfg := market.DefaultLoaderConfig()
	loaderCfg.HistoryDays = cfg.Database.KlineHistoryDay
	loaderCfg.LatestDays = cfg.Database.KlineLatestDays
	loader := market.NewLoader(client, klineStore, loaderCfg, logger)

	regimeLoader := market.NewLoader(client, klineStore, regimeLoaderConfig, logger)
	regime := strategy.NewRegimeClassifier(regimeLoader, hours, strategy.RegimeConfig{
		IndexSymbols:   cfg.Regime.IndexSymbols,
		InverseSymbols: symbolSet(cfg.Regime.InverseSymbols),
		CacheTTL:       cfg.Regime.CacheTTL,
	}, logger)

	notifier := buildNotifier(cfg, logger)
	cache := executor.NewAccountCache(client, cfg.Executor.AccountCacheTTL, logger)
	sizer := risk.NewSizer(cfg.AccountID, cfg.Kelly, repo, logger)

	// Dry runs place no orders, so there is nothing to track or cancel.
	var orderStore executor.OrderStore
	if !cfg.Executor.DryRun {
		orderStore = executor.NewRedisOrderStore(rdb)
	}
	pending := executor.NewPendingOrderMonitor(orderStore, client, repo, cfg.AccountID, cfg.Executor.OrderTimeout, logger)

	// The generator owns the VIXY subscription; this process reads the
	// shared snapshot and fails open when Redis is unreachable.
	panicGate := func(ctx context.Context) bool {
		inPanic, err := risk.ReadPanicSnapshot(ctx, rdb)
		if err != nil {
			logger.Warn().Err(err).Msg("panic snapshot read failed")
			return false
		}
		return inPanic
	}

	svc := executor.NewService(cfg.AccountID, cfg.Executor, executor.Deps{
		API:      client,
		Queue:    sigQueue,
		Store:    repo,
		Cache:    cache,
		Sizer:    sizer,
		Regime:   regime,
		Daily:    loader,
		Pending:  pending,
		Notifier: notifier,
		Panic:    panicGate,
	}, logger)

	opsSrv := ops.NewServer("order-executor", cfg.AccountID, ops.Config{
		Port:      cfg.Ops.Port,
		JWTSecret: cfg.Ops.JWTSecret,
	}, ops.Deps{
		Status:    svc.Status,
		Queue:     sigQueue,
		Positions: client,
	}, logger)
	opsSrv.Start()

	if err := svc.Start(startCtx); err != nil {
		logger.Error().Err(err).Msg("order executor failed to start")
		return exitFatal
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	svc.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops API shutdown failed")
	}

	logger.Info().Msg("order executor stopped")
	return exitOK
}

func brokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		BaseURL:     cfg.Broker.BaseURL,
		QuoteWSURL:  cfg.Broker.QuoteWSURL,
		AppKey:      cfg.Broker.AppKey,
		AppSecret:   cfg.Broker.AppSecret,
		AccessToken: cfg.Broker.AccessToken,
		Timeout:     cfg.Broker.Timeout,
		QuoteRPS:    cfg.Broker.QuoteRPS,
		TradeRPS:    cfg.Broker.TradeRPS,
	}
}

func buildNotifier(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	if !cfg.Notification.Enabled || cfg.Notification.WebhookURL == "" {
		return nil
	}
	manager := notification.NewManager(cfg.AccountID, cfg.Notification.Cooldown, logger)
	manager.AddNotifier(notification.NewWebhookNotifier(cfg.Notification.WebhookURL, 10*time.Second))
	return manager
}

func sessionWindow(s string) (market.Window, error) {
	start, end, err := config.ParseSessionWindow(s)
	if err != nil {
		return market.Window{}, err
	}
	return market.Window{Start: start, End: end}, nil
}

func symbolSet(symbols []string) map[string]bool {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[s] = true
	}
	return out
}

// exitCode maps configuration errors to their dedicated exit status so
// supervisors can tell a bad deploy from a runtime failure.
func exitCode(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFatal
}
