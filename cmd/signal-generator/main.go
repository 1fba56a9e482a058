// Command signal-generator runs the scan side of the trading platform for a
// single account: it watches the configured symbols and held positions,
// scores them, and publishes trade signals onto the account's Redis queue
// for the order executor to drain.
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
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/generator"
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

// indexLoaderConfig gives the regime and MA200 sources a window deep enough
// for 200-bar averages; the scan loader keeps the much smaller default.
var indexLoaderConfig = market.LoaderConfig{
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
		fmt.Fprintf(os.Stderr, "signal-generator: %v\n", err)
		return exitCode(err)
	}

	logger, err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "signal-generator: %v\n", err)
		return exitConfig
	}
	logger.Info().Str("account", cfg.AccountID).Msg("signal generator starting")

	watchlist, err := config.LoadWatchlist(cfg.Generator.WatchlistFile)
	if err != nil {
		logger.Error().Err(err).Msg("watchlist load failed")
		return exitCode(err)
	}
	if len(watchlist.Active()) == 0 {
		logger.Error().Str("file", cfg.Generator.WatchlistFile).Msg("watchlist has no active symbols")
		return exitConfig
	}

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
		logger.Error().Msg("DATABASE_DSN is required: signal history, stops and the daily-buy cohort live in postgres")
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

	// The kline cache is optional; without it both loaders fall back to
	// API-only reads on every iteration.
	var klineStore market.KlineStore
	if cfg.Database.Enabled {
		klineStore = repo
	}
	loaderCfg := market.DefaultLoaderConfig()
	loaderCfg.HistoryDays = cfg.Database.KlineHistoryDay
	loaderCfg.LatestDays = cfg.Database.KlineLatestDays
	loader := market.NewLoader(client, klineStore, loaderCfg, logger)

	indexLoader := market.NewLoader(client, klineStore, indexLoaderConfig, logger)
	indexHistory := generator.NewIndexHistory(indexLoader, logger)

	regime := strategy.NewRegimeClassifier(indexHistory, hours, strategy.RegimeConfig{
		IndexSymbols:   cfg.Regime.IndexSymbols,
		InverseSymbols: symbolSet(cfg.Regime.InverseSymbols),
		CacheTTL:       cfg.Regime.CacheTTL,
	}, logger)

	notifier := buildNotifier(cfg, logger)
	var alerter risk.PanicAlerter
	if notifier != nil {
		alerter = notifier
	}
	vixy := risk.NewVixyMonitor(cfg.Vixy, rdb, indexHistory, alerter, logger)

	stream := broker.NewQuoteStream(brokerConfig(cfg), logger)
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	go func() {
		if err := stream.Run(streamCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("quote stream terminated")
		}
	}()

	svc := generator.NewService(cfg.AccountID, cfg, generator.Deps{
		API:       client,
		Queue:     sigQueue,
		Store:     repo,
		Klines:    loader,
		Hours:     hours,
		Watchlist: watchlist,
		Regime:    regime,
		Vixy:      vixy,
		Feed:      stream,
		State:     generator.NewRedisKV(rdb),
		Notifier:  notifier,
	}, logger)

	opsSrv := ops.NewServer("signal-generator", cfg.AccountID, ops.Config{
		Port:      cfg.Ops.Port,
		JWTSecret: cfg.Ops.JWTSecret,
	}, ops.Deps{
		Status:    svc.Status,
		Queue:     sigQueue,
		Positions: client,
	}, logger)
	opsSrv.Start()

	if err := svc.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("signal generator failed to start")
		return exitFatal
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	svc.Stop()
	stopStream()
	stream.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops API shutdown failed")
	}

	logger.Info().Msg("signal generator stopped")
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
