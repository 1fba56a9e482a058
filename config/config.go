// Package config loads the typed configuration for both trading services.
// Every option is an environment variable; per-account override files are
// plain .env files applied before resolution. Unknown keys in an override
// file are rejected at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Error marks a fatal configuration problem. Mains exit with status 2 when
// Load or Validate returns one.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Errorf builds a configuration error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

type Config struct {
	AccountID string `json:"account_id"`

	Broker       BrokerConfig       `json:"broker"`
	Redis        RedisConfig        `json:"redis"`
	Database     DatabaseConfig     `json:"database"`
	Queue        QueueConfig        `json:"queue"`
	Generator    GeneratorConfig    `json:"generator"`
	Executor     ExecutorConfig     `json:"executor"`
	Kelly        KellyConfig        `json:"kelly"`
	Regime       RegimeConfig       `json:"regime"`
	Vixy         VixyConfig         `json:"vixy"`
	GradualExit  GradualExitConfig  `json:"gradual_exit"`
	AddPosition  AddPositionConfig  `json:"add_position"`
	Rotation     RotationConfig     `json:"rotation"`
	Notification NotificationConfig `json:"notification"`
	Vault        VaultConfig        `json:"vault"`
	Ops          OpsConfig          `json:"ops"`
	Logging      LoggingConfig      `json:"logging"`
}

// BrokerConfig holds OpenAPI gateway settings. Credentials may instead be
// resolved from Vault at startup (see VaultConfig).
type BrokerConfig struct {
	BaseURL     string        `json:"base_url"`
	QuoteWSURL  string        `json:"quote_ws_url"`
	AppKey      string        `json:"app_key"`
	AppSecret   string        `json:"app_secret"`
	AccessToken string        `json:"access_token"`
	Timeout     time.Duration `json:"timeout"`
	QuoteRPS    float64       `json:"quote_rps"`
	TradeRPS    float64       `json:"trade_rps"`
}

type RedisConfig struct {
	URL      string `json:"url"` // redis://[user:pass@]host:port/db
	PoolSize int    `json:"pool_size"`
}

type DatabaseConfig struct {
	DSN     string `json:"dsn"`
	Enabled bool   `json:"enabled"` // USE_DB_KLINES gates the kline cache, not the whole DB
	// Small pool on purpose: two long-running services per account share
	// one postgres instance across many accounts.
	MaxConns        int           `json:"max_conns"`
	ConnIdleTime    time.Duration `json:"conn_idle_time"`
	MigrateOnStart  bool          `json:"migrate_on_start"`
	KlineHistoryDay int           `json:"kline_history_days"`
	KlineLatestDays int           `json:"kline_latest_days"`
}

type QueueConfig struct {
	KeyPrefix  string `json:"key_prefix"`
	MaxRetries int    `json:"max_retries"`
	MaxSize    int64  `json:"max_size"`
}

type GeneratorConfig struct {
	WatchlistFile      string        `json:"watchlist_file"`
	ScanInterval       time.Duration `json:"scan_interval"`
	RotationInterval   time.Duration `json:"rotation_interval"`
	SignalCooldown     time.Duration `json:"signal_cooldown"`
	EnableWeakBuy      bool          `json:"enable_weak_buy"`
	PerSymbolDailyBuys int           `json:"per_symbol_daily_buys"`
	BackfillOnStart    bool          `json:"backfill_on_start"`
	RealtimeExitEvery  time.Duration `json:"realtime_exit_every"` // min spacing between push-driven exit evals
}

type ExecutorConfig struct {
	Workers         int           `json:"workers"`
	SignalTimeout   time.Duration `json:"signal_timeout"`
	AccountCacheTTL time.Duration `json:"account_cache_ttl"`
	FundsRetryDelay time.Duration `json:"funds_retry_delay"`
	FundsRetryMax   int           `json:"funds_retry_max"`
	OrderTimeout    time.Duration `json:"order_timeout"` // cancel unfilled limit orders after this
	SlippagePct     float64       `json:"slippage_pct"`
	DryRun          bool          `json:"dry_run"`
	MinWeakBuyScore float64       `json:"min_weak_buy_score"`
}

type KellyConfig struct {
	Enabled    bool    `json:"enabled"`
	Fraction   float64 `json:"fraction"`
	MaxPct     float64 `json:"max_pct"`
	MinWinRate float64 `json:"min_win_rate"`
	MinTrades  int     `json:"min_trades"`
	WindowDays int     `json:"window_days"`
}

type RegimeConfig struct {
	IndexSymbols   []string      `json:"index_symbols"`
	InverseSymbols []string      `json:"inverse_symbols"`
	CacheTTL       time.Duration `json:"cache_ttl"`
}

type VixyConfig struct {
	Symbol         string  `json:"symbol"`
	PanicThreshold float64 `json:"panic_threshold"`
	AlertEnabled   bool    `json:"alert_enabled"`
}

type GradualExitConfig struct {
	Enabled            bool          `json:"enabled"`
	Threshold25        float64       `json:"threshold_25"`
	Threshold50        float64       `json:"threshold_50"`
	ObservationWindow  time.Duration `json:"observation_window"`
	RemainderThreshold float64       `json:"remainder_threshold"`
}

type AddPositionConfig struct {
	Enabled         bool          `json:"enabled"`
	MinProfitPct    float64       `json:"min_profit_pct"`
	MinSignalScore  float64       `json:"min_signal_score"`
	AddPct          float64       `json:"add_pct"`
	Cooldown        time.Duration `json:"cooldown"`
	MaxAddsPerDay   int           `json:"max_adds_per_day"`
	MaxExitScore    float64       `json:"max_exit_score"`
}

type RotationConfig struct {
	MinSignalScore float64       `json:"min_signal_score"`
	MinScoreGap    float64       `json:"min_score_gap"`
	StuckBuyMaxAge time.Duration `json:"stuck_buy_max_age"`
	PreCloseHK     string        `json:"pre_close_hk"` // "15:30-16:00" Beijing
	PreCloseUS     string        `json:"pre_close_us"` // "22:00-23:59" Beijing
	MaxSellsPerRun int           `json:"max_sells_per_run"`
}

type NotificationConfig struct {
	Enabled    bool          `json:"enabled"`
	WebhookURL string        `json:"webhook_url"`
	Cooldown   time.Duration `json:"cooldown"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type OpsConfig struct {
	Port      int    `json:"port"` // 0 disables the ops API
	JWTSecret string `json:"jwt_secret"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// Load resolves the configuration: defaults, then the optional per-account
// .env override file, then process environment (highest precedence). The
// accountID argument, when non-empty, overrides ACCOUNT_ID.
func Load(accountID, envFile string) (*Config, error) {
	if envFile != "" {
		if err := applyEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	applyEnv(cfg)

	if accountID != "" {
		cfg.AccountID = accountID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvFile loads a .env override file without clobbering real environment
// variables, rejecting any key this program does not know.
func applyEnvFile(path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		return Errorf("failed to read env file %s: %v", path, err)
	}
	for key, val := range vals {
		if !knownKeys[key] {
			return Errorf("unknown config key %q in %s", key, path)
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.AccountID = getEnvOrDefault("ACCOUNT_ID", "")

	cfg.Broker.BaseURL = getEnvOrDefault("BROKER_BASE_URL", "https://openapi.longportapp.com")
	cfg.Broker.QuoteWSURL = getEnvOrDefault("BROKER_QUOTE_WS_URL", "wss://openapi-quote.longportapp.com/v2")
	cfg.Broker.AppKey = getEnvOrDefault("BROKER_APP_KEY", "")
	cfg.Broker.AppSecret = getEnvOrDefault("BROKER_APP_SECRET", "")
	cfg.Broker.AccessToken = getEnvOrDefault("BROKER_ACCESS_TOKEN", "")
	cfg.Broker.Timeout = getEnvDurationOrDefault("BROKER_TIMEOUT", 10*time.Second)
	cfg.Broker.QuoteRPS = getEnvFloatOrDefault("BROKER_QUOTE_RPS", 8)
	cfg.Broker.TradeRPS = getEnvFloatOrDefault("BROKER_TRADE_RPS", 5)

	cfg.Redis.URL = getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0")
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.Database.DSN = getEnvOrDefault("DATABASE_DSN", "")
	cfg.Database.Enabled = getEnvBoolOrDefault("USE_DB_KLINES", true)
	cfg.Database.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", 2)
	cfg.Database.ConnIdleTime = getEnvDurationOrDefault("DB_CONN_IDLE_TIME", 30*time.Second)
	cfg.Database.MigrateOnStart = getEnvBoolOrDefault("DB_MIGRATE_ON_START", true)
	cfg.Database.KlineHistoryDay = getEnvIntOrDefault("DB_KLINES_HISTORY_DAYS", 90)
	cfg.Database.KlineLatestDays = getEnvIntOrDefault("API_KLINES_LATEST_DAYS", 3)

	cfg.Queue.KeyPrefix = getEnvOrDefault("SIGNAL_QUEUE_KEY", "trading:signals")
	cfg.Queue.MaxRetries = getEnvIntOrDefault("SIGNAL_MAX_RETRIES", 3)
	cfg.Queue.MaxSize = int64(getEnvIntOrDefault("SIGNAL_QUEUE_MAX_SIZE", 1000))

	cfg.Generator.WatchlistFile = getEnvOrDefault("WATCHLIST_FILE", "watchlist.yaml")
	cfg.Generator.ScanInterval = getEnvDurationOrDefault("SCAN_INTERVAL", time.Minute)
	cfg.Generator.RotationInterval = getEnvDurationOrDefault("ROTATION_INTERVAL", 30*time.Second)
	cfg.Generator.SignalCooldown = getEnvDurationOrDefault("SIGNAL_COOLDOWN", 300*time.Second)
	cfg.Generator.EnableWeakBuy = getEnvBoolOrDefault("ENABLE_WEAK_BUY", false)
	cfg.Generator.PerSymbolDailyBuys = getEnvIntOrDefault("PER_SYMBOL_DAILY_MAX_BUYS", 1)
	cfg.Generator.BackfillOnStart = getEnvBoolOrDefault("KLINE_BACKFILL_ON_START", true)
	cfg.Generator.RealtimeExitEvery = getEnvDurationOrDefault("REALTIME_EXIT_EVERY", 60*time.Second)

	cfg.Executor.Workers = getEnvIntOrDefault("ORDER_EXECUTOR_WORKERS", 1)
	cfg.Executor.SignalTimeout = getEnvDurationOrDefault("SIGNAL_TIMEOUT", 60*time.Second)
	cfg.Executor.AccountCacheTTL = getEnvDurationOrDefault("ACCOUNT_CACHE_TTL", 30*time.Second)
	cfg.Executor.FundsRetryDelay = getEnvDurationOrDefault("FUNDS_RETRY_DELAY", time.Minute)
	cfg.Executor.FundsRetryMax = getEnvIntOrDefault("FUNDS_RETRY_MAX", 5)
	cfg.Executor.OrderTimeout = time.Duration(getEnvIntOrDefault("ORDER_TIMEOUT_MINUTES", 10)) * time.Minute
	cfg.Executor.SlippagePct = getEnvFloatOrDefault("ORDER_SLIPPAGE_PCT", 0.001)
	cfg.Executor.DryRun = getEnvBoolOrDefault("DRY_RUN", false)
	cfg.Executor.MinWeakBuyScore = getEnvFloatOrDefault("MIN_WEAK_BUY_SCORE", 35)

	cfg.Kelly.Enabled = getEnvBoolOrDefault("KELLY_ENABLED", true)
	cfg.Kelly.Fraction = getEnvFloatOrDefault("KELLY_FRACTION", 0.4)
	cfg.Kelly.MaxPct = getEnvFloatOrDefault("KELLY_MAX_POSITION", 0.20)
	cfg.Kelly.MinWinRate = getEnvFloatOrDefault("KELLY_MIN_WIN_RATE", 0.60)
	cfg.Kelly.MinTrades = getEnvIntOrDefault("KELLY_MIN_TRADES", 15)
	cfg.Kelly.WindowDays = getEnvIntOrDefault("KELLY_WINDOW_DAYS", 30)

	cfg.Regime.IndexSymbols = splitSymbols(getEnvOrDefault("REGIME_INDEX_SYMBOLS", "HSI.HK,QQQ.US,SPY.US"))
	cfg.Regime.InverseSymbols = splitSymbols(getEnvOrDefault("REGIME_INVERSE_SYMBOLS", ""))
	cfg.Regime.CacheTTL = getEnvDurationOrDefault("REGIME_CACHE_TTL", 10*time.Minute)

	cfg.Vixy.Symbol = getEnvOrDefault("VIXY_SYMBOL", "VIXY.US")
	cfg.Vixy.PanicThreshold = getEnvFloatOrDefault("VIXY_PANIC_THRESHOLD", 30.0)
	cfg.Vixy.AlertEnabled = getEnvBoolOrDefault("VIXY_ALERT_ENABLED", true)

	cfg.GradualExit.Enabled = getEnvBoolOrDefault("GRADUAL_EXIT_ENABLED", true)
	cfg.GradualExit.Threshold25 = getEnvFloatOrDefault("GRADUAL_EXIT_THRESHOLD_25", 40)
	cfg.GradualExit.Threshold50 = getEnvFloatOrDefault("GRADUAL_EXIT_THRESHOLD_50", 50)
	cfg.GradualExit.ObservationWindow = time.Duration(getEnvIntOrDefault("PARTIAL_EXIT_OBSERVATION_MINUTES", 5)) * time.Minute
	cfg.GradualExit.RemainderThreshold = getEnvFloatOrDefault("GRADUAL_EXIT_REMAINDER_THRESHOLD", 60)

	cfg.AddPosition.Enabled = getEnvBoolOrDefault("ADD_POSITION_ENABLED", true)
	cfg.AddPosition.MinProfitPct = getEnvFloatOrDefault("ADD_POSITION_MIN_PROFIT_PCT", 2.0)
	cfg.AddPosition.MinSignalScore = getEnvFloatOrDefault("ADD_POSITION_MIN_SIGNAL_SCORE", 60)
	cfg.AddPosition.AddPct = getEnvFloatOrDefault("ADD_POSITION_PCT", 0.15)
	cfg.AddPosition.Cooldown = time.Duration(getEnvIntOrDefault("ADD_POSITION_COOLDOWN_MINUTES", 60)) * time.Minute
	cfg.AddPosition.MaxAddsPerDay = getEnvIntOrDefault("ADD_POSITION_MAX_PER_DAY", 2)
	cfg.AddPosition.MaxExitScore = getEnvFloatOrDefault("ADD_POSITION_MAX_EXIT_SCORE", -30)

	cfg.Rotation.MinSignalScore = getEnvFloatOrDefault("REALTIME_ROTATION_MIN_SIGNAL_SCORE", 60)
	cfg.Rotation.MinScoreGap = getEnvFloatOrDefault("ROTATION_MIN_SCORE_GAP", 10)
	cfg.Rotation.StuckBuyMaxAge = getEnvDurationOrDefault("ROTATION_STUCK_BUY_MAX_AGE", 5*time.Minute)
	cfg.Rotation.PreCloseHK = getEnvOrDefault("ROTATION_PRE_CLOSE_HK", "15:30-16:00")
	cfg.Rotation.PreCloseUS = getEnvOrDefault("ROTATION_PRE_CLOSE_US", "22:00-23:59")
	cfg.Rotation.MaxSellsPerRun = getEnvIntOrDefault("ROTATION_MAX_SELLS_PER_RUN", 2)

	cfg.Notification.WebhookURL = getEnvOrDefault("NOTIFY_WEBHOOK_URL", "")
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFY_ENABLED", cfg.Notification.WebhookURL != "")
	cfg.Notification.Cooldown = time.Duration(getEnvIntOrDefault("SLACK_COOLDOWN_SECONDS", 3600)) * time.Second

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading/broker")

	cfg.Ops.Port = getEnvIntOrDefault("OPS_PORT", 0)
	cfg.Ops.JWTSecret = getEnvOrDefault("OPS_JWT_SECRET", "")

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", true)
}

// Validate checks the resolved configuration for fatal problems.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return Errorf("ACCOUNT_ID is required")
	}
	if !c.Vault.Enabled {
		if c.Broker.AppKey == "" || c.Broker.AppSecret == "" || c.Broker.AccessToken == "" {
			return Errorf("broker credentials missing: set BROKER_APP_KEY, BROKER_APP_SECRET, BROKER_ACCESS_TOKEN or enable Vault")
		}
	} else if c.Vault.Token == "" {
		return Errorf("VAULT_TOKEN is required when VAULT_ENABLED=true")
	}
	if c.Redis.URL == "" {
		return Errorf("REDIS_URL is required")
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return Errorf("DATABASE_DSN is required (or disable the kline cache with USE_DB_KLINES=false)")
	}
	if c.Executor.Workers < 1 || c.Executor.Workers > 3 {
		return Errorf("ORDER_EXECUTOR_WORKERS must be 1-3, got %d", c.Executor.Workers)
	}
	if c.Kelly.Fraction <= 0 || c.Kelly.Fraction > 1 {
		return Errorf("KELLY_FRACTION must be in (0, 1], got %v", c.Kelly.Fraction)
	}
	if c.Kelly.MaxPct <= 0 || c.Kelly.MaxPct > 0.25 {
		return Errorf("KELLY_MAX_POSITION must be in (0, 0.25], got %v", c.Kelly.MaxPct)
	}
	if len(c.Regime.IndexSymbols) == 0 {
		return Errorf("REGIME_INDEX_SYMBOLS must list at least one index")
	}
	if c.Ops.Port != 0 && c.Ops.JWTSecret == "" {
		return Errorf("OPS_JWT_SECRET is required when the ops API is enabled")
	}
	if _, _, err := ParseSessionWindow(c.Rotation.PreCloseHK); err != nil {
		return Errorf("ROTATION_PRE_CLOSE_HK: %v", err)
	}
	if _, _, err := ParseSessionWindow(c.Rotation.PreCloseUS); err != nil {
		return Errorf("ROTATION_PRE_CLOSE_US: %v", err)
	}
	return nil
}

// ParseSessionWindow parses "HH:MM-HH:MM" into minutes since midnight.
func ParseSessionWindow(s string) (startMin, endMin int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM, got %q", s)
	}
	startMin, err = parseHHMM(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endMin, err = parseHHMM(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.TrimSpace(part); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// knownKeys enumerates every option a per-account override file may set.
var knownKeys = map[string]bool{
	"ACCOUNT_ID":                        true,
	"BROKER_BASE_URL":                   true,
	"BROKER_QUOTE_WS_URL":               true,
	"BROKER_APP_KEY":                    true,
	"BROKER_APP_SECRET":                 true,
	"BROKER_ACCESS_TOKEN":               true,
	"BROKER_TIMEOUT":                    true,
	"BROKER_QUOTE_RPS":                  true,
	"BROKER_TRADE_RPS":                  true,
	"REDIS_URL":                         true,
	"REDIS_POOL_SIZE":                   true,
	"DATABASE_DSN":                      true,
	"USE_DB_KLINES":                     true,
	"DB_MAX_CONNS":                      true,
	"DB_CONN_IDLE_TIME":                 true,
	"DB_MIGRATE_ON_START":               true,
	"DB_KLINES_HISTORY_DAYS":            true,
	"API_KLINES_LATEST_DAYS":            true,
	"SIGNAL_QUEUE_KEY":                  true,
	"SIGNAL_MAX_RETRIES":                true,
	"SIGNAL_QUEUE_MAX_SIZE":             true,
	"WATCHLIST_FILE":                    true,
	"SCAN_INTERVAL":                     true,
	"ROTATION_INTERVAL":                 true,
	"SIGNAL_COOLDOWN":                   true,
	"ENABLE_WEAK_BUY":                   true,
	"PER_SYMBOL_DAILY_MAX_BUYS":         true,
	"KLINE_BACKFILL_ON_START":           true,
	"REALTIME_EXIT_EVERY":               true,
	"ORDER_EXECUTOR_WORKERS":            true,
	"SIGNAL_TIMEOUT":                    true,
	"ACCOUNT_CACHE_TTL":                 true,
	"FUNDS_RETRY_DELAY":                 true,
	"FUNDS_RETRY_MAX":                   true,
	"ORDER_TIMEOUT_MINUTES":             true,
	"ORDER_SLIPPAGE_PCT":                true,
	"DRY_RUN":                           true,
	"MIN_WEAK_BUY_SCORE":                true,
	"KELLY_ENABLED":                     true,
	"KELLY_FRACTION":                    true,
	"KELLY_MAX_POSITION":                true,
	"KELLY_MIN_WIN_RATE":                true,
	"KELLY_MIN_TRADES":                  true,
	"KELLY_WINDOW_DAYS":                 true,
	"REGIME_INDEX_SYMBOLS":              true,
	"REGIME_INVERSE_SYMBOLS":            true,
	"REGIME_CACHE_TTL":                  true,
	"VIXY_SYMBOL":                       true,
	"VIXY_PANIC_THRESHOLD":              true,
	"VIXY_ALERT_ENABLED":                true,
	"GRADUAL_EXIT_ENABLED":              true,
	"GRADUAL_EXIT_THRESHOLD_25":         true,
	"GRADUAL_EXIT_THRESHOLD_50":         true,
	"PARTIAL_EXIT_OBSERVATION_MINUTES":  true,
	"GRADUAL_EXIT_REMAINDER_THRESHOLD":  true,
	"ADD_POSITION_ENABLED":              true,
	"ADD_POSITION_MIN_PROFIT_PCT":       true,
	"ADD_POSITION_MIN_SIGNAL_SCORE":     true,
	"ADD_POSITION_PCT":                  true,
	"ADD_POSITION_COOLDOWN_MINUTES":     true,
	"ADD_POSITION_MAX_PER_DAY":          true,
	"ADD_POSITION_MAX_EXIT_SCORE":       true,
	"REALTIME_ROTATION_MIN_SIGNAL_SCORE": true,
	"ROTATION_MIN_SCORE_GAP":            true,
	"ROTATION_STUCK_BUY_MAX_AGE":        true,
	"ROTATION_PRE_CLOSE_HK":             true,
	"ROTATION_PRE_CLOSE_US":             true,
	"ROTATION_MAX_SELLS_PER_RUN":        true,
	"NOTIFY_WEBHOOK_URL":                true,
	"NOTIFY_ENABLED":                    true,
	"SLACK_COOLDOWN_SECONDS":            true,
	"VAULT_ENABLED":                     true,
	"VAULT_ADDR":                        true,
	"VAULT_TOKEN":                       true,
	"VAULT_MOUNT_PATH":                  true,
	"VAULT_SECRET_PATH":                 true,
	"OPS_PORT":                          true,
	"OPS_JWT_SECRET":                    true,
	"LOG_LEVEL":                         true,
	"LOG_OUTPUT":                        true,
	"LOG_JSON":                          true,
}
