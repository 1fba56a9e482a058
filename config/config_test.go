package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ACCOUNT_ID", "sub001")
	t.Setenv("BROKER_APP_KEY", "key")
	t.Setenv("BROKER_APP_SECRET", "secret")
	t.Setenv("BROKER_ACCESS_TOKEN", "token")
	t.Setenv("DATABASE_DSN", "postgres://localhost/trading")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccountID != "sub001" {
		t.Errorf("AccountID = %q, want sub001", cfg.AccountID)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.KeyPrefix != "trading:signals" {
		t.Errorf("Queue.KeyPrefix = %q", cfg.Queue.KeyPrefix)
	}
	if cfg.Generator.ScanInterval != time.Minute {
		t.Errorf("ScanInterval = %v, want 1m", cfg.Generator.ScanInterval)
	}
	if cfg.Generator.EnableWeakBuy {
		t.Error("EnableWeakBuy should default to false")
	}
	if cfg.Executor.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Executor.Workers)
	}
	if cfg.Executor.OrderTimeout != 10*time.Minute {
		t.Errorf("OrderTimeout = %v, want 10m", cfg.Executor.OrderTimeout)
	}
	if cfg.Kelly.Fraction != 0.4 || cfg.Kelly.MaxPct != 0.20 {
		t.Errorf("Kelly defaults wrong: %+v", cfg.Kelly)
	}
	if got := cfg.Vixy.PanicThreshold; got != 30.0 {
		t.Errorf("PanicThreshold = %v, want 30", got)
	}
	if len(cfg.Regime.IndexSymbols) != 3 {
		t.Errorf("IndexSymbols = %v, want 3 defaults", cfg.Regime.IndexSymbols)
	}
	if cfg.Database.MaxConns != 2 {
		t.Errorf("MaxConns = %d, want 2", cfg.Database.MaxConns)
	}
	if cfg.Notification.Cooldown != time.Hour {
		t.Errorf("Notification.Cooldown = %v, want 1h", cfg.Notification.Cooldown)
	}
}

func TestLoadAccountFlagOverridesEnv(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("sub009", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccountID != "sub009" {
		t.Errorf("AccountID = %q, want flag value sub009", cfg.AccountID)
	}
}

func TestLoadMissingAccount(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "")
	t.Setenv("BROKER_APP_KEY", "key")
	t.Setenv("BROKER_APP_SECRET", "secret")
	t.Setenv("BROKER_ACCESS_TOKEN", "token")

	_, err := Load("", "")
	if err == nil {
		t.Fatal("expected error for missing ACCOUNT_ID")
	}
	var cfgErr *Error
	if !asConfigError(err, &cfgErr) {
		t.Errorf("error type = %T, want *config.Error", err)
	}
}

func TestLoadMissingCredentialsWithoutVault(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "sub001")
	t.Setenv("BROKER_APP_KEY", "")
	t.Setenv("BROKER_APP_SECRET", "")
	t.Setenv("BROKER_ACCESS_TOKEN", "")
	t.Setenv("VAULT_ENABLED", "false")

	if _, err := Load("", ""); err == nil {
		t.Fatal("expected error for missing broker credentials")
	}

	// With Vault enabled the credentials may be resolved later.
	t.Setenv("VAULT_ENABLED", "true")
	t.Setenv("VAULT_TOKEN", "root")
	t.Setenv("DATABASE_DSN", "postgres://localhost/trading")
	if _, err := Load("", ""); err != nil {
		t.Fatalf("Load with vault: %v", err)
	}
}

func TestEnvFileUnknownKeyRejected(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "acct.env")
	if err := os.WriteFile(path, []byte("SIGNAL_MAX_RETRIES=5\nTOTALLY_UNKNOWN=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load("", path)
	if err == nil {
		t.Fatal("expected unknown-key error")
	}
	var cfgErr *Error
	if !asConfigError(err, &cfgErr) {
		t.Errorf("error type = %T, want *config.Error", err)
	}
}

func TestEnvFileDoesNotClobberEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNAL_MAX_RETRIES", "7")

	path := filepath.Join(t.TempDir(), "acct.env")
	if err := os.WriteFile(path, []byte("SIGNAL_MAX_RETRIES=2\nSCAN_INTERVAL=90s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxRetries != 7 {
		t.Errorf("env file clobbered process env: MaxRetries = %d, want 7", cfg.Queue.MaxRetries)
	}
	if cfg.Generator.ScanInterval != 90*time.Second {
		t.Errorf("ScanInterval = %v, want 90s from env file", cfg.Generator.ScanInterval)
	}
}

func TestValidateBounds(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("ORDER_EXECUTOR_WORKERS", "5")
	if _, err := Load("", ""); err == nil {
		t.Error("expected error for workers out of range")
	}
	t.Setenv("ORDER_EXECUTOR_WORKERS", "2")

	t.Setenv("KELLY_MAX_POSITION", "0.5")
	if _, err := Load("", ""); err == nil {
		t.Error("expected error for kelly max position above hard cap")
	}
	t.Setenv("KELLY_MAX_POSITION", "0.2")

	t.Setenv("OPS_PORT", "8080")
	if _, err := Load("", ""); err == nil {
		t.Error("expected error for ops port without JWT secret")
	}
	t.Setenv("OPS_JWT_SECRET", "s3cret")
	if _, err := Load("", ""); err != nil {
		t.Errorf("Load with ops secret: %v", err)
	}
}

func TestParseSessionWindow(t *testing.T) {
	start, end, err := ParseSessionWindow("15:30-16:00")
	if err != nil {
		t.Fatalf("ParseSessionWindow: %v", err)
	}
	if start != 15*60+30 || end != 16*60 {
		t.Errorf("got %d-%d", start, end)
	}
	if _, _, err := ParseSessionWindow("3pm to 4pm"); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadWatchlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	body := `symbols:
  - symbol: 700.HK
    name: Tencent
    lot_size: 100
  - symbol: AAPL.US
  - symbol: NVDA.US
    disabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	wl, err := LoadWatchlist(path)
	if err != nil {
		t.Fatalf("LoadWatchlist: %v", err)
	}
	active := wl.Active()
	if len(active) != 2 || active[0] != "700.HK" || active[1] != "AAPL.US" {
		t.Errorf("Active() = %v", active)
	}
	if wl.LotHint("700.HK") != 100 {
		t.Errorf("LotHint(700.HK) = %d, want 100", wl.LotHint("700.HK"))
	}
	if wl.LotHint("AAPL.US") != 0 {
		t.Errorf("LotHint(AAPL.US) = %d, want 0", wl.LotHint("AAPL.US"))
	}
}

func TestLoadWatchlistDuplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	body := "symbols:\n  - symbol: 700.HK\n  - symbol: 700.HK\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWatchlist(path); err == nil {
		t.Fatal("expected duplicate-symbol error")
	}
}

func asConfigError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}
