// Package vault resolves broker credentials from HashiCorp Vault so that
// long-lived trading accounts never keep OpenAPI tokens in env files.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
)

// Credentials is the per-account secret stored under
// <mount>/data/<secret_path>/<account> (KV v2).
type Credentials struct {
	AppKey      string `json:"app_key"`
	AppSecret   string `json:"app_secret"`
	AccessToken string `json:"access_token"`
}

func (c Credentials) complete() bool {
	return c.AppKey != "" && c.AppSecret != "" && c.AccessToken != ""
}

// Client wraps the HashiCorp Vault client for credential reads.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu    sync.RWMutex
	cache map[string]Credentials // account -> credentials
}

// NewClient connects to Vault. The config must have Enabled set; callers
// skip construction entirely when credentials come from the environment.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		cfg:    cfg,
		cache:  make(map[string]Credentials),
	}, nil
}

// BrokerCredentials reads the credentials for one account. Reads are cached
// for the process lifetime; a restart picks up rotated tokens.
func (c *Client) BrokerCredentials(ctx context.Context, account string) (Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[account]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	path := c.secretPath(account)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read broker credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no broker credentials at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := Credentials{
		AppKey:      getString(data, "app_key"),
		AppSecret:   getString(data, "app_secret"),
		AccessToken: getString(data, "access_token"),
	}
	if !creds.complete() {
		return Credentials{}, fmt.Errorf("broker credentials at %s are incomplete", path)
	}

	c.mu.Lock()
	c.cache[account] = creds
	c.mu.Unlock()
	return creds, nil
}

// Health checks the Vault connection and seal state.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Resolve fills in cfg.Broker credentials from Vault when enabled and the
// environment did not already provide them. Env-provided credentials win so
// that a single account can be overridden without touching Vault.
func Resolve(ctx context.Context, cfg *config.Config) error {
	if !cfg.Vault.Enabled {
		return nil
	}
	if cfg.Broker.AppKey != "" && cfg.Broker.AppSecret != "" && cfg.Broker.AccessToken != "" {
		return nil
	}

	client, err := NewClient(cfg.Vault)
	if err != nil {
		return err
	}
	creds, err := client.BrokerCredentials(ctx, cfg.AccountID)
	if err != nil {
		return err
	}
	cfg.Broker.AppKey = creds.AppKey
	cfg.Broker.AppSecret = creds.AppSecret
	cfg.Broker.AccessToken = creds.AccessToken
	return nil
}

func (c *Client) secretPath(account string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, account)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
