package core

import (
	"fmt"
	"strings"
	"time"
)

type WebhookConfig struct {
	ClaimLease        time.Duration `koanf:"claim_lease" mapstructure:"claim_lease"`
	MaxAttempts       int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	RateLimit         int           `koanf:"rate_limit" mapstructure:"rate_limit"`
	RateWindow        time.Duration `koanf:"rate_window" mapstructure:"rate_window"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay" mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay" mapstructure:"retry_max_delay"`
}

type AttemptConfig struct {
	RemoteTimeout time.Duration `koanf:"remote_timeout" mapstructure:"remote_timeout"`
	CreatingLease time.Duration `koanf:"creating_lease" mapstructure:"creating_lease"`
}

type JanitorConfig struct {
	StaleOrderAfter    time.Duration `koanf:"stale_order_after" mapstructure:"stale_order_after"`
	SweepClaimTTL      time.Duration `koanf:"sweep_claim_ttl" mapstructure:"sweep_claim_ttl"`
	StuckEventAfter    time.Duration `koanf:"stuck_event_after" mapstructure:"stuck_event_after"`
	RateLimitRetention time.Duration `koanf:"rate_limit_retention" mapstructure:"rate_limit_retention"`
	DefaultLimit       int           `koanf:"default_limit" mapstructure:"default_limit"`
}

type MonobankConfig struct {
	Token           string        `koanf:"token" mapstructure:"token"`
	BaseURL         string        `koanf:"base_url" mapstructure:"base_url"`
	KeyCacheTTL     time.Duration `koanf:"key_cache_ttl" mapstructure:"key_cache_ttl"`
	WebhookURL      string        `koanf:"webhook_url" mapstructure:"webhook_url"`
	RedirectURL     string        `koanf:"redirect_url" mapstructure:"redirect_url"`
	InvoiceValidity time.Duration `koanf:"invoice_validity" mapstructure:"invoice_validity"`
}

type StripeConfig struct {
	SecretKey     string        `koanf:"secret_key" mapstructure:"secret_key"`
	WebhookSecret string        `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	BaseURL       string        `koanf:"base_url" mapstructure:"base_url"`
	Tolerance     time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
	SuccessURL    string        `koanf:"success_url" mapstructure:"success_url"`
	CancelURL     string        `koanf:"cancel_url" mapstructure:"cancel_url"`
}

type ProvidersConfig struct {
	Monobank MonobankConfig `koanf:"monobank" mapstructure:"monobank"`
	Stripe   StripeConfig   `koanf:"stripe" mapstructure:"stripe"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Webhooks    WebhookConfig   `koanf:"webhooks" mapstructure:"webhooks"`
	Attempts    AttemptConfig   `koanf:"attempts" mapstructure:"attempts"`
	Janitor     JanitorConfig   `koanf:"janitor" mapstructure:"janitor"`
	Providers   ProvidersConfig `koanf:"providers" mapstructure:"providers"`
	Database    DatabaseConfig  `koanf:"database" mapstructure:"database"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "payments",
		Webhooks: WebhookConfig{
			ClaimLease:        30 * time.Second,
			MaxAttempts:       8,
			RateLimit:         30,
			RateWindow:        time.Minute,
			RetryInitialDelay: 5 * time.Second,
			RetryMaxDelay:     10 * time.Minute,
		},
		Attempts: AttemptConfig{
			RemoteTimeout: 15 * time.Second,
			CreatingLease: 2 * time.Minute,
		},
		Janitor: JanitorConfig{
			StaleOrderAfter:    30 * time.Minute,
			SweepClaimTTL:      5 * time.Minute,
			StuckEventAfter:    15 * time.Minute,
			RateLimitRetention: time.Hour,
			DefaultLimit:       100,
		},
		Providers: ProvidersConfig{
			Monobank: MonobankConfig{
				BaseURL:         "https://api.monobank.ua",
				KeyCacheTTL:     24 * time.Hour,
				InvoiceValidity: 24 * time.Hour,
			},
			Stripe: StripeConfig{
				BaseURL:   "https://api.stripe.com",
				Tolerance: 5 * time.Minute,
			},
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Webhooks.ClaimLease <= 0 {
		return fmt.Errorf("core: webhooks.claim_lease must be positive")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("core: webhooks.max_attempts must be positive")
	}
	if c.Webhooks.RateLimit <= 0 || c.Webhooks.RateWindow <= 0 {
		return fmt.Errorf("core: webhooks rate limit and window must be positive")
	}
	if c.Attempts.RemoteTimeout <= 0 {
		return fmt.Errorf("core: attempts.remote_timeout must be positive")
	}
	if c.Attempts.CreatingLease <= 0 {
		return fmt.Errorf("core: attempts.creating_lease must be positive")
	}
	// A lease that can expire mid-call lets a retry supersede a live attempt.
	if c.Attempts.CreatingLease <= c.Attempts.RemoteTimeout {
		return fmt.Errorf("core: attempts.creating_lease must exceed attempts.remote_timeout")
	}
	if c.Janitor.SweepClaimTTL <= 0 || c.Janitor.StaleOrderAfter <= 0 {
		return fmt.Errorf("core: janitor stale window and sweep claim ttl must be positive")
	}
	if c.Janitor.DefaultLimit <= 0 {
		return fmt.Errorf("core: janitor.default_limit must be positive")
	}
	switch strings.TrimSpace(c.Database.Driver) {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("core: database.driver %q is invalid", c.Database.Driver)
	}
	return nil
}
