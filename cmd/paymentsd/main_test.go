package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goliatone/go-payments/core"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "janitor", "migrate", "config"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("expected subcommand %q, got %v (err=%v)", name, cmd, err)
		}
	}
	serve, _, _ := root.Find([]string{"serve"})
	if flag := serve.Flags().Lookup("addr"); flag == nil || flag.DefValue != ":8080" {
		t.Fatalf("expected serve --addr default :8080, got %#v", flag)
	}
}

func TestJanitorCommandRejectsUnknownJob(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"janitor", "drop_tables"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	if err == nil {
		t.Fatalf("expected unknown job error")
	}
}

func TestLoadConfigReadsFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.yaml")
	content := "service_name: checkout\ndatabase:\n  driver: sqlite3\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAYMENTS_DATABASE_DSN", "file:payments.db")

	cfg, err := loadConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "checkout" {
		t.Fatalf("expected service name from file, got %q", cfg.ServiceName)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Database.DSN != "file:payments.db" {
		t.Fatalf("unexpected database config %#v", cfg.Database)
	}
	if cfg.Webhooks.MaxAttempts != core.DefaultConfig().Webhooks.MaxAttempts {
		t.Fatalf("expected defaults to fill missing keys, got %d", cfg.Webhooks.MaxAttempts)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing config file error")
	}
}

func TestRedactedConfigMasksCredentials(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Database.DSN = "postgres://user:pw@db/payments"
	cfg.Providers.Monobank.Token = "mono-token"
	cfg.Providers.Stripe.SecretKey = "sk_test"

	redacted := redactedConfig(cfg)
	if redacted.Database.DSN != core.RedactedValue {
		t.Fatalf("expected dsn redacted, got %q", redacted.Database.DSN)
	}
	if redacted.Providers.Monobank.Token != core.RedactedValue || redacted.Providers.Stripe.SecretKey != core.RedactedValue {
		t.Fatalf("expected provider credentials redacted")
	}
	if redacted.Providers.Stripe.WebhookSecret != "" {
		t.Fatalf("expected empty secret to stay empty, got %q", redacted.Providers.Stripe.WebhookSecret)
	}
	if cfg.Database.DSN == core.RedactedValue {
		t.Fatalf("expected source config untouched")
	}
}

func TestNewLoggerWritesMessagesAtLevel(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger(&out, "warn")
	logger.Info("hidden message")
	logger.Warn("visible message", "order_id", "ord_1")

	text := out.String()
	if strings.Contains(text, "hidden message") {
		t.Fatalf("expected info to be filtered at warn level: %s", text)
	}
	if !strings.Contains(text, "visible message") || !strings.Contains(text, "ord_1") {
		t.Fatalf("expected warn message with fields, got %s", text)
	}
}
