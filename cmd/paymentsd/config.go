package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-payments/core"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PAYMENTS"

// envKeys are the settings that may come from PAYMENTS_* variables.
var envKeys = []string{
	"service_name",
	"database.driver",
	"database.dsn",
	"providers.monobank.token",
	"providers.monobank.webhook_url",
	"providers.stripe.secret_key",
	"providers.stripe.webhook_secret",
	"providers.stripe.success_url",
	"providers.stripe.cancel_url",
}

// viperLoader reads the optional config file and PAYMENTS_* variables into
// the raw map the cfgx provider decodes.
type viperLoader struct {
	path string
}

func (l viperLoader) LoadRaw(context.Context) (map[string]any, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if path := strings.TrimSpace(l.path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v.AllSettings(), nil
}

func loadConfig(ctx context.Context, path string) (core.Config, error) {
	provider := core.NewCfgxConfigProvider(viperLoader{path: path})
	cfg, err := provider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return core.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// redactedConfig hides credentials before the config is printed.
func redactedConfig(cfg core.Config) core.Config {
	mask := func(value string) string {
		if strings.TrimSpace(value) == "" {
			return ""
		}
		return core.RedactedValue
	}
	cfg.Database.DSN = mask(cfg.Database.DSN)
	cfg.Providers.Monobank.Token = mask(cfg.Providers.Monobank.Token)
	cfg.Providers.Stripe.SecretKey = mask(cfg.Providers.Stripe.SecretKey)
	cfg.Providers.Stripe.WebhookSecret = mask(cfg.Providers.Stripe.WebhookSecret)
	return cfg
}

func configCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with credentials redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(redactedConfig(cfg))
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
