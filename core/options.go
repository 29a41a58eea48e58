package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type Clock func() time.Time

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	stores            StoreProvider
	gateways          []PaymentGateway
	matrix            TransitionMatrix
	clock             Clock
}

type Option func(*serviceBuilder)

// WithLogger sets the service logger and a provider that hands it out.
func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
		if logger != nil {
			b.loggerProvider = glog.ProviderFromLogger(logger)
		}
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

// WithRepositoryFactory accepts a RepositoryStoreFactory or a StoreProvider.
func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithStores(stores StoreProvider) Option {
	return func(b *serviceBuilder) {
		b.stores = stores
	}
}

func WithGateway(gateway PaymentGateway) Option {
	return func(b *serviceBuilder) {
		if gateway != nil {
			b.gateways = append(b.gateways, gateway)
		}
	}
}

func WithTransitionMatrix(matrix TransitionMatrix) Option {
	return func(b *serviceBuilder) {
		b.matrix = matrix
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("payments", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		matrix:          DefaultTransitionMatrix(),
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

// StaticRawConfigLoader serves a fixed raw configuration map.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap flattens a config into an options layer. Non-default layers
// only carry the values that were set.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString(layer, "service_name", cfg.ServiceName, includeZero)

	webhooks := map[string]any{}
	setDuration(webhooks, "claim_lease", cfg.Webhooks.ClaimLease, includeZero)
	setInt(webhooks, "max_attempts", cfg.Webhooks.MaxAttempts, includeZero)
	setInt(webhooks, "rate_limit", cfg.Webhooks.RateLimit, includeZero)
	setDuration(webhooks, "rate_window", cfg.Webhooks.RateWindow, includeZero)
	setDuration(webhooks, "retry_initial_delay", cfg.Webhooks.RetryInitialDelay, includeZero)
	setDuration(webhooks, "retry_max_delay", cfg.Webhooks.RetryMaxDelay, includeZero)
	setSection(layer, "webhooks", webhooks)

	attempts := map[string]any{}
	setDuration(attempts, "remote_timeout", cfg.Attempts.RemoteTimeout, includeZero)
	setDuration(attempts, "creating_lease", cfg.Attempts.CreatingLease, includeZero)
	setSection(layer, "attempts", attempts)

	janitor := map[string]any{}
	setDuration(janitor, "stale_order_after", cfg.Janitor.StaleOrderAfter, includeZero)
	setDuration(janitor, "sweep_claim_ttl", cfg.Janitor.SweepClaimTTL, includeZero)
	setDuration(janitor, "stuck_event_after", cfg.Janitor.StuckEventAfter, includeZero)
	setDuration(janitor, "rate_limit_retention", cfg.Janitor.RateLimitRetention, includeZero)
	setInt(janitor, "default_limit", cfg.Janitor.DefaultLimit, includeZero)
	setSection(layer, "janitor", janitor)

	monobank := map[string]any{}
	setString(monobank, "token", cfg.Providers.Monobank.Token, includeZero)
	setString(monobank, "base_url", cfg.Providers.Monobank.BaseURL, includeZero)
	setDuration(monobank, "key_cache_ttl", cfg.Providers.Monobank.KeyCacheTTL, includeZero)
	setString(monobank, "webhook_url", cfg.Providers.Monobank.WebhookURL, includeZero)
	setString(monobank, "redirect_url", cfg.Providers.Monobank.RedirectURL, includeZero)
	setDuration(monobank, "invoice_validity", cfg.Providers.Monobank.InvoiceValidity, includeZero)
	stripe := map[string]any{}
	setString(stripe, "secret_key", cfg.Providers.Stripe.SecretKey, includeZero)
	setString(stripe, "webhook_secret", cfg.Providers.Stripe.WebhookSecret, includeZero)
	setString(stripe, "base_url", cfg.Providers.Stripe.BaseURL, includeZero)
	setDuration(stripe, "tolerance", cfg.Providers.Stripe.Tolerance, includeZero)
	setString(stripe, "success_url", cfg.Providers.Stripe.SuccessURL, includeZero)
	setString(stripe, "cancel_url", cfg.Providers.Stripe.CancelURL, includeZero)
	providers := map[string]any{}
	setSection(providers, "monobank", monobank)
	setSection(providers, "stripe", stripe)
	setSection(layer, "providers", providers)

	database := map[string]any{}
	setString(database, "driver", cfg.Database.Driver, includeZero)
	setString(database, "dsn", cfg.Database.DSN, includeZero)
	if includeZero || cfg.Database.Debug {
		database["debug"] = cfg.Database.Debug
	}
	setSection(layer, "database", database)
	return layer
}

func setString(target map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		target[key] = value
	}
}

func setInt(target map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func setDuration(target map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func setSection(target map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		target[key] = section
	}
}
