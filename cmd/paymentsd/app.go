package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	payments "github.com/goliatone/go-payments"
	"github.com/goliatone/go-payments/adapters/gocommand"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
	paymentmigrations "github.com/goliatone/go-payments/migrations"
	"github.com/goliatone/go-payments/ratelimit"
	sqlstore "github.com/goliatone/go-payments/store/sql"
	"github.com/goliatone/go-payments/transport"
	"github.com/goliatone/go-payments/webhooks"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "paymentsd" }

// openClient connects to the configured database and registers the
// migrations of its dialect. It does not run them.
func openClient(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	migrationDialect, err := paymentmigrations.DialectForDriver(driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	var dialect schema.Dialect
	switch migrationDialect {
	case paymentmigrations.DialectPostgres:
		dialect = pgdialect.New()
	default:
		dialect = sqlitedialect.New()
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, server: cfg.DSN, debug: cfg.Debug}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("new persistence client: %w", err)
	}
	_, err = paymentmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect == migrationDialect {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, paymentmigrations.WithValidationTargets(migrationDialect))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// app is the wired payments runtime shared by every subcommand.
type app struct {
	config  core.Config
	logger  glog.Logger
	client  *persistence.Client
	stores  *sqlstore.RepositoryFactory
	hooks   *payments.ExtensionHooks
	service *core.Service
	janitor *janitor.Runner
	facade  *payments.Facade
}

func openApp(ctx context.Context, opts *rootOptions, logger glog.Logger) (*app, error) {
	cfg, err := loadConfig(ctx, opts.configPath)
	if err != nil {
		return nil, err
	}
	client, err := openClient(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	keyCacheConfig := repositorycache.DefaultConfig()
	keyCacheConfig.TTL = cfg.Providers.Monobank.KeyCacheTTL
	keyCache, err := repositorycache.NewCacheService(keyCacheConfig)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("new key cache: %w", err)
	}
	rest := transport.NewRESTAdapter(nil)
	rest.Policy = ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
	hooks := payments.NewExtensionHooks()
	if err := payments.ConfiguredProviders(hooks, cfg.Providers, rest, keyCache, nil); err != nil {
		_ = client.Close()
		return nil, err
	}

	serviceOpts := append([]core.Option{
		core.WithLogger(logger),
		core.WithPersistenceClient(client),
		core.WithStores(stores),
	}, hooks.ServiceOptions()...)
	service, err := payments.NewService(cfg, serviceOpts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	runner := janitor.NewRunner(stores, stores.RateLimitCounterStore(), cfg.Janitor,
		janitor.WithLogger(logger),
		janitor.WithStateMachine(service.Dependencies().StateMachine),
		janitor.WithGateways(hooks.Gateways()...),
		janitor.WithCancelTimeout(service.Config().Attempts.RemoteTimeout),
	)
	facade, err := payments.NewFacade(service, payments.WithJanitor(runner))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return &app{
		config:  service.Config(),
		logger:  logger,
		client:  client,
		stores:  stores,
		hooks:   hooks,
		service: service,
		janitor: runner,
		facade:  facade,
	}, nil
}

func (a *app) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

// ingestor builds the inline webhook pipeline with every configured
// provider binding.
func (a *app) ingestor(workerID string) (*webhooks.Ingestor, error) {
	deps := a.service.Dependencies()
	limiter := ratelimit.NewFixedWindowLimiter(a.stores.RateLimitCounterStore(), a.config.Webhooks.RateLimit, a.config.Webhooks.RateWindow)
	ingestor := webhooks.NewIngestor(a.stores.Events(), deps.Applier, limiter)
	ingestor.Logger = a.logger
	ingestor.Metrics = deps.MetricsRecorder
	ingestor.WorkerID = workerID
	ingestor.ClaimLease = a.config.Webhooks.ClaimLease
	ingestor.MaxAttempts = a.config.Webhooks.MaxAttempts
	ingestor.RetryPolicy = webhooks.ExponentialRetryPolicy{
		Initial: a.config.Webhooks.RetryInitialDelay,
		Max:     a.config.Webhooks.RetryMaxDelay,
	}
	if err := a.hooks.ApplyBindings(ingestor); err != nil {
		return nil, err
	}
	return ingestor, nil
}

func (a *app) claimProcessor(workerID string) *webhooks.ClaimProcessor {
	processor := webhooks.NewClaimProcessor(a.stores.Events(), a.service.Dependencies().Applier, workerID)
	processor.Logger = a.logger
	processor.Lease = a.config.Webhooks.ClaimLease
	processor.MaxAttempts = a.config.Webhooks.MaxAttempts
	processor.RetryPolicy = webhooks.ExponentialRetryPolicy{
		Initial: a.config.Webhooks.RetryInitialDelay,
		Max:     a.config.Webhooks.RetryMaxDelay,
	}
	return processor
}

// registerCommands subscribes the facade messages on the go-command
// dispatcher.
func (a *app) registerCommands() (gocommand.Subscriptions, error) {
	adapter := gocommand.NewRegistryAdapter(nil)
	subs, err := gocommand.RegisterPayments(adapter, gocommand.Handlers{
		Orders:   a.service,
		Attempts: a.service,
		Janitor:  a.janitor,
		Reader:   a.service,
	})
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(); err != nil {
		subs.Unsubscribe()
		return nil, err
	}
	return subs, nil
}
