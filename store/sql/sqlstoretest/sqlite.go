// Package sqlstoretest provides a migrated in-memory SQLite store for tests.
package sqlstoretest

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-payments/core"
	paymentmigrations "github.com/goliatone/go-payments/migrations"
	sqlstore "github.com/goliatone/go-payments/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

var sequence atomic.Int64

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool {
	return false
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-payments-tests"
}

// NewClient opens a shared-cache in-memory SQLite database, applies the
// payments migrations and closes the client when the test ends.
func NewClient(t testing.TB) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:payments-test-%d-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
		sequence.Add(1),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(persistenceConfig{driver: "sqlite3", server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = paymentmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != paymentmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, paymentmigrations.WithValidationTargets(paymentmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// NewFactory returns a repository factory over a fresh database driven by clock.
func NewFactory(t testing.TB, clock core.Clock) *sqlstore.RepositoryFactory {
	t.Helper()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(NewClient(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	if clock != nil {
		factory.WithClock(clock)
	}
	return factory
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SeedProduct creates a product with the given stock.
func SeedProduct(t testing.TB, factory *sqlstore.RepositoryFactory, id string, stock int) core.Product {
	t.Helper()
	product, err := factory.InventoryStore().CreateProduct(context.Background(), core.Product{
		ID:    id,
		SKU:   "sku-" + id,
		Stock: stock,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", id, err)
	}
	return product
}
