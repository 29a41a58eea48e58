package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-payments/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db  *bun.DB
	now func() time.Time

	orderStore        *OrderStore
	attemptStore      *AttemptStore
	webhookEventStore *WebhookEventStore
	inventoryStore    *InventoryStore
	rateLimitStore    *RateLimitCounterStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{now: utcNow}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// WithClock sets the time source used for every timestamp the stores write.
func (f *RepositoryFactory) WithClock(clock core.Clock) *RepositoryFactory {
	if f == nil || clock == nil {
		return f
	}
	f.now = func() time.Time { return clock().UTC() }
	f.applyClock()
	return f
}

func (f *RepositoryFactory) applyClock() {
	if f.now == nil {
		f.now = utcNow
	}
	if f.orderStore != nil {
		f.orderStore.now = f.now
	}
	if f.attemptStore != nil {
		f.attemptStore.now = f.now
	}
	if f.webhookEventStore != nil {
		f.webhookEventStore.now = f.now
	}
	if f.inventoryStore != nil {
		f.inventoryStore.now = f.now
	}
	if f.rateLimitStore != nil {
		f.rateLimitStore.now = f.now
	}
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.orderStore != nil && f.attemptStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) Orders() core.OrderStore {
	if f == nil || f.orderStore == nil {
		return nil
	}
	return f.orderStore
}

func (f *RepositoryFactory) Attempts() core.AttemptStore {
	if f == nil || f.attemptStore == nil {
		return nil
	}
	return f.attemptStore
}

func (f *RepositoryFactory) Events() core.WebhookEventStore {
	if f == nil || f.webhookEventStore == nil {
		return nil
	}
	return f.webhookEventStore
}

func (f *RepositoryFactory) Inventory() core.InventoryLedger {
	if f == nil || f.inventoryStore == nil {
		return nil
	}
	return f.inventoryStore
}

func (f *RepositoryFactory) OrderStore() *OrderStore {
	if f == nil {
		return nil
	}
	return f.orderStore
}

func (f *RepositoryFactory) AttemptStore() *AttemptStore {
	if f == nil {
		return nil
	}
	return f.attemptStore
}

func (f *RepositoryFactory) WebhookEventStore() *WebhookEventStore {
	if f == nil {
		return nil
	}
	return f.webhookEventStore
}

func (f *RepositoryFactory) InventoryStore() *InventoryStore {
	if f == nil {
		return nil
	}
	return f.inventoryStore
}

func (f *RepositoryFactory) RateLimitCounterStore() *RateLimitCounterStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

// InTx runs fn with stores bound to one transaction. Stores captured outside
// fn must not be used inside it.
func (f *RepositoryFactory) InTx(ctx context.Context, fn func(ctx context.Context, stores core.Stores) error) error {
	if f == nil || f.db == nil || f.orderStore == nil {
		return fmt.Errorf("sqlstore: repository factory is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction callback is required")
	}
	return f.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, f.bind(tx))
	})
}

func (f *RepositoryFactory) bind(tx bun.Tx) *txStores {
	orders := f.orderStore.withDB(tx)
	return &txStores{
		orders:    orders,
		attempts:  f.attemptStore.withDB(tx),
		events:    f.webhookEventStore.withDB(tx),
		inventory: f.inventoryStore.withDB(tx, orders),
	}
}

type txStores struct {
	orders    *OrderStore
	attempts  *AttemptStore
	events    *WebhookEventStore
	inventory *InventoryStore
}

func (s *txStores) Orders() core.OrderStore {
	return s.orders
}

func (s *txStores) Attempts() core.AttemptStore {
	return s.attempts
}

func (s *txStores) Events() core.WebhookEventStore {
	return s.events
}

func (s *txStores) Inventory() core.InventoryLedger {
	return s.inventory
}

func (f *RepositoryFactory) initStores() error {
	orderStore, err := NewOrderStore(f.db)
	if err != nil {
		return err
	}
	attemptStore, err := NewAttemptStore(f.db)
	if err != nil {
		return err
	}
	webhookEventStore, err := NewWebhookEventStore(f.db)
	if err != nil {
		return err
	}
	inventoryStore, err := NewInventoryStore(f.db, orderStore)
	if err != nil {
		return err
	}
	rateLimitStore, err := NewRateLimitCounterStore(f.db)
	if err != nil {
		return err
	}
	f.orderStore = orderStore
	f.attemptStore = attemptStore
	f.webhookEventStore = webhookEventStore
	f.inventoryStore = inventoryStore
	f.rateLimitStore = rateLimitStore
	f.applyClock()
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
