package sqlstore

import "github.com/goliatone/go-payments/core"

var (
	_ core.OrderStore             = (*OrderStore)(nil)
	_ core.AttemptStore           = (*AttemptStore)(nil)
	_ core.WebhookEventStore      = (*WebhookEventStore)(nil)
	_ core.InventoryLedger        = (*InventoryStore)(nil)
	_ core.Stores                 = (*txStores)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
