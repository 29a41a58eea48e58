package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const inventoryReleasableExpr = `inventory_status = CASE WHEN inventory_status IN ('reserved', 'reserving') THEN 'release_pending' ELSE inventory_status END`

type OrderStore struct {
	db    bun.IDB
	repo  repository.Repository[*orderRecord]
	items repository.Repository[*orderItemRecord]
	now   func() time.Time
}

func NewOrderStore(db *bun.DB) (*OrderStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*orderRecord](db, orderHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid order repository wiring: %w", err)
		}
	}
	items := repository.NewRepository[*orderItemRecord](db, orderItemHandlers())
	if validator, ok := items.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid order item repository wiring: %w", err)
		}
	}
	return &OrderStore{db: db, repo: repo, items: items, now: utcNow}, nil
}

func (s *OrderStore) withDB(db bun.IDB) *OrderStore {
	clone := *s
	clone.db = db
	return &clone
}

// Create inserts the order and its items. A repeated idempotency key returns
// the order created first.
func (s *OrderStore) Create(ctx context.Context, in core.CreateOrderInput) (core.Order, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.Order{}, err
	}

	now := s.now()
	orderID := strings.TrimSpace(in.ID)
	if orderID == "" {
		orderID = uuid.NewString()
	}
	record := &orderRecord{
		ID:               orderID,
		TotalAmountMinor: in.Total(),
		Currency:         strings.ToUpper(strings.TrimSpace(in.Currency)),
		PaymentProvider:  string(in.Provider),
		PaymentStatus:    string(core.PaymentStatusPending),
		Status:           string(core.OrderStatusCreated),
		InventoryStatus:  string(core.InventoryStatusNone),
		IdempotencyKey:   strings.TrimSpace(in.IdempotencyKey),
		ProviderMetadata: core.OrderMetadata{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.CreateTx(ctx, tx, record); err != nil {
			return err
		}
		for _, item := range in.Items {
			itemRecord := &orderItemRecord{
				ID:              uuid.NewString(),
				OrderID:         orderID,
				ProductID:       strings.TrimSpace(item.ProductID),
				Quantity:        item.Quantity,
				UnitAmountMinor: item.UnitAmountMinor,
			}
			if _, err := s.items.CreateTx(ctx, tx, itemRecord); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.getByIdempotencyKey(ctx, record.IdempotencyKey)
			if findErr == nil {
				return existing, nil
			}
		}
		return core.Order{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (core.Order, error) {
	if s == nil || s.db == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	record := new(orderRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
		}
		return core.Order{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) getByIdempotencyKey(ctx context.Context, key string) (core.Order, error) {
	record := new(orderRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Order{}, fmt.Errorf("%w: idempotency key %s", core.ErrOrderNotFound, key)
		}
		return core.Order{}, err
	}
	return record.toDomain(), nil
}

func (s *OrderStore) ListItems(ctx context.Context, orderID string) ([]core.OrderItem, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	var records []*orderItemRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.order_id = ?", strings.TrimSpace(orderID)).
		OrderExpr("?TableAlias.product_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]core.OrderItem, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return items, nil
}

// GuardedPaymentStatusUpdate moves payment_status with one conditional
// statement keyed on provider and the allowed predecessors. When no row
// matches the order is re-read only to describe the rejection.
func (s *OrderStore) GuardedPaymentStatusUpdate(
	ctx context.Context,
	update core.GuardedUpdate,
) (core.TransitionResult, error) {
	if s == nil || s.db == nil {
		return core.TransitionResult{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	orderID := strings.TrimSpace(update.OrderID)
	if orderID == "" {
		return core.TransitionResult{}, fmt.Errorf("sqlstore: order id is required")
	}
	if len(update.AllowedFrom) == 0 {
		return core.TransitionResult{}, fmt.Errorf("sqlstore: guarded update requires allowed predecessors")
	}

	set := []sqlExpr{
		expr("payment_status = ?", string(update.Target)),
		expr("updated_at = ?", s.now()),
	}
	if update.Fields.Status != nil {
		set = append(set, expr("status = ?", string(*update.Fields.Status)))
	}
	if update.Fields.MarkInventoryReleasable {
		set = append(set, expr(inventoryReleasableExpr))
	}
	if update.Fields.Metadata != nil {
		if err := update.Fields.Metadata.Validate(); err != nil {
			return core.TransitionResult{}, err
		}
		set = append(set, expr("provider_metadata = ?", *update.Fields.Metadata))
	}

	rows, err := compareAndSwap[orderRecord](ctx, s.db, casUpdate{
		table: "orders",
		set:   set,
		where: []sqlExpr{
			expr("id = ?", orderID),
			expr("payment_provider = ?", string(update.Provider)),
			expr("payment_status IN (?)", bun.In(paymentStatusStrings(update.AllowedFrom))),
		},
	})
	if err != nil {
		return core.TransitionResult{}, err
	}
	if len(rows) > 0 {
		return core.TransitionResult{
			Applied:         true,
			CurrentProvider: core.Provider(rows[0].PaymentProvider),
		}, nil
	}

	current, err := s.Get(ctx, orderID)
	if err != nil {
		return core.TransitionResult{}, err
	}
	return core.TransitionResult{
		Reason:          core.ReasonInvalidTransition,
		From:            current.PaymentStatus,
		CurrentProvider: current.Provider,
	}, nil
}

// AppendInvoice adds a remote invoice id to the order metadata under a row
// lock. Replays of the same id are no-ops.
func (s *OrderStore) AppendInvoice(ctx context.Context, orderID string, invoiceID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: order store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	invoiceID = strings.TrimSpace(invoiceID)
	if orderID == "" || invoiceID == "" {
		return fmt.Errorf("sqlstore: order id and invoice id are required")
	}
	return runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		record := new(orderRecord)
		query := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", orderID).Limit(1)
		if err := lockForUpdate(tx, query).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
			}
			return err
		}
		metadata := record.ProviderMetadata.WithInvoice(invoiceID)
		if len(metadata.InvoiceIDs) == len(record.ProviderMetadata.InvoiceIDs) {
			return nil
		}
		_, err := tx.NewUpdate().
			Model((*orderRecord)(nil)).
			Set("provider_metadata = ?", metadata).
			Set("updated_at = ?", s.now()).
			Where("id = ?", orderID).
			Exec(ctx)
		return err
	})
}

// ClaimForSweep takes the order's sweep lease when it is free or expired.
func (s *OrderStore) ClaimForSweep(ctx context.Context, orderID string, workerID string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: order store is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return false, fmt.Errorf("sqlstore: sweep worker id is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("sqlstore: sweep claim ttl must be positive")
	}
	now := s.now()
	rows, err := compareAndSwap[orderRecord](ctx, s.db, casUpdate{
		table: "orders",
		set: []sqlExpr{
			expr("sweep_claimed_by = ?", workerID),
			expr("sweep_claimed_at = ?", now),
			expr("sweep_claim_expires_at = ?", now.Add(ttl)),
		},
		where: []sqlExpr{
			expr("id = ?", strings.TrimSpace(orderID)),
			expr("sweep_claim_expires_at IS NULL OR sweep_claim_expires_at <= ?", now),
		},
		returning: "id",
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ListRestockCandidates returns unpaid orders still holding stock that are
// older than the cutoff and not under a live sweep claim.
func (s *OrderStore) ListRestockCandidates(ctx context.Context, query core.RestockQuery) ([]core.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	now := query.Now.UTC()
	if query.Now.IsZero() {
		now = s.now()
	}
	var records []*orderRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.inventory_status IN (?)", bun.In([]string{
			string(core.InventoryStatusReserved),
			string(core.InventoryStatusReleasePending),
		})).
		Where("?TableAlias.stock_restored = ?", false).
		Where("?TableAlias.payment_status <> ?", string(core.PaymentStatusPaid)).
		Where("?TableAlias.created_at <= ?", query.CreatedBefore.UTC()).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.sweep_claim_expires_at IS NULL").
				WhereOr("?TableAlias.sweep_claim_expires_at <= ?", now)
		}).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(records))
	for _, record := range records {
		orders = append(orders, record.toDomain())
	}
	return orders, nil
}

func paymentStatusStrings(statuses []core.PaymentStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

func utcNow() time.Time {
	return time.Now().UTC()
}
