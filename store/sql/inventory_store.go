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

var errReleaseLost = errors.New("sqlstore: inventory release already completed by another worker")

// InventoryStore keeps product stock and the append-only move ledger.
type InventoryStore struct {
	db       bun.IDB
	products repository.Repository[*productRecord]
	moves    repository.Repository[*inventoryMoveRecord]
	orders   *OrderStore
	now      func() time.Time
}

func NewInventoryStore(db *bun.DB, orders *OrderStore) (*InventoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if orders == nil {
		return nil, fmt.Errorf("sqlstore: order store is required")
	}
	products := repository.NewRepository[*productRecord](db, productHandlers())
	if validator, ok := products.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid product repository wiring: %w", err)
		}
	}
	moves := repository.NewRepository[*inventoryMoveRecord](db, inventoryMoveHandlers())
	if validator, ok := moves.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid inventory move repository wiring: %w", err)
		}
	}
	return &InventoryStore{db: db, products: products, moves: moves, orders: orders, now: utcNow}, nil
}

func (s *InventoryStore) withDB(db bun.IDB, orders *OrderStore) *InventoryStore {
	clone := *s
	clone.db = db
	clone.orders = orders
	return &clone
}

func (s *InventoryStore) CreateProduct(ctx context.Context, product core.Product) (core.Product, error) {
	if s == nil || s.db == nil || s.products == nil {
		return core.Product{}, fmt.Errorf("sqlstore: inventory store is not configured")
	}
	if strings.TrimSpace(product.SKU) == "" {
		return core.Product{}, fmt.Errorf("sqlstore: product sku is required")
	}
	if product.Stock < 0 {
		return core.Product{}, fmt.Errorf("sqlstore: product stock must not be negative")
	}
	record := &productRecord{
		ID:        strings.TrimSpace(product.ID),
		SKU:       strings.TrimSpace(product.SKU),
		Stock:     product.Stock,
		UpdatedAt: s.now(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	err := runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		_, createErr := s.products.CreateTx(ctx, tx, record)
		return createErr
	})
	if err != nil {
		return core.Product{}, err
	}
	return record.toDomain(), nil
}

func (s *InventoryStore) Stock(ctx context.Context, productID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: inventory store is not configured")
	}
	record := new(productRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(productID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("sqlstore: product %q not found", productID)
		}
		return 0, err
	}
	return record.Stock, nil
}

// Moves lists the ledger entries for an order.
func (s *InventoryStore) Moves(ctx context.Context, orderID string) ([]core.InventoryMove, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: inventory store is not configured")
	}
	var records []*inventoryMoveRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.order_id = ?", strings.TrimSpace(orderID)).
		OrderExpr("?TableAlias.created_at ASC, ?TableAlias.kind DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	moves := make([]core.InventoryMove, 0, len(records))
	for _, record := range records {
		moves = append(moves, record.toDomain())
	}
	return moves, nil
}

// Reserve records a reserve move and decrements stock under a sufficient
// stock guard. A replayed move returns false without touching stock.
func (s *InventoryStore) Reserve(ctx context.Context, orderID string, productID string, quantity int) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: inventory store is not configured")
	}
	move := core.InventoryMove{OrderID: orderID, ProductID: productID, Quantity: quantity, Kind: core.InventoryMoveReserve}
	if err := move.Validate(); err != nil {
		return false, err
	}
	applied := false
	err := runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		inserted, err := s.insertMove(ctx, tx, move)
		if err != nil || !inserted {
			return err
		}
		rows, err := compareAndSwap[productRecord](ctx, tx, casUpdate{
			table: "products",
			set: []sqlExpr{
				expr("stock = stock - ?", quantity),
				expr("updated_at = ?", s.now()),
			},
			where: []sqlExpr{
				expr("id = ?", strings.TrimSpace(productID)),
				expr("stock >= ?", quantity),
			},
			returning: "id",
		})
		if err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("%w: product %s", core.ErrInsufficientStock, productID)
			}
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: product %s", core.ErrInsufficientStock, productID)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Release records a release move and returns stock. Only quantities that
// were reserved for the order are returned, and only once.
func (s *InventoryStore) Release(ctx context.Context, orderID string, productID string, quantity int) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: inventory store is not configured")
	}
	move := core.InventoryMove{OrderID: orderID, ProductID: productID, Quantity: quantity, Kind: core.InventoryMoveRelease}
	if err := move.Validate(); err != nil {
		return false, err
	}
	applied := false
	err := runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		reserved, err := tx.NewSelect().
			Model((*inventoryMoveRecord)(nil)).
			Where("?TableAlias.order_id = ?", strings.TrimSpace(orderID)).
			Where("?TableAlias.product_id = ?", strings.TrimSpace(productID)).
			Where("?TableAlias.kind = ?", string(core.InventoryMoveReserve)).
			Exists(ctx)
		if err != nil || !reserved {
			return err
		}
		inserted, err := s.insertMove(ctx, tx, move)
		if err != nil || !inserted {
			return err
		}
		_, err = tx.NewUpdate().
			Model((*productRecord)(nil)).
			Set("stock = stock + ?", quantity).
			Set("updated_at = ?", s.now()).
			Where("id = ?", strings.TrimSpace(productID)).
			Exec(ctx)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ReserveOrder reserves every item of the order. The order moves
// none -> reserving -> reserved; insufficient stock rolls every item back and
// marks the order INVENTORY_FAILED.
func (s *InventoryStore) ReserveOrder(ctx context.Context, orderID string) (core.InventoryStatus, error) {
	if s == nil || s.db == nil || s.orders == nil {
		return "", fmt.Errorf("sqlstore: inventory store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	claimed, err := s.setInventoryStatus(ctx, s.db, orderID,
		[]core.InventoryStatus{core.InventoryStatusNone}, core.InventoryStatusReserving, nil)
	if err != nil {
		return "", err
	}
	if !claimed {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return "", err
		}
		return order.InventoryStatus, nil
	}

	items, err := s.orders.ListItems(ctx, orderID)
	if err != nil {
		return core.InventoryStatusReserving, err
	}
	reserved := core.OrderStatusInventoryReserved
	err = runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		scoped := s.withDB(tx, s.orders.withDB(tx))
		for _, item := range items {
			if _, err := scoped.Reserve(ctx, orderID, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		ok, err := s.setInventoryStatus(ctx, tx, orderID,
			[]core.InventoryStatus{core.InventoryStatusReserving}, core.InventoryStatusReserved, &reserved)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrInventoryNotReleasable
		}
		return nil
	})
	if err == nil {
		return core.InventoryStatusReserved, nil
	}
	if !errors.Is(err, core.ErrInsufficientStock) {
		if errors.Is(err, core.ErrInventoryNotReleasable) {
			order, getErr := s.orders.Get(ctx, orderID)
			if getErr != nil {
				return "", getErr
			}
			return order.InventoryStatus, nil
		}
		return core.InventoryStatusReserving, err
	}

	failed := core.OrderStatusInventoryFailed
	if _, resetErr := s.setInventoryStatus(ctx, s.db, orderID,
		[]core.InventoryStatus{core.InventoryStatusReserving}, core.InventoryStatusNone, &failed); resetErr != nil {
		return core.InventoryStatusReserving, resetErr
	}
	return core.InventoryStatusNone, nil
}

// ReleaseOrder returns the order's reserved stock. The order is marked
// released and stock_restored only in the transaction that released every
// item; any failure leaves it release_pending for the janitor.
func (s *InventoryStore) ReleaseOrder(ctx context.Context, orderID string) (core.ReleaseResult, error) {
	if s == nil || s.db == nil || s.orders == nil {
		return core.ReleaseResult{}, fmt.Errorf("sqlstore: inventory store is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	pending, err := compareAndSwap[orderRecord](ctx, s.db, casUpdate{
		table: "orders",
		set: []sqlExpr{
			expr("inventory_status = ?", string(core.InventoryStatusReleasePending)),
			expr("updated_at = ?", s.now()),
		},
		where: []sqlExpr{
			expr("id = ?", orderID),
			expr("stock_restored = ?", false),
			expr("inventory_status IN (?)", bun.In([]string{
				string(core.InventoryStatusReserved),
				string(core.InventoryStatusReleasePending),
			})),
		},
		returning: "id",
	})
	if err != nil {
		return core.ReleaseResult{}, err
	}
	if len(pending) == 0 {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return core.ReleaseResult{}, err
		}
		switch {
		case order.StockRestored:
			return core.ReleaseResult{AlreadyRestored: true}, nil
		case order.InventoryStatus == core.InventoryStatusReserving:
			return core.ReleaseResult{}, fmt.Errorf("%w: order %s is still reserving", core.ErrInventoryNotReleasable, orderID)
		default:
			return core.ReleaseResult{}, nil
		}
	}

	items, err := s.orders.ListItems(ctx, orderID)
	if err != nil {
		return core.ReleaseResult{}, err
	}
	err = runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		scoped := s.withDB(tx, s.orders.withDB(tx))
		for _, item := range items {
			if _, err := scoped.Release(ctx, orderID, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		now := s.now()
		rows, err := compareAndSwap[orderRecord](ctx, tx, casUpdate{
			table: "orders",
			set: []sqlExpr{
				expr("stock_restored = ?", true),
				expr("restocked_at = ?", now),
				expr("inventory_status = ?", string(core.InventoryStatusReleased)),
				expr("updated_at = ?", now),
			},
			where: []sqlExpr{
				expr("id = ?", orderID),
				expr("stock_restored = ?", false),
				expr("inventory_status = ?", string(core.InventoryStatusReleasePending)),
			},
			returning: "id",
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errReleaseLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errReleaseLost) {
			return core.ReleaseResult{AlreadyRestored: true}, nil
		}
		return core.ReleaseResult{}, err
	}
	return core.ReleaseResult{Released: true}, nil
}

func (s *InventoryStore) insertMove(ctx context.Context, tx bun.Tx, move core.InventoryMove) (bool, error) {
	record := &inventoryMoveRecord{
		ID:        uuid.NewString(),
		OrderID:   strings.TrimSpace(move.OrderID),
		ProductID: strings.TrimSpace(move.ProductID),
		Quantity:  move.Quantity,
		Kind:      string(move.Kind),
		CreatedAt: s.now(),
	}
	result, err := tx.NewInsert().
		Model(record).
		On("CONFLICT (order_id, product_id, kind) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *InventoryStore) setInventoryStatus(
	ctx context.Context,
	db bun.IDB,
	orderID string,
	from []core.InventoryStatus,
	to core.InventoryStatus,
	status *core.OrderStatus,
) (bool, error) {
	values := make([]string, 0, len(from))
	for _, value := range from {
		values = append(values, string(value))
	}
	set := []sqlExpr{
		expr("inventory_status = ?", string(to)),
		expr("updated_at = ?", s.now()),
	}
	if status != nil {
		set = append(set, expr("status = CASE WHEN status = ? THEN ? ELSE status END",
			string(core.OrderStatusCreated), string(*status)))
	}
	rows, err := compareAndSwap[orderRecord](ctx, db, casUpdate{
		table: "orders",
		set:   set,
		where: []sqlExpr{
			expr("id = ?", orderID),
			expr("inventory_status IN (?)", bun.In(values)),
		},
		returning: "id",
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
