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

type AttemptStore struct {
	db   bun.IDB
	repo repository.Repository[*paymentAttemptRecord]
	now  func() time.Time
}

func NewAttemptStore(db *bun.DB) (*AttemptStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*paymentAttemptRecord](db, attemptHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid payment attempt repository wiring: %w", err)
		}
	}
	return &AttemptStore{db: db, repo: repo, now: utcNow}, nil
}

func (s *AttemptStore) withDB(db bun.IDB) *AttemptStore {
	clone := *s
	clone.db = db
	return &clone
}

func (s *AttemptStore) Get(ctx context.Context, id string) (core.PaymentAttempt, error) {
	if s == nil || s.db == nil {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	return s.findOne(ctx, id, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.id = ?", strings.TrimSpace(id))
	})
}

func (s *AttemptStore) GetByRemoteID(
	ctx context.Context,
	provider core.Provider,
	remoteID string,
) (core.PaymentAttempt, error) {
	if s == nil || s.db == nil {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return core.PaymentAttempt{}, fmt.Errorf("%w: remote id is empty", core.ErrAttemptNotFound)
	}
	return s.findOne(ctx, string(provider)+":"+remoteID, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.provider = ?", string(provider)).
			Where("?TableAlias.provider_payment_intent_id = ?", remoteID)
	})
}

func (s *AttemptStore) GetOpenByOrder(ctx context.Context, orderID string) (core.PaymentAttempt, bool, error) {
	if s == nil || s.db == nil {
		return core.PaymentAttempt{}, false, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	attempt, err := s.findOne(ctx, orderID, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.order_id = ?", strings.TrimSpace(orderID)).
			Where("?TableAlias.status IN (?)", bun.In([]string{
				string(core.AttemptStatusCreating),
				string(core.AttemptStatusActive),
			})).
			OrderExpr("?TableAlias.attempt_number DESC")
	})
	if err != nil {
		if errors.Is(err, core.ErrAttemptNotFound) {
			return core.PaymentAttempt{}, false, nil
		}
		return core.PaymentAttempt{}, false, err
	}
	return attempt, true, nil
}

func (s *AttemptStore) NextAttemptNumber(ctx context.Context, orderID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	var current int
	err := s.db.NewSelect().
		Model((*paymentAttemptRecord)(nil)).
		ColumnExpr("COALESCE(MAX(?TableAlias.attempt_number), 0)").
		Where("?TableAlias.order_id = ?", strings.TrimSpace(orderID)).
		Scan(ctx, &current)
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

// CreateCreating inserts an attempt in the creating state. A competing open
// attempt surfaces as an in-flight conflict.
func (s *AttemptStore) CreateCreating(ctx context.Context, in core.NewAttemptInput) (core.PaymentAttempt, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: attempt order id is required")
	}
	if in.AttemptNumber <= 0 {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: attempt number must be positive")
	}
	now := s.now()
	record := &paymentAttemptRecord{
		ID:                  uuid.NewString(),
		OrderID:             orderID,
		Provider:            string(in.Provider),
		Status:              string(core.AttemptStatusCreating),
		AttemptNumber:       in.AttemptNumber,
		Currency:            strings.ToUpper(strings.TrimSpace(in.Currency)),
		ExpectedAmountMinor: in.ExpectedAmountMinor,
		IdempotencyKey:      core.AttemptIdempotencyKey(orderID, in.AttemptNumber),
		Metadata:            core.AttemptMetadata{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if !in.CreatingLeaseUntil.IsZero() {
		lease := in.CreatingLeaseUntil.UTC()
		record.CreatingLeaseExpiresAt = &lease
	}

	err := runInTx(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		_, createErr := s.repo.CreateTx(ctx, tx, record)
		return createErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return core.PaymentAttempt{}, core.NewAttemptInFlightError(orderID, "")
		}
		return core.PaymentAttempt{}, err
	}
	return record.toDomain(), nil
}

// Transition applies a guarded status change. ok is false when the attempt
// was not in one of the expected states or the ordering guard failed.
func (s *AttemptStore) Transition(
	ctx context.Context,
	in core.AttemptTransition,
) (core.PaymentAttempt, bool, error) {
	if s == nil || s.db == nil {
		return core.PaymentAttempt{}, false, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	attemptID := strings.TrimSpace(in.AttemptID)
	if attemptID == "" {
		return core.PaymentAttempt{}, false, fmt.Errorf("sqlstore: attempt id is required")
	}
	if len(in.From) == 0 {
		return core.PaymentAttempt{}, false, fmt.Errorf("sqlstore: attempt transition requires source states")
	}

	set := []sqlExpr{
		expr("status = ?", string(in.To)),
		expr("updated_at = ?", s.now()),
	}
	where := []sqlExpr{
		expr("id = ?", attemptID),
		expr("status IN (?)", bun.In(attemptStatusStrings(in.From))),
	}
	if in.To != core.AttemptStatusCreating {
		set = append(set, expr("creating_lease_expires_at = NULL"))
	}
	if in.ProviderModifiedAt != nil {
		modifiedAt := in.ProviderModifiedAt.UTC()
		set = append(set, expr("provider_modified_at = ?", modifiedAt))
		where = append(where, expr("provider_modified_at IS NULL OR provider_modified_at <= ?", modifiedAt))
	}
	if in.LeaseExpiredAt != nil {
		where = append(where, expr("creating_lease_expires_at IS NOT NULL AND creating_lease_expires_at <= ?", in.LeaseExpiredAt.UTC()))
	}
	if remoteID := strings.TrimSpace(in.RemoteID); remoteID != "" {
		set = append(set, expr("provider_payment_intent_id = ?", remoteID))
	}
	if code := strings.TrimSpace(in.ErrorCode); code != "" {
		set = append(set, expr("last_error_code = ?", code))
	}
	if in.Metadata != nil {
		if err := in.Metadata.Validate(); err != nil {
			return core.PaymentAttempt{}, false, err
		}
		set = append(set, expr("metadata = ?", *in.Metadata))
	}

	rows, err := compareAndSwap[paymentAttemptRecord](ctx, s.db, casUpdate{
		table: "payment_attempts",
		set:   set,
		where: where,
	})
	if err != nil {
		return core.PaymentAttempt{}, false, err
	}
	if len(rows) == 0 {
		return core.PaymentAttempt{}, false, nil
	}
	return rows[0].toDomain(), true, nil
}

// ListStaleCreating returns creating attempts whose in-flight lease expired.
func (s *AttemptStore) ListStaleCreating(ctx context.Context, now time.Time, limit int) ([]core.PaymentAttempt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var records []*paymentAttemptRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.AttemptStatusCreating)).
		Where("?TableAlias.creating_lease_expires_at IS NOT NULL").
		Where("?TableAlias.creating_lease_expires_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	attempts := make([]core.PaymentAttempt, 0, len(records))
	for _, record := range records {
		attempts = append(attempts, record.toDomain())
	}
	return attempts, nil
}

func (s *AttemptStore) findOne(
	ctx context.Context,
	label string,
	apply func(q *bun.SelectQuery) *bun.SelectQuery,
) (core.PaymentAttempt, error) {
	record := new(paymentAttemptRecord)
	err := apply(s.db.NewSelect().Model(record)).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.PaymentAttempt{}, fmt.Errorf("%w: %s", core.ErrAttemptNotFound, label)
		}
		return core.PaymentAttempt{}, err
	}
	return record.toDomain(), nil
}

func attemptStatusStrings(statuses []core.AttemptStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}
