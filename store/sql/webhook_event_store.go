package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const claimableEventExpr = `applied_result IS NULL AND status = 'pending' AND (claim_expires_at IS NULL OR claim_expires_at <= ?)`

type WebhookEventStore struct {
	db   bun.IDB
	repo repository.Repository[*webhookEventRecord]
	now  func() time.Time
}

func NewWebhookEventStore(db *bun.DB) (*WebhookEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &WebhookEventStore{db: db, repo: repo, now: utcNow}, nil
}

func (s *WebhookEventStore) withDB(db bun.IDB) *WebhookEventStore {
	clone := *s
	clone.db = db
	return &clone
}

// Reserve inserts a new event already leased to the ingesting worker. An
// existing event key leaves the stored row untouched and returns it.
func (s *WebhookEventStore) Reserve(ctx context.Context, in core.ReserveEventInput) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	event := in.Event
	eventKey := strings.TrimSpace(event.EventKey)
	if eventKey == "" {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event key is required")
	}
	if in.Lease <= 0 {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event lease must be positive")
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: encode webhook event payload: %w", err)
	}

	now := s.now()
	receivedAt := event.ReceivedAt.UTC()
	if event.ReceivedAt.IsZero() {
		receivedAt = now
	}
	modifiedAt := event.ProviderModifiedAt.UTC()
	if event.ProviderModifiedAt.IsZero() {
		modifiedAt = event.Payload.ModifiedAt.UTC()
	}
	claimExpiresAt := now.Add(in.Lease)
	record := &webhookEventRecord{
		ID:                 uuid.NewString(),
		Provider:           string(event.Provider),
		EventKey:           eventKey,
		RawSHA256:          strings.TrimSpace(event.RawSHA256),
		RemoteID:           strings.TrimSpace(event.Payload.RemoteID),
		ProviderStatus:     strings.TrimSpace(event.Payload.ProviderStatus),
		Payload:            string(payload),
		ReceivedAt:         receivedAt,
		ProviderModifiedAt: modifiedAt,
		ClaimedAt:          &now,
		ClaimExpiresAt:     &claimExpiresAt,
		ClaimedBy:          optionalString(in.WorkerID),
		Attempts:           0,
		Status:             string(core.EventStatusPending),
		UpdatedAt:          now,
	}

	result, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (event_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.WebhookEvent{}, false, err
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected > 0 {
		created, err := record.toDomain()
		return created, true, err
	}

	existing, err := s.GetByKey(ctx, eventKey)
	if err != nil {
		return core.WebhookEvent{}, false, err
	}
	return existing, false, nil
}

func (s *WebhookEventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	return s.findOne(ctx, id, "?TableAlias.id = ?", strings.TrimSpace(id))
}

func (s *WebhookEventStore) GetByKey(ctx context.Context, eventKey string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	return s.findOne(ctx, eventKey, "?TableAlias.event_key = ?", strings.TrimSpace(eventKey))
}

// ClaimByID leases one specific unapplied event if nobody holds a live claim.
func (s *WebhookEventStore) ClaimByID(
	ctx context.Context,
	id string,
	workerID string,
	lease time.Duration,
) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event id is required")
	}
	now := s.now()
	return s.claim(ctx, workerID, lease, now, expr("id = ?", id))
}

// ClaimNext leases the oldest eligible event. Concurrent callers race on the
// same conditional update and the losers see no row.
func (s *WebhookEventStore) ClaimNext(
	ctx context.Context,
	workerID string,
	lease time.Duration,
) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	now := s.now()
	oldest := expr(
		"id IN (SELECT id FROM webhook_events WHERE "+claimableEventExpr+" ORDER BY received_at ASC, id ASC LIMIT 1)",
		now,
	)
	return s.claim(ctx, workerID, lease, now, oldest)
}

func (s *WebhookEventStore) claim(
	ctx context.Context,
	workerID string,
	lease time.Duration,
	now time.Time,
	target sqlExpr,
) (core.WebhookEvent, bool, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: claim worker id is required")
	}
	if lease <= 0 {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: claim lease must be positive")
	}
	rows, err := compareAndSwap[webhookEventRecord](ctx, s.db, casUpdate{
		table: "webhook_events",
		set: []sqlExpr{
			expr("claimed_at = ?", now),
			expr("claim_expires_at = ?", now.Add(lease)),
			expr("claimed_by = ?", workerID),
			expr("updated_at = ?", now),
		},
		where: []sqlExpr{
			target,
			expr(claimableEventExpr, now),
		},
	})
	if err != nil {
		return core.WebhookEvent{}, false, err
	}
	if len(rows) == 0 {
		return core.WebhookEvent{}, false, nil
	}
	event, err := rows[0].toDomain()
	if err != nil {
		return core.WebhookEvent{}, false, err
	}
	return event, true, nil
}

// RecordOutcome persists the first decision for the event and drops its
// claim. Later decisions for an already decided event are ignored.
func (s *WebhookEventStore) RecordOutcome(ctx context.Context, id string, outcome core.ApplyOutcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: webhook event id is required")
	}
	if strings.TrimSpace(string(outcome.Result)) == "" {
		return fmt.Errorf("sqlstore: webhook event outcome result is required")
	}
	status := core.EventStatusPending
	if outcome.NeedsReview {
		status = core.EventStatusNeedsReview
	}
	now := s.now()
	_, err := compareAndSwap[webhookEventRecord](ctx, s.db, casUpdate{
		table: "webhook_events",
		set: []sqlExpr{
			expr("applied_result = ?", string(outcome.Result)),
			expr("applied_error_code = ?", strings.TrimSpace(outcome.ErrorCode)),
			expr("applied_at = ?", now),
			expr("status = ?", string(status)),
			expr("claimed_by = NULL"),
			expr("claim_expires_at = NULL"),
			expr("updated_at = ?", now),
		},
		where: []sqlExpr{
			expr("id = ?", id),
			expr("applied_result IS NULL"),
		},
		returning: "id",
	})
	return err
}

// RecordRetry counts a transient failure and pushes the claim lease out to
// the retry time. Reaching the attempt budget moves the event to review.
func (s *WebhookEventStore) RecordRetry(ctx context.Context, in core.RetryEventInput) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event id is required")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := s.now()
	retryAt := in.RetryAt.UTC()
	if in.RetryAt.IsZero() {
		retryAt = now
	}
	rows, err := compareAndSwap[webhookEventRecord](ctx, s.db, casUpdate{
		table: "webhook_events",
		set: []sqlExpr{
			expr("attempts = attempts + 1"),
			expr("applied_error_code = ?", strings.TrimSpace(in.ErrorCode)),
			expr("claimed_by = NULL"),
			expr("claim_expires_at = ?", retryAt),
			expr("updated_at = ?", now),
		},
		where: []sqlExpr{
			expr("id = ?", eventID),
			expr("applied_result IS NULL"),
		},
	})
	if err != nil {
		return core.WebhookEvent{}, err
	}
	if len(rows) == 0 {
		return s.Get(ctx, eventID)
	}
	if rows[0].Attempts < maxAttempts {
		return rows[0].toDomain()
	}

	rows, err = compareAndSwap[webhookEventRecord](ctx, s.db, casUpdate{
		table: "webhook_events",
		set: []sqlExpr{
			expr("status = ?", string(core.EventStatusNeedsReview)),
			expr("applied_result = ?", string(core.AppliedResultRejected)),
			expr("applied_at = ?", now),
			expr("claim_expires_at = NULL"),
			expr("updated_at = ?", now),
		},
		where: []sqlExpr{
			expr("id = ?", eventID),
			expr("applied_result IS NULL"),
			expr("attempts >= ?", maxAttempts),
		},
	})
	if err != nil {
		return core.WebhookEvent{}, err
	}
	if len(rows) == 0 {
		return s.Get(ctx, eventID)
	}
	return rows[0].toDomain()
}

func (s *WebhookEventStore) ListNeedsReview(ctx context.Context, query core.EventQuery) ([]core.WebhookEvent, int, error) {
	return s.list(ctx, query, repository.SelectBy("status", "=", string(core.EventStatusNeedsReview)))
}

// ListStuckPending returns undecided events received before the cutoff.
func (s *WebhookEventStore) ListStuckPending(ctx context.Context, query core.EventQuery) ([]core.WebhookEvent, int, error) {
	return s.list(ctx, query,
		repository.SelectBy("status", "=", string(core.EventStatusPending)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.applied_result IS NULL")
		}),
	)
}

func (s *WebhookEventStore) list(
	ctx context.Context,
	query core.EventQuery,
	criteria ...repository.SelectCriteria,
) ([]core.WebhookEvent, int, error) {
	if s == nil || s.repo == nil {
		return nil, 0, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	selectors := append([]repository.SelectCriteria{}, criteria...)
	if !query.ReceivedBefore.IsZero() {
		before := query.ReceivedBefore.UTC()
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.received_at <= ?", before)
		}))
	}
	selectors = append(selectors,
		repository.OrderBy("received_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, 0, err
	}
	events, err := eventRecordsToDomain(records)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *WebhookEventStore) findOne(ctx context.Context, label string, where string, arg any) (core.WebhookEvent, error) {
	record := new(webhookEventRecord)
	err := s.db.NewSelect().Model(record).Where(where, arg).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, fmt.Errorf("%w: %s", core.ErrWebhookEventNotFound, label)
		}
		return core.WebhookEvent{}, err
	}
	return record.toDomain()
}
