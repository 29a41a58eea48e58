package sqlstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/uptrace/bun"
)

type productRecord struct {
	bun.BaseModel `bun:"table:products,alias:p"`

	ID        string    `bun:"id,pk"`
	SKU       string    `bun:"sku,notnull"`
	Stock     int       `bun:"stock,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type orderRecord struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID                  string             `bun:"id,pk"`
	TotalAmountMinor    int64              `bun:"total_amount_minor,notnull"`
	Currency            string             `bun:"currency,notnull"`
	PaymentProvider     string             `bun:"payment_provider,notnull"`
	PaymentStatus       string             `bun:"payment_status,notnull"`
	Status              string             `bun:"status,notnull"`
	InventoryStatus     string             `bun:"inventory_status,notnull"`
	IdempotencyKey      string             `bun:"idempotency_key,notnull"`
	StockRestored       bool               `bun:"stock_restored,notnull"`
	RestockedAt         *time.Time         `bun:"restocked_at,nullzero"`
	ProviderMetadata    core.OrderMetadata `bun:"provider_metadata,notnull"`
	SweepClaimedBy      *string            `bun:"sweep_claimed_by"`
	SweepClaimedAt      *time.Time         `bun:"sweep_claimed_at,nullzero"`
	SweepClaimExpiresAt *time.Time         `bun:"sweep_claim_expires_at,nullzero"`
	CreatedAt           time.Time          `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time          `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type orderItemRecord struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID              string `bun:"id,pk"`
	OrderID         string `bun:"order_id,notnull"`
	ProductID       string `bun:"product_id,notnull"`
	Quantity        int    `bun:"quantity,notnull"`
	UnitAmountMinor int64  `bun:"unit_amount_minor,notnull"`
}

type paymentAttemptRecord struct {
	bun.BaseModel `bun:"table:payment_attempts,alias:pa"`

	ID                     string               `bun:"id,pk"`
	OrderID                string               `bun:"order_id,notnull"`
	Provider               string               `bun:"provider,notnull"`
	Status                 string               `bun:"status,notnull"`
	AttemptNumber          int                  `bun:"attempt_number,notnull"`
	Currency               string               `bun:"currency,notnull"`
	ExpectedAmountMinor    int64                `bun:"expected_amount_minor,notnull"`
	IdempotencyKey         string               `bun:"idempotency_key,notnull"`
	ProviderPaymentIntent  *string              `bun:"provider_payment_intent_id"`
	Metadata               core.AttemptMetadata `bun:"metadata,notnull"`
	LastErrorCode          string               `bun:"last_error_code,notnull"`
	ProviderModifiedAt     *time.Time           `bun:"provider_modified_at,nullzero"`
	CreatingLeaseExpiresAt *time.Time           `bun:"creating_lease_expires_at,nullzero"`
	CreatedAt              time.Time            `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt              time.Time            `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:webhook_events,alias:we"`

	ID                 string     `bun:"id,pk"`
	Provider           string     `bun:"provider,notnull"`
	EventKey           string     `bun:"event_key,notnull"`
	RawSHA256          string     `bun:"raw_sha256,notnull"`
	RemoteID           string     `bun:"remote_id,notnull"`
	ProviderStatus     string     `bun:"provider_status,notnull"`
	Payload            string     `bun:"payload,notnull"`
	ReceivedAt         time.Time  `bun:"received_at,notnull"`
	ProviderModifiedAt time.Time  `bun:"provider_modified_at,notnull"`
	ClaimedAt          *time.Time `bun:"claimed_at,nullzero"`
	ClaimExpiresAt     *time.Time `bun:"claim_expires_at,nullzero"`
	ClaimedBy          *string    `bun:"claimed_by"`
	Attempts           int        `bun:"attempts,notnull"`
	Status             string     `bun:"status,notnull"`
	AppliedResult      *string    `bun:"applied_result"`
	AppliedErrorCode   string     `bun:"applied_error_code,notnull"`
	AppliedAt          *time.Time `bun:"applied_at,nullzero"`
	UpdatedAt          time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type inventoryMoveRecord struct {
	bun.BaseModel `bun:"table:inventory_moves,alias:im"`

	ID        string    `bun:"id,pk"`
	OrderID   string    `bun:"order_id,notnull"`
	ProductID string    `bun:"product_id,notnull"`
	Quantity  int       `bun:"quantity,notnull"`
	Kind      string    `bun:"kind,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitCounterRecord struct {
	bun.BaseModel `bun:"table:rate_limit_counters,alias:rlc"`

	Subject     string    `bun:"subject,pk"`
	WindowStart time.Time `bun:"window_start,pk"`
	Count       int       `bun:"count,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *productRecord) toDomain() core.Product {
	if r == nil {
		return core.Product{}
	}
	return core.Product{
		ID:        r.ID,
		SKU:       r.SKU,
		Stock:     r.Stock,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r *orderRecord) toDomain() core.Order {
	if r == nil {
		return core.Order{}
	}
	return core.Order{
		ID:               r.ID,
		TotalAmountMinor: r.TotalAmountMinor,
		Currency:         r.Currency,
		Provider:         core.Provider(r.PaymentProvider),
		PaymentStatus:    core.PaymentStatus(r.PaymentStatus),
		Status:           core.OrderStatus(r.Status),
		InventoryStatus:  core.InventoryStatus(r.InventoryStatus),
		IdempotencyKey:   r.IdempotencyKey,
		StockRestored:    r.StockRestored,
		RestockedAt:      copyTime(r.RestockedAt),
		Metadata:         r.ProviderMetadata,
		SweepClaimedBy:   derefString(r.SweepClaimedBy),
		SweepClaimedAt:   copyTime(r.SweepClaimedAt),
		SweepExpiresAt:   copyTime(r.SweepClaimExpiresAt),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r *orderItemRecord) toDomain() core.OrderItem {
	if r == nil {
		return core.OrderItem{}
	}
	return core.OrderItem{
		ID:              r.ID,
		OrderID:         r.OrderID,
		ProductID:       r.ProductID,
		Quantity:        r.Quantity,
		UnitAmountMinor: r.UnitAmountMinor,
	}
}

func (r *paymentAttemptRecord) toDomain() core.PaymentAttempt {
	if r == nil {
		return core.PaymentAttempt{}
	}
	return core.PaymentAttempt{
		ID:                  r.ID,
		OrderID:             r.OrderID,
		Provider:            core.Provider(r.Provider),
		Status:              core.AttemptStatus(r.Status),
		AttemptNumber:       r.AttemptNumber,
		Currency:            r.Currency,
		ExpectedAmountMinor: r.ExpectedAmountMinor,
		IdempotencyKey:      r.IdempotencyKey,
		RemoteID:            derefString(r.ProviderPaymentIntent),
		Metadata:            r.Metadata,
		LastErrorCode:       r.LastErrorCode,
		ProviderModifiedAt:  copyTime(r.ProviderModifiedAt),
		CreatingLeaseUntil:  copyTime(r.CreatingLeaseExpiresAt),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (r *webhookEventRecord) toDomain() (core.WebhookEvent, error) {
	if r == nil {
		return core.WebhookEvent{}, nil
	}
	event := core.WebhookEvent{
		ID:                 r.ID,
		Provider:           core.Provider(r.Provider),
		EventKey:           r.EventKey,
		RawSHA256:          r.RawSHA256,
		ReceivedAt:         r.ReceivedAt,
		ProviderModifiedAt: r.ProviderModifiedAt,
		ClaimedAt:          copyTime(r.ClaimedAt),
		ClaimExpiresAt:     copyTime(r.ClaimExpiresAt),
		ClaimedBy:          derefString(r.ClaimedBy),
		Attempts:           r.Attempts,
		Status:             core.EventStatus(r.Status),
		AppliedResult:      core.AppliedResult(derefString(r.AppliedResult)),
		AppliedErrorCode:   r.AppliedErrorCode,
		AppliedAt:          copyTime(r.AppliedAt),
		UpdatedAt:          r.UpdatedAt,
	}
	if payload := strings.TrimSpace(r.Payload); payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return core.WebhookEvent{}, fmt.Errorf("sqlstore: decode webhook event %s payload: %w", r.ID, err)
		}
	}
	return event, nil
}

func (r *inventoryMoveRecord) toDomain() core.InventoryMove {
	if r == nil {
		return core.InventoryMove{}
	}
	return core.InventoryMove{
		ID:        r.ID,
		OrderID:   r.OrderID,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		Kind:      core.InventoryMoveKind(r.Kind),
		CreatedAt: r.CreatedAt,
	}
}

func eventRecordsToDomain(records []*webhookEventRecord) ([]core.WebhookEvent, error) {
	events := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		event, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func copyTime(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}

func derefString(input *string) string {
	if input == nil {
		return ""
	}
	return *input
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
