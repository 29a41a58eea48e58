package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidProvider        = errors.New("core: invalid payment provider")
	ErrInvalidPaymentStatus   = errors.New("core: invalid payment status")
	ErrInvalidAttemptStatus   = errors.New("core: invalid attempt status")
	ErrInvalidInventoryMove   = errors.New("core: invalid inventory move")
	ErrInsufficientStock      = errors.New("core: insufficient stock")
	ErrOrderNotFound          = errors.New("core: order not found")
	ErrAttemptNotFound        = errors.New("core: payment attempt not found")
	ErrWebhookEventNotFound   = errors.New("core: webhook event not found")
	ErrInventoryNotReleasable = errors.New("core: inventory is not releasable")
)

type Provider string

const (
	ProviderNone     Provider = "none"
	ProviderMonobank Provider = "monobank"
	ProviderStripe   Provider = "stripe"
)

func ParseProvider(value string) (Provider, error) {
	switch provider := Provider(strings.TrimSpace(strings.ToLower(value))); provider {
	case ProviderNone, ProviderMonobank, ProviderStripe:
		return provider, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, value)
	}
}

// Remote reports whether the provider issues remote payment objects.
func (p Provider) Remote() bool {
	return p == ProviderMonobank || p == ProviderStripe
}

type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusRequiresPayment PaymentStatus = "requires_payment"
	PaymentStatusPaid            PaymentStatus = "paid"
	PaymentStatusFailed          PaymentStatus = "failed"
	PaymentStatusRefunded        PaymentStatus = "refunded"
)

func ParsePaymentStatus(value string) (PaymentStatus, error) {
	switch status := PaymentStatus(strings.TrimSpace(strings.ToLower(value))); status {
	case PaymentStatusPending,
		PaymentStatusRequiresPayment,
		PaymentStatusPaid,
		PaymentStatusFailed,
		PaymentStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, value)
	}
}

type OrderStatus string

const (
	OrderStatusCreated           OrderStatus = "CREATED"
	OrderStatusInventoryReserved OrderStatus = "INVENTORY_RESERVED"
	OrderStatusInventoryFailed   OrderStatus = "INVENTORY_FAILED"
	OrderStatusPaid              OrderStatus = "PAID"
	OrderStatusCanceled          OrderStatus = "CANCELED"
)

type InventoryStatus string

const (
	InventoryStatusNone           InventoryStatus = "none"
	InventoryStatusReserving      InventoryStatus = "reserving"
	InventoryStatusReserved       InventoryStatus = "reserved"
	InventoryStatusReleasePending InventoryStatus = "release_pending"
	InventoryStatusReleased       InventoryStatus = "released"
)

type Order struct {
	ID               string
	TotalAmountMinor int64
	Currency         string
	Provider         Provider
	PaymentStatus    PaymentStatus
	Status           OrderStatus
	InventoryStatus  InventoryStatus
	IdempotencyKey   string
	StockRestored    bool
	RestockedAt      *time.Time
	Metadata         OrderMetadata
	SweepClaimedBy   string
	SweepClaimedAt   *time.Time
	SweepExpiresAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderItem struct {
	ID              string
	OrderID         string
	ProductID       string
	Quantity        int
	UnitAmountMinor int64
}

type CreateOrderInput struct {
	ID             string
	Currency       string
	Provider       Provider
	IdempotencyKey string
	Items          []OrderItem
}

func (in CreateOrderInput) Validate() error {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return fmt.Errorf("core: order idempotency key is required")
	}
	if strings.TrimSpace(in.Currency) == "" {
		return fmt.Errorf("core: order currency is required")
	}
	if _, err := ParseProvider(string(in.Provider)); err != nil {
		return err
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("core: order requires at least one item")
	}
	for _, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("core: order item product id is required")
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("core: order item quantity must be positive")
		}
		if item.UnitAmountMinor < 0 {
			return fmt.Errorf("core: order item amount must not be negative")
		}
	}
	return nil
}

// Total returns the order total in minor units.
func (in CreateOrderInput) Total() int64 {
	var total int64
	for _, item := range in.Items {
		total += int64(item.Quantity) * item.UnitAmountMinor
	}
	return total
}

type AttemptStatus string

const (
	AttemptStatusCreating  AttemptStatus = "creating"
	AttemptStatusActive    AttemptStatus = "active"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCanceled  AttemptStatus = "canceled"
)

// Open reports whether the attempt still counts against the one-open-attempt rule.
func (s AttemptStatus) Open() bool {
	return s == AttemptStatusCreating || s == AttemptStatusActive
}

func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed || s == AttemptStatusCanceled
}

type PaymentAttempt struct {
	ID                  string
	OrderID             string
	Provider            Provider
	Status              AttemptStatus
	AttemptNumber       int
	Currency            string
	ExpectedAmountMinor int64
	IdempotencyKey      string
	RemoteID            string
	Metadata            AttemptMetadata
	LastErrorCode       string
	ProviderModifiedAt  *time.Time
	CreatingLeaseUntil  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AttemptIdempotencyKey is a pure function of the order and the attempt number.
func AttemptIdempotencyKey(orderID string, attemptNumber int) string {
	return fmt.Sprintf("order:%s:attempt:%d", strings.TrimSpace(orderID), attemptNumber)
}

type EventStatus string

const (
	EventStatusPending     EventStatus = "pending"
	EventStatusNeedsReview EventStatus = "needs_review"
)

type AppliedResult string

const (
	AppliedResultApplied  AppliedResult = "applied"
	AppliedResultNoop     AppliedResult = "applied_noop"
	AppliedResultRejected AppliedResult = "rejected"
)

// NormalizedStatus is the provider-independent view of a provider payment status.
type NormalizedStatus string

const (
	NormalizedStatusPending   NormalizedStatus = "pending"
	NormalizedStatusSucceeded NormalizedStatus = "succeeded"
	NormalizedStatusFailed    NormalizedStatus = "failed"
	NormalizedStatusExpired   NormalizedStatus = "expired"
	NormalizedStatusDeclined  NormalizedStatus = "declined"
	NormalizedStatusReversed  NormalizedStatus = "reversed"
)

// FailureFamily reports whether the status ends an attempt without a capture.
func (s NormalizedStatus) FailureFamily() bool {
	switch s {
	case NormalizedStatusFailed, NormalizedStatusExpired, NormalizedStatusDeclined, NormalizedStatusReversed:
		return true
	default:
		return false
	}
}

// ProviderEvent is a parsed, provider-independent webhook payload. The raw
// request body is never stored.
type ProviderEvent struct {
	Provider       Provider         `json:"provider"`
	EventID        string           `json:"event_id,omitempty"`
	RemoteID       string           `json:"remote_id"`
	ProviderStatus string           `json:"provider_status"`
	Status         NormalizedStatus `json:"status"`
	AmountMinor    int64            `json:"amount_minor"`
	Currency       string           `json:"currency,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	ModifiedAt     time.Time        `json:"modified_at"`
	Reference      string           `json:"reference,omitempty"`
}

func (e ProviderEvent) Validate() error {
	if strings.TrimSpace(e.RemoteID) == "" {
		return fmt.Errorf("core: provider event remote id is required")
	}
	if strings.TrimSpace(string(e.Status)) == "" {
		return fmt.Errorf("core: provider event status is required")
	}
	if e.ModifiedAt.IsZero() {
		return fmt.Errorf("core: provider event modified time is required")
	}
	return nil
}

type WebhookEvent struct {
	ID                 string
	Provider           Provider
	EventKey           string
	RawSHA256          string
	Payload            ProviderEvent
	ReceivedAt         time.Time
	ProviderModifiedAt time.Time
	ClaimedAt          *time.Time
	ClaimExpiresAt     *time.Time
	ClaimedBy          string
	Attempts           int
	Status             EventStatus
	AppliedResult      AppliedResult
	AppliedErrorCode   string
	AppliedAt          *time.Time
	UpdatedAt          time.Time
}

// Decided reports whether the event already has a persisted apply outcome.
func (e WebhookEvent) Decided() bool {
	return strings.TrimSpace(string(e.AppliedResult)) != ""
}

type InventoryMoveKind string

const (
	InventoryMoveReserve InventoryMoveKind = "reserve"
	InventoryMoveRelease InventoryMoveKind = "release"
)

type InventoryMove struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	Kind      InventoryMoveKind
	CreatedAt time.Time
}

func (m InventoryMove) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" || strings.TrimSpace(m.ProductID) == "" {
		return fmt.Errorf("%w: order and product are required", ErrInvalidInventoryMove)
	}
	if m.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInventoryMove)
	}
	if m.Kind != InventoryMoveReserve && m.Kind != InventoryMoveRelease {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInventoryMove, m.Kind)
	}
	return nil
}

type Product struct {
	ID        string
	SKU       string
	Stock     int
	UpdatedAt time.Time
}
