package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type OrderStore interface {
	Create(ctx context.Context, in CreateOrderInput) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	ListItems(ctx context.Context, orderID string) ([]OrderItem, error)
	GuardedPaymentStatusUpdate(ctx context.Context, update GuardedUpdate) (TransitionResult, error)
	AppendInvoice(ctx context.Context, orderID string, invoiceID string) error
	ClaimForSweep(ctx context.Context, orderID string, workerID string, ttl time.Duration) (bool, error)
	ListRestockCandidates(ctx context.Context, query RestockQuery) ([]Order, error)
}

type RestockQuery struct {
	CreatedBefore time.Time
	Now           time.Time
	Limit         int
}

type NewAttemptInput struct {
	OrderID             string
	Provider            Provider
	AttemptNumber       int
	Currency            string
	ExpectedAmountMinor int64
	CreatingLeaseUntil  time.Time
}

// AttemptTransition is applied by one conditional update. Zero values of the
// optional fields leave the column untouched.
type AttemptTransition struct {
	AttemptID string
	From      []AttemptStatus
	To        AttemptStatus
	// ProviderModifiedAt guards ordering (stored value must be null or not
	// newer) and is written on success.
	ProviderModifiedAt *time.Time
	// LeaseExpiredAt requires creating_lease_expires_at to be at or before it.
	LeaseExpiredAt *time.Time
	RemoteID       string
	ErrorCode      string
	Metadata       *AttemptMetadata
}

type AttemptStore interface {
	Get(ctx context.Context, id string) (PaymentAttempt, error)
	GetByRemoteID(ctx context.Context, provider Provider, remoteID string) (PaymentAttempt, error)
	GetOpenByOrder(ctx context.Context, orderID string) (PaymentAttempt, bool, error)
	NextAttemptNumber(ctx context.Context, orderID string) (int, error)
	CreateCreating(ctx context.Context, in NewAttemptInput) (PaymentAttempt, error)
	Transition(ctx context.Context, in AttemptTransition) (PaymentAttempt, bool, error)
	ListStaleCreating(ctx context.Context, now time.Time, limit int) ([]PaymentAttempt, error)
}

type ReserveEventInput struct {
	Event    WebhookEvent
	WorkerID string
	Lease    time.Duration
}

type RetryEventInput struct {
	EventID     string
	ErrorCode   string
	RetryAt     time.Time
	MaxAttempts int
}

type EventQuery struct {
	ReceivedBefore time.Time
	Limit          int
}

type WebhookEventStore interface {
	// Reserve inserts the event already claimed by workerID. When the event
	// key exists the stored row is returned with created=false.
	Reserve(ctx context.Context, in ReserveEventInput) (WebhookEvent, bool, error)
	ClaimByID(ctx context.Context, id string, workerID string, lease time.Duration) (WebhookEvent, bool, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (WebhookEvent, bool, error)
	RecordOutcome(ctx context.Context, id string, outcome ApplyOutcome) error
	RecordRetry(ctx context.Context, in RetryEventInput) (WebhookEvent, error)
	ListNeedsReview(ctx context.Context, query EventQuery) ([]WebhookEvent, int, error)
	ListStuckPending(ctx context.Context, query EventQuery) ([]WebhookEvent, int, error)
}

type ReleaseResult struct {
	Released        bool
	AlreadyRestored bool
}

type InventoryLedger interface {
	Reserve(ctx context.Context, orderID string, productID string, quantity int) (bool, error)
	Release(ctx context.Context, orderID string, productID string, quantity int) (bool, error)
	ReserveOrder(ctx context.Context, orderID string) (InventoryStatus, error)
	ReleaseOrder(ctx context.Context, orderID string) (ReleaseResult, error)
	Stock(ctx context.Context, productID string) (int, error)
}

// Stores groups the stores bound to one database handle.
type Stores interface {
	Orders() OrderStore
	Attempts() AttemptStore
	Events() WebhookEventStore
	Inventory() InventoryLedger
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

type StoreProvider interface {
	Stores
	TxRunner
}

type CreateInvoiceRequest struct {
	OrderID        string
	AttemptID      string
	IdempotencyKey string
	AmountMinor    int64
	Currency       string
	Reference      string
}

type Invoice struct {
	RemoteID  string
	PageURL   string
	Reference string
}

type PaymentGateway interface {
	Provider() Provider
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	CancelInvoice(ctx context.Context, remoteID string) error
}

// WebhookCodec parses a verified provider webhook body.
type WebhookCodec interface {
	Provider() Provider
	SignatureHeader() string
	Parse(raw []byte) (ProviderEvent, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
