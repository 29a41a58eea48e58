package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/ratelimit"
	sqlstore "github.com/goliatone/go-payments/store/sql"
	"github.com/goliatone/go-payments/store/sql/sqlstoretest"
)

const testSecret = "whsec_test"

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testCodec struct{}

type testPayload struct {
	ID         string    `json:"id,omitempty"`
	RemoteID   string    `json:"remote_id"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (testCodec) Provider() core.Provider {
	return core.ProviderMonobank
}

func (testCodec) SignatureHeader() string {
	return "X-Test-Sign"
}

func (testCodec) Parse(raw []byte) (core.ProviderEvent, error) {
	var payload testPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.ProviderEvent{}, fmt.Errorf("decode test payload: %w", err)
	}
	status := core.NormalizedStatusPending
	switch payload.Status {
	case "success":
		status = core.NormalizedStatusSucceeded
	case "failure":
		status = core.NormalizedStatusFailed
	case "reversed":
		status = core.NormalizedStatusReversed
	}
	return core.ProviderEvent{
		EventID:        payload.ID,
		RemoteID:       payload.RemoteID,
		ProviderStatus: payload.Status,
		Status:         status,
		AmountMinor:    payload.Amount,
		Currency:       payload.Currency,
		ModifiedAt:     payload.ModifiedAt,
	}, nil
}

func testBody(t *testing.T, payload testPayload) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func testSign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type pipeline struct {
	factory  *sqlstore.RepositoryFactory
	clock    *sqlstoretest.Clock
	applier  *core.EventApplier
	ingestor *Ingestor
}

func newPipeline(t *testing.T, rateLimit int) *pipeline {
	t.Helper()
	clock := sqlstoretest.NewClock(testStart)
	factory := sqlstoretest.NewFactory(t, clock.Now)
	applier := core.NewEventApplier(factory, nil, nil, nil, clock.Now)

	limiter := ratelimit.NewFixedWindowLimiter(factory.RateLimitCounterStore(), rateLimit, time.Minute)
	limiter.Now = clock.Now
	ingestor := NewIngestor(factory.Events(), applier, limiter)
	ingestor.Now = clock.Now
	ingestor.MaxAttempts = 3
	ingestor.RetryPolicy = ExponentialRetryPolicy{Initial: 5 * time.Second, Max: time.Minute}
	if err := ingestor.Register(ProviderBinding{
		Codec:    testCodec{},
		Verifier: NewKeyedVerifier(NewStaticKeyProvider(testSecret), HMACCheck("", "hex")),
	}); err != nil {
		t.Fatalf("register binding: %v", err)
	}
	return &pipeline{factory: factory, clock: clock, applier: applier, ingestor: ingestor}
}

// activeOrder creates a reserved monobank order of 1000 minor units with an
// active attempt whose remote id is remoteID.
func (p *pipeline) activeOrder(t *testing.T, key string, remoteID string) (core.Order, core.PaymentAttempt) {
	t.Helper()
	ctx := context.Background()
	sqlstoretest.SeedProduct(t, p.factory, "product-"+key, 5)
	order, err := p.factory.Orders().Create(ctx, core.CreateOrderInput{
		Currency:       "UAH",
		Provider:       core.ProviderMonobank,
		IdempotencyKey: key,
		Items:          []core.OrderItem{{ProductID: "product-" + key, Quantity: 1, UnitAmountMinor: 1000}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := p.factory.Inventory().ReserveOrder(ctx, order.ID); err != nil {
		t.Fatalf("reserve order: %v", err)
	}
	attempt, err := p.factory.Attempts().CreateCreating(ctx, core.NewAttemptInput{
		OrderID:             order.ID,
		Provider:            core.ProviderMonobank,
		AttemptNumber:       1,
		Currency:            "UAH",
		ExpectedAmountMinor: 1000,
		CreatingLeaseUntil:  p.clock.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	attempt, ok, err := p.factory.Attempts().Transition(ctx, core.AttemptTransition{
		AttemptID: attempt.ID,
		From:      []core.AttemptStatus{core.AttemptStatusCreating},
		To:        core.AttemptStatusActive,
		RemoteID:  remoteID,
	})
	if err != nil || !ok {
		t.Fatalf("activate attempt: ok=%v err=%v", ok, err)
	}
	return order, attempt
}

func (p *pipeline) order(t *testing.T, id string) core.Order {
	t.Helper()
	order, err := p.factory.Orders().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return order
}

func (p *pipeline) ingest(t *testing.T, body []byte, signature string) IngestResult {
	t.Helper()
	result, err := p.ingestor.Ingest(context.Background(), IngestRequest{
		ProviderID: "monobank",
		Body:       body,
		Signature:  signature,
		Origin:     "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return result
}

// lookupCodec fails every parse as if the provider API were unreachable.
type lookupCodec struct{ testCodec }

func (lookupCodec) Provider() core.Provider {
	return core.ProviderStripe
}

func (lookupCodec) ParseContext(context.Context, []byte) (core.ProviderEvent, error) {
	return core.ProviderEvent{}, fmt.Errorf("%w: connection refused", ErrRemoteLookup)
}
