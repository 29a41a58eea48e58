package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/providers/devkit"
	sqlstore "github.com/goliatone/go-payments/store/sql"
	"github.com/goliatone/go-payments/store/sql/sqlstoretest"
)

var serviceStart = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	factory *sqlstore.RepositoryFactory
	clock   *sqlstoretest.Clock
	gateway *devkit.FakeGateway
	service *core.Service
}

func newHarness(t *testing.T, cfg core.Config, wrap func(core.StoreProvider) core.StoreProvider, scripts ...devkit.GatewayScript) *harness {
	t.Helper()
	clock := sqlstoretest.NewClock(serviceStart)
	factory := sqlstoretest.NewFactory(t, clock.Now)
	var stores core.StoreProvider = factory
	if wrap != nil {
		stores = wrap(factory)
	}
	gateway := devkit.NewFakeGateway(core.ProviderStripe, scripts...)
	service, err := core.NewService(cfg,
		core.WithStores(stores),
		core.WithGateway(gateway),
		core.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{factory: factory, clock: clock, gateway: gateway, service: service}
}

func (h *harness) order(t *testing.T, key string, provider core.Provider, stock int) core.Order {
	t.Helper()
	sqlstoretest.SeedProduct(t, h.factory, "prd-"+key, stock)
	order, err := h.service.CreateOrder(context.Background(), core.CreateOrderInput{
		Currency:       "UAH",
		Provider:       provider,
		IdempotencyKey: key,
		Items:          []core.OrderItem{{ProductID: "prd-" + key, Quantity: 1, UnitAmountMinor: 1000}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (h *harness) stock(t *testing.T, key string) int {
	t.Helper()
	stock, err := h.factory.Inventory().Stock(context.Background(), "prd-"+key)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	return stock
}

func (h *harness) get(t *testing.T, orderID string) core.Order {
	t.Helper()
	order, err := h.service.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return order
}

func (h *harness) attempt(t *testing.T, attemptID string) core.PaymentAttempt {
	t.Helper()
	attempt, err := h.factory.Attempts().Get(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	return attempt
}

func webhookEvent(id string, remoteID string, status core.NormalizedStatus, amount int64, modifiedAt time.Time) core.WebhookEvent {
	return core.WebhookEvent{
		ID:       id,
		Provider: core.ProviderStripe,
		EventKey: id,
		Payload: core.ProviderEvent{
			Provider:       core.ProviderStripe,
			EventID:        id,
			RemoteID:       remoteID,
			ProviderStatus: string(status),
			Status:         status,
			AmountMinor:    amount,
			Currency:       "uah",
			ModifiedAt:     modifiedAt,
		},
		ReceivedAt:         modifiedAt,
		ProviderModifiedAt: modifiedAt,
	}
}

func TestCreateOrderReservesInventory(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "reserve", core.ProviderStripe, 3)

	if order.InventoryStatus != core.InventoryStatusReserved || order.Status != core.OrderStatusInventoryReserved {
		t.Fatalf("expected reserved order, got %s/%s", order.InventoryStatus, order.Status)
	}
	if order.PaymentStatus != core.PaymentStatusPending || order.TotalAmountMinor != 1000 {
		t.Fatalf("unexpected payment fields %#v", order)
	}
	if got := h.stock(t, "reserve"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
}

func TestCreateOrderWithoutStockIsInventoryFailed(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "empty", core.ProviderStripe, 0)

	if order.Status != core.OrderStatusInventoryFailed || order.InventoryStatus != core.InventoryStatusNone {
		t.Fatalf("expected INVENTORY_FAILED order, got %s/%s", order.Status, order.InventoryStatus)
	}
	if got := h.stock(t, "empty"); got != 0 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestCreateAttemptRequiresReservedInventory(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "unreserved", core.ProviderStripe, 0)
	ctx := context.Background()

	_, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if err == nil {
		t.Fatalf("expected checkout without reserved inventory to fail")
	}
	if mapped := core.MapServiceError(err); mapped.TextCode != core.ServiceErrorConflict || mapped.Code != 409 {
		t.Fatalf("expected 409 %s, got %d %s", core.ServiceErrorConflict, mapped.Code, mapped.TextCode)
	}
	if len(h.gateway.Requests()) != 0 {
		t.Fatalf("expected no remote invoice, got %v", h.gateway.Requests())
	}
	if _, found, err := h.factory.Attempts().GetOpenByOrder(ctx, order.ID); err != nil || found {
		t.Fatalf("expected no attempt, found=%v err=%v", found, err)
	}

	outcome, err := h.service.ApplyEvent(ctx, webhookEvent("evt_unreserved", "inv_1", core.NormalizedStatusSucceeded, 1000, h.clock.Now()))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Result == core.AppliedResultApplied {
		t.Fatalf("success for an unknown invoice must not apply, got %#v", outcome)
	}
	stored := h.get(t, order.ID)
	if stored.PaymentStatus != core.PaymentStatusPending || stored.Status != core.OrderStatusInventoryFailed {
		t.Fatalf("expected order untouched, got %s/%s", stored.PaymentStatus, stored.Status)
	}
}

func TestCreateAttemptActivatesAndReuses(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "happy", core.ProviderStripe, 3)
	ctx := context.Background()

	first, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if first.InvoiceID != "inv_1" || first.PageURL == "" || first.Reused || first.AttemptNumber != 1 {
		t.Fatalf("unexpected attempt result %#v", first)
	}
	requests := h.gateway.Requests()
	if len(requests) != 1 || requests[0].IdempotencyKey != core.AttemptIdempotencyKey(order.ID, 1) || requests[0].AmountMinor != 1000 {
		t.Fatalf("unexpected gateway requests %#v", requests)
	}

	stored := h.get(t, order.ID)
	if stored.PaymentStatus != core.PaymentStatusRequiresPayment {
		t.Fatalf("expected requires_payment, got %s", stored.PaymentStatus)
	}
	if len(stored.Metadata.InvoiceIDs) != 1 || stored.Metadata.InvoiceIDs[0] != "inv_1" {
		t.Fatalf("expected invoice recorded on order, got %#v", stored.Metadata)
	}
	if attempt := h.attempt(t, first.AttemptID); attempt.Status != core.AttemptStatusActive || attempt.RemoteID != "inv_1" {
		t.Fatalf("expected active attempt, got %#v", attempt)
	}

	again, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("reuse attempt: %v", err)
	}
	if !again.Reused || again.AttemptID != first.AttemptID || again.InvoiceID != "inv_1" {
		t.Fatalf("expected reused attempt, got %#v", again)
	}
	if len(h.gateway.Requests()) != 1 {
		t.Fatalf("expected no second provider call")
	}
}

func TestCreateAttemptProviderTimeoutLeavesOrderPayable(t *testing.T) {
	cfg := core.Config{Attempts: core.AttemptConfig{RemoteTimeout: 20 * time.Millisecond}}
	h := newHarness(t, cfg, nil, devkit.GatewayScript{Block: true}, devkit.GatewayScript{
		Invoice: core.Invoice{RemoteID: "inv_retry", PageURL: "https://pay.example.test/inv_retry"},
	})
	order := h.order(t, "timeout", core.ProviderStripe, 3)
	ctx := context.Background()

	result, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if !core.IsProviderTimeout(err) {
		t.Fatalf("expected provider timeout, got %v", err)
	}
	if mapped := core.MapServiceError(err); mapped.Code != 504 {
		t.Fatalf("expected 504, got %d", mapped.Code)
	}
	failed := h.attempt(t, result.AttemptID)
	if failed.Status != core.AttemptStatusFailed || failed.LastErrorCode != core.ReasonProviderTimeout {
		t.Fatalf("expected failed attempt with PROVIDER_TIMEOUT, got %s/%s", failed.Status, failed.LastErrorCode)
	}
	if stored := h.get(t, order.ID); stored.PaymentStatus != core.PaymentStatusRequiresPayment || stored.Status == core.OrderStatusCanceled {
		t.Fatalf("expected order to stay payable, got %s/%s", stored.PaymentStatus, stored.Status)
	}

	retry, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("retry attempt: %v", err)
	}
	if retry.AttemptNumber != 2 || retry.InvoiceID != "inv_retry" {
		t.Fatalf("expected second attempt, got %#v", retry)
	}
}

func TestCreateAttemptRefusesLiveCreatingThenSupersedesStale(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "inflight", core.ProviderStripe, 3)
	ctx := context.Background()

	lease := h.clock.Now().Add(2 * time.Minute)
	creating, err := h.factory.Attempts().CreateCreating(ctx, core.NewAttemptInput{
		OrderID:             order.ID,
		Provider:            core.ProviderStripe,
		AttemptNumber:       1,
		Currency:            "UAH",
		ExpectedAmountMinor: 1000,
		CreatingLeaseUntil:  lease,
	})
	if err != nil {
		t.Fatalf("create creating attempt: %v", err)
	}

	_, err = h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if !core.IsAttemptInFlight(err) {
		t.Fatalf("expected in-flight conflict, got %v", err)
	}
	if len(h.gateway.Requests()) != 0 {
		t.Fatalf("expected no provider call while in flight")
	}

	h.clock.Advance(3 * time.Minute)
	result, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("create after lease expiry: %v", err)
	}
	if result.AttemptNumber != 2 || result.InvoiceID != "inv_1" {
		t.Fatalf("expected fresh attempt, got %#v", result)
	}
	stale := h.attempt(t, creating.ID)
	if stale.Status != core.AttemptStatusFailed || stale.LastErrorCode != core.ReasonStaleCreating {
		t.Fatalf("expected stale attempt failed with STALE_CREATING, got %s/%s", stale.Status, stale.LastErrorCode)
	}
}

func TestCreateAttemptReplacesActiveAttemptWithoutRemoteID(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "noremote", core.ProviderStripe, 3)
	ctx := context.Background()

	orphan, err := h.factory.Attempts().CreateCreating(ctx, core.NewAttemptInput{
		OrderID:             order.ID,
		Provider:            core.ProviderStripe,
		AttemptNumber:       1,
		Currency:            "UAH",
		ExpectedAmountMinor: 1000,
		CreatingLeaseUntil:  h.clock.Now().Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if _, ok, err := h.factory.Attempts().Transition(ctx, core.AttemptTransition{
		AttemptID: orphan.ID,
		From:      []core.AttemptStatus{core.AttemptStatusCreating},
		To:        core.AttemptStatusActive,
	}); err != nil || !ok {
		t.Fatalf("activate without remote id: ok=%v err=%v", ok, err)
	}

	result, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if result.AttemptNumber != 2 || result.InvoiceID != "inv_1" {
		t.Fatalf("expected a fresh attempt, got %#v", result)
	}
	replaced := h.attempt(t, orphan.ID)
	if replaced.Status != core.AttemptStatusFailed || replaced.LastErrorCode != core.ReasonMissingRemoteID {
		t.Fatalf("expected failed MISSING_REMOTE_ID attempt, got %s/%s", replaced.Status, replaced.LastErrorCode)
	}
}

type failingAppendStores struct {
	core.StoreProvider
}

func (s failingAppendStores) InTx(ctx context.Context, fn func(context.Context, core.Stores) error) error {
	return s.StoreProvider.InTx(ctx, func(ctx context.Context, tx core.Stores) error {
		return fn(ctx, failingAppendTx{Stores: tx})
	})
}

type failingAppendTx struct {
	core.Stores
}

func (s failingAppendTx) Orders() core.OrderStore {
	return failingAppendOrders{OrderStore: s.Stores.Orders()}
}

type failingAppendOrders struct {
	core.OrderStore
}

func (failingAppendOrders) AppendInvoice(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestCreateAttemptCompensatesUnpersistedInvoice(t *testing.T) {
	h := newHarness(t, core.Config{}, func(stores core.StoreProvider) core.StoreProvider {
		return failingAppendStores{StoreProvider: stores}
	})
	order := h.order(t, "compensate", core.ProviderStripe, 3)

	result, err := h.service.CreateAttemptAndRemoteInvoice(context.Background(), order.ID)
	if !core.IsInvoicePersistFailed(err) || !core.IsTerminal(err) {
		t.Fatalf("expected terminal invoice persist failure, got %v", err)
	}
	if canceled := h.gateway.Canceled(); len(canceled) != 1 || canceled[0] != "inv_1" {
		t.Fatalf("expected inv_1 canceled once, got %v", canceled)
	}
	attempt := h.attempt(t, result.AttemptID)
	if attempt.Status != core.AttemptStatusFailed || attempt.LastErrorCode != core.ReasonInvoicePersistFailed {
		t.Fatalf("expected failed attempt, got %s/%s", attempt.Status, attempt.LastErrorCode)
	}
	stored := h.get(t, order.ID)
	if stored.PaymentStatus != core.PaymentStatusFailed || stored.Status != core.OrderStatusCanceled {
		t.Fatalf("expected failed canceled order, got %s/%s", stored.PaymentStatus, stored.Status)
	}
	if !stored.StockRestored || h.stock(t, "compensate") != 3 {
		t.Fatalf("expected stock restored, got restored=%v stock=%d", stored.StockRestored, h.stock(t, "compensate"))
	}
}

// supersedingGateway lets another attempt take over the order while the
// remote invoice is being created.
type supersedingGateway struct {
	*devkit.FakeGateway
	factory *sqlstore.RepositoryFactory
	t       *testing.T
	newer   core.PaymentAttempt
}

func (g *supersedingGateway) CreateInvoice(ctx context.Context, req core.CreateInvoiceRequest) (core.Invoice, error) {
	if _, ok, err := g.factory.Attempts().Transition(ctx, core.AttemptTransition{
		AttemptID: req.AttemptID,
		From:      []core.AttemptStatus{core.AttemptStatusCreating},
		To:        core.AttemptStatusFailed,
		ErrorCode: core.ReasonStaleCreating,
	}); err != nil || !ok {
		g.t.Fatalf("supersede attempt: ok=%v err=%v", ok, err)
	}
	newer, err := g.factory.Attempts().CreateCreating(ctx, core.NewAttemptInput{
		OrderID:             req.OrderID,
		Provider:            core.ProviderStripe,
		AttemptNumber:       2,
		Currency:            "UAH",
		ExpectedAmountMinor: 1000,
		CreatingLeaseUntil:  serviceStart.Add(time.Hour),
	})
	if err != nil {
		g.t.Fatalf("create newer attempt: %v", err)
	}
	newer, ok, err := g.factory.Attempts().Transition(ctx, core.AttemptTransition{
		AttemptID: newer.ID,
		From:      []core.AttemptStatus{core.AttemptStatusCreating},
		To:        core.AttemptStatusActive,
		RemoteID:  "inv_newer",
	})
	if err != nil || !ok {
		g.t.Fatalf("activate newer attempt: ok=%v err=%v", ok, err)
	}
	g.newer = newer
	return g.FakeGateway.CreateInvoice(ctx, req)
}

func TestCreateAttemptSupersededKeepsOrderForNewerAttempt(t *testing.T) {
	clock := sqlstoretest.NewClock(serviceStart)
	factory := sqlstoretest.NewFactory(t, clock.Now)
	gateway := &supersedingGateway{FakeGateway: devkit.NewFakeGateway(core.ProviderStripe), factory: factory, t: t}
	service, err := core.NewService(core.Config{},
		core.WithStores(factory),
		core.WithGateway(gateway),
		core.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h := &harness{factory: factory, clock: clock, gateway: gateway.FakeGateway, service: service}
	order := h.order(t, "superseded", core.ProviderStripe, 3)

	result, err := service.CreateAttemptAndRemoteInvoice(context.Background(), order.ID)
	if !core.IsInvoicePersistFailed(err) {
		t.Fatalf("expected the losing attempt to fail, got %v", err)
	}
	if canceled := gateway.Canceled(); len(canceled) != 1 || canceled[0] != "inv_1" {
		t.Fatalf("expected only the losing invoice canceled, got %v", canceled)
	}
	if lost := h.attempt(t, result.AttemptID); lost.Status != core.AttemptStatusFailed || lost.LastErrorCode != core.ReasonStaleCreating {
		t.Fatalf("expected losing attempt to keep STALE_CREATING, got %s/%s", lost.Status, lost.LastErrorCode)
	}
	if newer := h.attempt(t, gateway.newer.ID); newer.Status != core.AttemptStatusActive {
		t.Fatalf("expected newer attempt to stay active, got %s", newer.Status)
	}
	stored := h.get(t, order.ID)
	if stored.PaymentStatus != core.PaymentStatusRequiresPayment || stored.Status == core.OrderStatusCanceled {
		t.Fatalf("expected order to stay payable, got %s/%s", stored.PaymentStatus, stored.Status)
	}
	if stored.StockRestored || h.stock(t, "superseded") != 2 {
		t.Fatalf("expected stock to stay reserved, got restored=%v stock=%d", stored.StockRestored, h.stock(t, "superseded"))
	}
}

func TestProviderNoneOrdersNeverEnterRemoteStates(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "cash", core.ProviderNone, 3)
	ctx := context.Background()

	if _, err := h.service.CreateAttemptAndRemoteInvoice(ctx, order.ID); err == nil {
		t.Fatalf("expected provider none to reject remote invoices")
	} else if mapped := core.MapServiceError(err); mapped.TextCode != core.ServiceErrorBadInput {
		t.Fatalf("expected bad input, got %s", mapped.TextCode)
	}

	rejected, err := h.service.TransitionOrder(ctx, core.TransitionRequest{
		OrderID:  order.ID,
		Provider: core.ProviderNone,
		Target:   core.PaymentStatusRequiresPayment,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if rejected.Applied || rejected.Reason != core.ReasonInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %#v", rejected)
	}

	paid, err := h.service.TransitionOrder(ctx, core.TransitionRequest{
		OrderID:  order.ID,
		Provider: core.ProviderNone,
		Target:   core.PaymentStatusPaid,
	})
	if err != nil || !paid.Applied {
		t.Fatalf("expected pending -> paid for provider none, got %#v (err=%v)", paid, err)
	}
	refund, err := h.service.TransitionOrder(ctx, core.TransitionRequest{
		OrderID:  order.ID,
		Provider: core.ProviderNone,
		Target:   core.PaymentStatusRefunded,
	})
	if err != nil || refund.Applied {
		t.Fatalf("expected refunded to be rejected for provider none, got %#v (err=%v)", refund, err)
	}
}

func TestTransitionRejectsProviderMismatch(t *testing.T) {
	h := newHarness(t, core.Config{}, nil)
	order := h.order(t, "mismatch", core.ProviderStripe, 3)

	result, err := h.service.TransitionOrder(context.Background(), core.TransitionRequest{
		OrderID:  order.ID,
		Provider: core.ProviderMonobank,
		Target:   core.PaymentStatusPaid,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result.Applied {
		t.Fatalf("expected provider mismatch to be rejected")
	}
	if stored := h.get(t, order.ID); stored.PaymentStatus != core.PaymentStatusPending {
		t.Fatalf("expected order untouched, got %s", stored.PaymentStatus)
	}
}
