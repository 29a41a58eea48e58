package command

import (
	"context"
	"errors"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

type stubAttemptService struct {
	createFn func(ctx context.Context, orderID string) (core.AttemptResult, error)
}

func (s stubAttemptService) CreateAttemptAndRemoteInvoice(ctx context.Context, orderID string) (core.AttemptResult, error) {
	return s.createFn(ctx, orderID)
}

type stubOrderService struct {
	createFn func(ctx context.Context, in core.CreateOrderInput) (core.Order, error)
}

func (s stubOrderService) CreateOrder(ctx context.Context, in core.CreateOrderInput) (core.Order, error) {
	return s.createFn(ctx, in)
}

type stubJanitorRunner struct {
	job  janitor.JobName
	opts janitor.Options
	err  error
}

func (s *stubJanitorRunner) Run(_ context.Context, job janitor.JobName, opts janitor.Options) (janitor.Result, error) {
	s.job = job
	s.opts = opts
	if s.err != nil {
		return janitor.Result{}, s.err
	}
	return janitor.Result{Job: job, DryRun: opts.DryRun, Applied: 2}, nil
}

func TestCreateAttemptCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	expected := core.AttemptResult{AttemptID: "att-1", AttemptNumber: 1, InvoiceID: "inv_1", PageURL: "https://pay.example.test/inv_1"}
	called := false
	cmd := NewCreateAttemptCommand(stubAttemptService{
		createFn: func(_ context.Context, orderID string) (core.AttemptResult, error) {
			called = true
			if orderID != "order-1" {
				t.Fatalf("expected order-1, got %q", orderID)
			}
			return expected, nil
		},
	})
	collector := gocmd.NewResult[core.AttemptResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, CreateAttemptMessage{OrderID: "order-1"}); err != nil {
		t.Fatalf("execute create attempt: %v", err)
	}
	if !called {
		t.Fatalf("expected attempt service invocation")
	}
	result, ok := collector.Load()
	if !ok || result != expected {
		t.Fatalf("unexpected stored result %#v ok=%v", result, ok)
	}
}

func TestCreateAttemptCommand_PropagatesServiceError(t *testing.T) {
	inFlight := core.NewAttemptInFlightError("order-1", "att-1")
	cmd := NewCreateAttemptCommand(stubAttemptService{
		createFn: func(context.Context, string) (core.AttemptResult, error) {
			return core.AttemptResult{}, inFlight
		},
	})
	err := cmd.Execute(context.Background(), CreateAttemptMessage{OrderID: "order-1"})
	if !core.IsAttemptInFlight(err) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
}

func TestCreateOrderCommand_StoresOrder(t *testing.T) {
	cmd := NewCreateOrderCommand(stubOrderService{
		createFn: func(_ context.Context, in core.CreateOrderInput) (core.Order, error) {
			return core.Order{ID: "order-1", IdempotencyKey: in.IdempotencyKey, TotalAmountMinor: in.Total()}, nil
		},
	})
	collector := gocmd.NewResult[core.Order]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	msg := CreateOrderMessage{Input: core.CreateOrderInput{
		Currency:       "UAH",
		Provider:       core.ProviderMonobank,
		IdempotencyKey: "checkout-1",
		Items:          []core.OrderItem{{ProductID: "p1", Quantity: 2, UnitAmountMinor: 500}},
	}}
	if err := msg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := cmd.Execute(ctx, msg); err != nil {
		t.Fatalf("execute: %v", err)
	}
	order, ok := collector.Load()
	if !ok || order.TotalAmountMinor != 1000 || order.IdempotencyKey != "checkout-1" {
		t.Fatalf("unexpected order %#v", order)
	}
}

func TestRunJanitorJobCommand_ParsesJobAndForwardsOptions(t *testing.T) {
	runner := &stubJanitorRunner{}
	cmd := NewRunJanitorJobCommand(runner)
	collector := gocmd.NewResult[janitor.Result]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, RunJanitorJobMessage{Job: "sweep_stale_creating_attempts", DryRun: true, Limit: 10}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if runner.job != janitor.JobSweepStaleCreatingAttempt || !runner.opts.DryRun || runner.opts.Limit != 10 {
		t.Fatalf("unexpected forwarded call %q %#v", runner.job, runner.opts)
	}
	result, ok := collector.Load()
	if !ok || result.Applied != 2 {
		t.Fatalf("expected stored result, got %#v", result)
	}

	runner.err = errors.New("db down")
	if err := cmd.Execute(context.Background(), RunJanitorJobMessage{Job: "purge_rate_limit_windows"}); err == nil {
		t.Fatalf("expected runner error")
	}
	if err := cmd.Execute(context.Background(), RunJanitorJobMessage{Job: "vacuum"}); err == nil {
		t.Fatalf("expected unknown job error")
	}
}
