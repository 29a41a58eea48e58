package core

import (
	"context"
	"testing"
)

type recordingOrderStore struct {
	OrderStore
	order   Order
	updates []GuardedUpdate
	result  TransitionResult
}

func (s *recordingOrderStore) Get(context.Context, string) (Order, error) {
	return s.order, nil
}

func (s *recordingOrderStore) GuardedPaymentStatusUpdate(_ context.Context, update GuardedUpdate) (TransitionResult, error) {
	s.updates = append(s.updates, update)
	return s.result, nil
}

func TestDefaultTransitionMatrixProviderNoneHasNoRemoteStates(t *testing.T) {
	matrix := DefaultTransitionMatrix()
	for _, from := range []PaymentStatus{
		PaymentStatusPending,
		PaymentStatusRequiresPayment,
		PaymentStatusPaid,
		PaymentStatusFailed,
		PaymentStatusRefunded,
	} {
		if matrix.Allows(ProviderNone, from, PaymentStatusRequiresPayment) {
			t.Fatalf("provider none must not reach requires_payment from %s", from)
		}
		if matrix.Allows(ProviderNone, from, PaymentStatusRefunded) {
			t.Fatalf("provider none must not reach refunded from %s", from)
		}
	}
	if !matrix.Allows(ProviderNone, PaymentStatusPending, PaymentStatusPaid) {
		t.Fatalf("expected provider none pending -> paid")
	}
	if !matrix.Allows(ProviderStripe, PaymentStatusPaid, PaymentStatusRefunded) {
		t.Fatalf("expected remote paid -> refunded")
	}
	if matrix.Allows(ProviderMonobank, PaymentStatusFailed, PaymentStatusPaid) {
		t.Fatalf("failed must be terminal for remote providers")
	}
}

func TestTransitionMatrixAllowedFromReturnsCopy(t *testing.T) {
	matrix := DefaultTransitionMatrix()
	allowed := matrix.AllowedFrom(ProviderStripe, PaymentStatusPaid)
	allowed[0] = PaymentStatusRefunded
	if matrix.Allows(ProviderStripe, PaymentStatusRefunded, PaymentStatusPaid) {
		t.Fatalf("expected matrix to be unaffected by caller mutation")
	}
	if got := matrix.AllowedFrom(Provider("paypal"), PaymentStatusPaid); got != nil {
		t.Fatalf("expected unknown provider to have no predecessors, got %v", got)
	}
}

func TestStateMachineRejectsTargetsWithoutPredecessors(t *testing.T) {
	store := &recordingOrderStore{order: Order{ID: "ord_1", Provider: ProviderNone, PaymentStatus: PaymentStatusPending}}
	machine := NewStateMachine(store, nil, nil)

	result, err := machine.Transition(context.Background(), TransitionRequest{
		OrderID:  "ord_1",
		Provider: ProviderNone,
		Target:   PaymentStatusRequiresPayment,
		Source:   "test",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result.Applied || result.Reason != ReasonInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION rejection, got %#v", result)
	}
	if result.From != PaymentStatusPending {
		t.Fatalf("expected current status in rejection, got %q", result.From)
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no guarded update for an impossible target")
	}
}

func TestStateMachineIssuesGuardedUpdate(t *testing.T) {
	store := &recordingOrderStore{result: TransitionResult{Applied: true, From: PaymentStatusRequiresPayment}}
	machine := NewStateMachine(store, nil, nil)
	paid := OrderStatusPaid

	result, err := machine.Transition(context.Background(), TransitionRequest{
		OrderID:  "ord_1",
		Provider: ProviderMonobank,
		Target:   PaymentStatusPaid,
		Fields:   OrderFields{Status: &paid},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected applied result")
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected one guarded update, got %d", len(store.updates))
	}
	update := store.updates[0]
	if update.Provider != ProviderMonobank || update.Target != PaymentStatusPaid {
		t.Fatalf("unexpected guarded update %#v", update)
	}
	if len(update.AllowedFrom) != 2 || update.Fields.Status == nil || *update.Fields.Status != OrderStatusPaid {
		t.Fatalf("expected predecessors and order status on update, got %#v", update)
	}
}

func TestStateMachineValidatesRequest(t *testing.T) {
	machine := NewStateMachine(&recordingOrderStore{}, nil, nil)
	cases := []TransitionRequest{
		{Provider: ProviderStripe, Target: PaymentStatusPaid},
		{OrderID: "ord_1", Provider: "paypal", Target: PaymentStatusPaid},
		{OrderID: "ord_1", Provider: ProviderStripe, Target: "settled"},
	}
	for _, req := range cases {
		if _, err := machine.Transition(context.Background(), req); err == nil {
			t.Fatalf("expected validation error for %#v", req)
		}
	}
}

func TestTransitionResultAlreadyAt(t *testing.T) {
	if !(TransitionResult{From: PaymentStatusPaid}).AlreadyAt(PaymentStatusPaid) {
		t.Fatalf("expected rejection at target to report AlreadyAt")
	}
	if (TransitionResult{Applied: true, From: PaymentStatusPaid}).AlreadyAt(PaymentStatusPaid) {
		t.Fatalf("applied result is never AlreadyAt")
	}
}
