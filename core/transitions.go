package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const ReasonInvalidTransition = "INVALID_TRANSITION"

// TransitionMatrix maps provider -> target status -> allowed predecessors.
type TransitionMatrix map[Provider]map[PaymentStatus][]PaymentStatus

// DefaultTransitionMatrix returns the payment status matrix. Provider none has
// no path into requires_payment or refunded.
func DefaultTransitionMatrix() TransitionMatrix {
	remote := map[PaymentStatus][]PaymentStatus{
		PaymentStatusRequiresPayment: {PaymentStatusPending},
		PaymentStatusPaid:            {PaymentStatusPending, PaymentStatusRequiresPayment},
		PaymentStatusFailed:          {PaymentStatusPending, PaymentStatusRequiresPayment},
		PaymentStatusRefunded:        {PaymentStatusPaid},
	}
	return TransitionMatrix{
		ProviderNone: {
			PaymentStatusPaid:   {PaymentStatusPending},
			PaymentStatusFailed: {PaymentStatusPending},
		},
		ProviderMonobank: remote,
		ProviderStripe:   remote,
	}
}

// AllowedFrom returns a copy of the predecessors of target for provider.
func (m TransitionMatrix) AllowedFrom(provider Provider, target PaymentStatus) []PaymentStatus {
	targets, ok := m[provider]
	if !ok {
		return nil
	}
	return append([]PaymentStatus(nil), targets[target]...)
}

func (m TransitionMatrix) Allows(provider Provider, from, target PaymentStatus) bool {
	return slices.Contains(m.AllowedFrom(provider, target), from)
}

// OrderFields are extra columns written by the same conditional statement as
// the payment status.
type OrderFields struct {
	Status                  *OrderStatus
	MarkInventoryReleasable bool
	Metadata                *OrderMetadata
}

type TransitionRequest struct {
	OrderID  string
	Provider Provider
	Target   PaymentStatus
	Source   string
	EventID  string
	Fields   OrderFields
}

func (r TransitionRequest) Validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return fmt.Errorf("core: transition order id is required")
	}
	if _, err := ParseProvider(string(r.Provider)); err != nil {
		return err
	}
	if _, err := ParsePaymentStatus(string(r.Target)); err != nil {
		return err
	}
	return nil
}

// TransitionResult reports a guarded update. Rejections are results, not errors.
type TransitionResult struct {
	Applied         bool
	Reason          string
	From            PaymentStatus
	CurrentProvider Provider
}

// AlreadyAt reports a rejection caused by the order already being at the target.
func (r TransitionResult) AlreadyAt(target PaymentStatus) bool {
	return !r.Applied && r.From == target
}

// GuardedUpdate is executed by the order store as one conditional statement.
type GuardedUpdate struct {
	OrderID     string
	Provider    Provider
	AllowedFrom []PaymentStatus
	Target      PaymentStatus
	Fields      OrderFields
}

type StateMachine struct {
	store  OrderStore
	matrix TransitionMatrix
	logger Logger
}

func NewStateMachine(store OrderStore, matrix TransitionMatrix, logger Logger) *StateMachine {
	if matrix == nil {
		matrix = DefaultTransitionMatrix()
	}
	return &StateMachine{store: store, matrix: matrix, logger: ensureLogger(logger)}
}

// WithStore returns a state machine bound to another store, typically a
// transaction scoped one.
func (m *StateMachine) WithStore(store OrderStore) *StateMachine {
	if m == nil {
		return NewStateMachine(store, nil, nil)
	}
	return &StateMachine{store: store, matrix: m.matrix, logger: m.logger}
}

func (m *StateMachine) Matrix() TransitionMatrix {
	if m == nil || m.matrix == nil {
		return DefaultTransitionMatrix()
	}
	return m.matrix
}

// Transition moves an order's payment status with a single conditional update
// keyed on provider and the allowed predecessors of the target.
func (m *StateMachine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if m == nil || m.store == nil {
		return TransitionResult{}, fmt.Errorf("core: state machine store is not configured")
	}
	if err := req.Validate(); err != nil {
		return TransitionResult{}, err
	}

	allowed := m.Matrix().AllowedFrom(req.Provider, req.Target)
	var result TransitionResult
	if len(allowed) == 0 {
		order, err := m.store.Get(ctx, req.OrderID)
		if err != nil {
			return TransitionResult{}, err
		}
		result = TransitionResult{
			Reason:          ReasonInvalidTransition,
			From:            order.PaymentStatus,
			CurrentProvider: order.Provider,
		}
	} else {
		var err error
		result, err = m.store.GuardedPaymentStatusUpdate(ctx, GuardedUpdate{
			OrderID:     req.OrderID,
			Provider:    req.Provider,
			AllowedFrom: allowed,
			Target:      req.Target,
			Fields:      req.Fields,
		})
		if err != nil {
			return TransitionResult{}, err
		}
	}

	if !result.Applied {
		logWarn(ctx, m.logger, "order payment transition rejected", map[string]any{
			"order_id":    req.OrderID,
			"from":        result.From,
			"to":          req.Target,
			"provider_id": result.CurrentProvider,
			"source":      req.Source,
			"event_id":    req.EventID,
			"reason":      result.Reason,
		})
	}
	return result, nil
}
