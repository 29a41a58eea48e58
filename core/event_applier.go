package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ApplyOutcome is persisted on the webhook event. Retryable outcomes leave the
// event unapplied so the claim consumer can try again.
type ApplyOutcome struct {
	Result      AppliedResult
	ErrorCode   string
	NeedsReview bool
	Retryable   bool
	OrderID     string
	AttemptID   string
}

func (o ApplyOutcome) with(result AppliedResult, code string) ApplyOutcome {
	o.Result = result
	o.ErrorCode = code
	return o
}

func (o ApplyOutcome) review(code string) ApplyOutcome {
	o.Result = AppliedResultRejected
	o.ErrorCode = code
	o.NeedsReview = true
	return o
}

type EventApplier struct {
	stores  StoreProvider
	machine *StateMachine
	logger  Logger
	metrics MetricsRecorder
	clock   Clock
}

func NewEventApplier(stores StoreProvider, machine *StateMachine, logger Logger, metrics MetricsRecorder, clock Clock) *EventApplier {
	if machine == nil && stores != nil {
		machine = NewStateMachine(stores.Orders(), nil, logger)
	}
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &EventApplier{
		stores:  stores,
		machine: machine,
		logger:  ensureLogger(logger),
		metrics: metrics,
		clock:   clock,
	}
}

// Apply drives the attempt and its order from a verified, deduplicated event.
// A returned error is an infrastructure failure; business rejections are
// reported through the outcome.
func (a *EventApplier) Apply(ctx context.Context, event WebhookEvent) (ApplyOutcome, error) {
	if a == nil || a.stores == nil {
		return ApplyOutcome{}, fmt.Errorf("core: event applier is not configured")
	}
	payload := event.Payload
	attempt, err := a.stores.Attempts().GetByRemoteID(ctx, event.Provider, payload.RemoteID)
	if errors.Is(err, ErrAttemptNotFound) {
		return ApplyOutcome{
			Result:    AppliedResultRejected,
			ErrorCode: ReasonAttemptNotFound,
			Retryable: true,
		}, nil
	}
	if err != nil {
		return ApplyOutcome{}, err
	}

	outcome := ApplyOutcome{OrderID: attempt.OrderID, AttemptID: attempt.ID}
	modifiedAt := payload.ModifiedAt.UTC()
	if attempt.ProviderModifiedAt != nil && modifiedAt.Before(attempt.ProviderModifiedAt.UTC()) {
		return outcome.with(AppliedResultNoop, ReasonOutOfOrder), nil
	}

	switch {
	case payload.Status == NormalizedStatusSucceeded:
		outcome, err = a.applySuccess(ctx, event, attempt, modifiedAt, outcome)
	case payload.Status.FailureFamily() && attempt.Status == AttemptStatusSucceeded:
		outcome, err = a.applyReversal(ctx, event, attempt, modifiedAt, outcome)
	case payload.Status.FailureFamily():
		outcome, err = a.applyFailure(ctx, event, attempt, modifiedAt, outcome)
	case payload.Status == NormalizedStatusPending:
		outcome, err = a.applyProgress(ctx, attempt, modifiedAt, outcome)
	default:
		outcome = outcome.review(ReasonUnsupportedStatus)
	}
	if err != nil {
		return ApplyOutcome{}, err
	}

	recordCounter(ctx, a.metrics, MetricWebhookApply, map[string]string{
		"provider_id": string(event.Provider),
		"result":      string(outcome.Result),
	})
	return outcome, nil
}

func (a *EventApplier) applySuccess(
	ctx context.Context,
	event WebhookEvent,
	attempt PaymentAttempt,
	modifiedAt time.Time,
	outcome ApplyOutcome,
) (ApplyOutcome, error) {
	switch attempt.Status {
	case AttemptStatusSucceeded:
		return outcome.with(AppliedResultNoop, ReasonAlreadyApplied), nil
	case AttemptStatusFailed, AttemptStatusCanceled:
		return outcome.review(ReasonLateSuccess), nil
	}
	if amountMismatch(event.Payload, attempt) {
		return outcome.review(ReasonAmountMismatch), nil
	}

	err := a.stores.InTx(ctx, func(ctx context.Context, tx Stores) error {
		_, ok, err := tx.Attempts().Transition(ctx, AttemptTransition{
			AttemptID:          attempt.ID,
			From:               []AttemptStatus{AttemptStatusActive},
			To:                 AttemptStatusSucceeded,
			ProviderModifiedAt: &modifiedAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			outcome, err = a.lostRace(ctx, tx, attempt.ID, modifiedAt, outcome, ReasonLateSuccess)
			return err
		}

		paid := OrderStatusPaid
		result, err := a.machine.WithStore(tx.Orders()).Transition(ctx, TransitionRequest{
			OrderID:  attempt.OrderID,
			Provider: attempt.Provider,
			Target:   PaymentStatusPaid,
			Source:   eventSource(event),
			EventID:  event.ID,
			Fields:   OrderFields{Status: &paid},
		})
		if err != nil {
			return err
		}
		switch {
		case result.Applied:
			outcome = outcome.with(AppliedResultApplied, "")
		case result.AlreadyAt(PaymentStatusPaid):
			outcome = outcome.with(AppliedResultNoop, ReasonAlreadyApplied)
		default:
			outcome = outcome.review(result.Reason)
		}
		return nil
	})
	if err != nil {
		return ApplyOutcome{}, err
	}
	if outcome.Result == AppliedResultApplied {
		logInfo(ctx, a.logger, "order paid", map[string]any{
			"order_id":    attempt.OrderID,
			"attempt_id":  attempt.ID,
			"event_id":    event.ID,
			"provider_id": event.Provider,
		})
	}
	return outcome, nil
}

func (a *EventApplier) applyFailure(
	ctx context.Context,
	event WebhookEvent,
	attempt PaymentAttempt,
	modifiedAt time.Time,
	outcome ApplyOutcome,
) (ApplyOutcome, error) {
	if attempt.Status.Terminal() {
		return outcome.with(AppliedResultNoop, ReasonAlreadyApplied), nil
	}

	metadata := attempt.Metadata
	metadata.FailureReason = failureReason(event.Payload)
	orderChanged := false
	err := a.stores.InTx(ctx, func(ctx context.Context, tx Stores) error {
		_, ok, err := tx.Attempts().Transition(ctx, AttemptTransition{
			AttemptID:          attempt.ID,
			From:               []AttemptStatus{AttemptStatusActive},
			To:                 AttemptStatusFailed,
			ProviderModifiedAt: &modifiedAt,
			ErrorCode:          failureCode(event.Payload),
			Metadata:           &metadata,
		})
		if err != nil {
			return err
		}
		if !ok {
			outcome, err = a.lostRace(ctx, tx, attempt.ID, modifiedAt, outcome, ReasonAlreadyApplied)
			return err
		}

		canceled := OrderStatusCanceled
		result, err := a.machine.WithStore(tx.Orders()).Transition(ctx, TransitionRequest{
			OrderID:  attempt.OrderID,
			Provider: attempt.Provider,
			Target:   PaymentStatusFailed,
			Source:   eventSource(event),
			EventID:  event.ID,
			Fields: OrderFields{
				Status:                  &canceled,
				MarkInventoryReleasable: true,
			},
		})
		if err != nil {
			return err
		}
		switch {
		case result.Applied:
			orderChanged = true
			outcome = outcome.with(AppliedResultApplied, "")
		case result.AlreadyAt(PaymentStatusFailed):
			outcome = outcome.with(AppliedResultApplied, "")
		default:
			outcome = outcome.review(result.Reason)
		}
		return nil
	})
	if err != nil {
		return ApplyOutcome{}, err
	}
	if orderChanged {
		a.releaseInventory(ctx, attempt.OrderID, event.ID)
	}
	return outcome, nil
}

// applyReversal handles a failure-family event that arrives after the attempt
// succeeded: the payment was refunded or charged back.
func (a *EventApplier) applyReversal(
	ctx context.Context,
	event WebhookEvent,
	attempt PaymentAttempt,
	modifiedAt time.Time,
	outcome ApplyOutcome,
) (ApplyOutcome, error) {
	reason := failureReason(event.Payload)
	metadata := attempt.Metadata
	metadata.FailureReason = reason
	orderChanged := false
	err := a.stores.InTx(ctx, func(ctx context.Context, tx Stores) error {
		_, ok, err := tx.Attempts().Transition(ctx, AttemptTransition{
			AttemptID:          attempt.ID,
			From:               []AttemptStatus{AttemptStatusSucceeded},
			To:                 AttemptStatusCanceled,
			ProviderModifiedAt: &modifiedAt,
			ErrorCode:          failureCode(event.Payload),
			Metadata:           &metadata,
		})
		if err != nil {
			return err
		}
		if !ok {
			outcome, err = a.lostRace(ctx, tx, attempt.ID, modifiedAt, outcome, ReasonAlreadyApplied)
			return err
		}

		order, err := tx.Orders().Get(ctx, attempt.OrderID)
		if err != nil {
			return err
		}
		amount := event.Payload.AmountMinor
		if amount <= 0 {
			amount = attempt.ExpectedAmountMinor
		}
		orderMetadata := order.Metadata.WithRefund(RefundEntry{
			AttemptID:   attempt.ID,
			RemoteID:    attempt.RemoteID,
			AmountMinor: amount,
			Reason:      reason,
			EventID:     event.ID,
			RecordedAt:  a.clock().UTC(),
		})
		canceled := OrderStatusCanceled
		result, err := a.machine.WithStore(tx.Orders()).Transition(ctx, TransitionRequest{
			OrderID:  attempt.OrderID,
			Provider: attempt.Provider,
			Target:   PaymentStatusRefunded,
			Source:   eventSource(event),
			EventID:  event.ID,
			Fields: OrderFields{
				Status:                  &canceled,
				MarkInventoryReleasable: true,
				Metadata:                &orderMetadata,
			},
		})
		if err != nil {
			return err
		}
		switch {
		case result.Applied:
			orderChanged = true
			outcome = outcome.with(AppliedResultApplied, "")
		case result.AlreadyAt(PaymentStatusRefunded):
			outcome = outcome.with(AppliedResultNoop, ReasonAlreadyApplied)
		default:
			outcome = outcome.review(result.Reason)
		}
		return nil
	})
	if err != nil {
		return ApplyOutcome{}, err
	}
	if orderChanged {
		logWarn(ctx, a.logger, "payment reversed after success", map[string]any{
			"order_id":    attempt.OrderID,
			"attempt_id":  attempt.ID,
			"event_id":    event.ID,
			"provider_id": event.Provider,
			"reason":      reason,
		})
		a.releaseInventory(ctx, attempt.OrderID, event.ID)
	}
	return outcome, nil
}

// applyProgress records a non-terminal provider status by advancing the
// ordering watermark only.
func (a *EventApplier) applyProgress(
	ctx context.Context,
	attempt PaymentAttempt,
	modifiedAt time.Time,
	outcome ApplyOutcome,
) (ApplyOutcome, error) {
	if attempt.Status != AttemptStatusActive {
		return outcome.with(AppliedResultNoop, ReasonNonTerminal), nil
	}
	_, ok, err := a.stores.Attempts().Transition(ctx, AttemptTransition{
		AttemptID:          attempt.ID,
		From:               []AttemptStatus{AttemptStatusActive},
		To:                 AttemptStatusActive,
		ProviderModifiedAt: &modifiedAt,
	})
	if err != nil {
		return ApplyOutcome{}, err
	}
	if !ok {
		return outcome.with(AppliedResultNoop, ReasonOutOfOrder), nil
	}
	return outcome.with(AppliedResultNoop, ReasonNonTerminal), nil
}

// lostRace classifies a failed attempt compare-and-swap by re-reading the row.
func (a *EventApplier) lostRace(
	ctx context.Context,
	tx Stores,
	attemptID string,
	modifiedAt time.Time,
	outcome ApplyOutcome,
	terminalCode string,
) (ApplyOutcome, error) {
	current, err := tx.Attempts().Get(ctx, attemptID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if current.ProviderModifiedAt != nil && modifiedAt.Before(current.ProviderModifiedAt.UTC()) {
		return outcome.with(AppliedResultNoop, ReasonOutOfOrder), nil
	}
	if terminalCode == ReasonLateSuccess && current.Status == AttemptStatusSucceeded {
		return outcome.with(AppliedResultNoop, ReasonAlreadyApplied), nil
	}
	if terminalCode == ReasonLateSuccess {
		return outcome.review(ReasonLateSuccess), nil
	}
	return outcome.with(AppliedResultNoop, terminalCode), nil
}

func (a *EventApplier) releaseInventory(ctx context.Context, orderID string, eventID string) {
	result, err := a.stores.Inventory().ReleaseOrder(ctx, orderID)
	if err != nil {
		logError(ctx, a.logger, "inventory release deferred to janitor", map[string]any{
			"order_id": orderID,
			"event_id": eventID,
			"error":    err.Error(),
		})
		return
	}
	if result.Released {
		logInfo(ctx, a.logger, "inventory released", map[string]any{
			"order_id": orderID,
			"event_id": eventID,
		})
	}
}

func amountMismatch(payload ProviderEvent, attempt PaymentAttempt) bool {
	if payload.AmountMinor != 0 && payload.AmountMinor != attempt.ExpectedAmountMinor {
		return true
	}
	currency := strings.TrimSpace(payload.Currency)
	return currency != "" && attempt.Currency != "" && !strings.EqualFold(currency, attempt.Currency)
}

func failureCode(payload ProviderEvent) string {
	return "PROVIDER_" + strings.ToUpper(string(payload.Status))
}

func failureReason(payload ProviderEvent) string {
	if reason := strings.TrimSpace(payload.FailureReason); reason != "" {
		return reason
	}
	return strings.TrimSpace(payload.ProviderStatus)
}

func eventSource(event WebhookEvent) string {
	return "webhook:" + string(event.Provider)
}
