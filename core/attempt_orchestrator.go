package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

var errAttemptSuperseded = errors.New("core: payment attempt left the creating state before activation")

type AttemptResult struct {
	AttemptID     string
	AttemptNumber int
	InvoiceID     string
	PageURL       string
	Reused        bool
}

type AttemptOrchestratorConfig struct {
	RemoteTimeout time.Duration
	CreatingLease time.Duration
}

// AttemptOrchestrator creates payment attempts and their remote invoices in
// two phases and compensates when the second phase cannot be persisted.
type AttemptOrchestrator struct {
	stores   StoreProvider
	machine  *StateMachine
	gateways map[Provider]PaymentGateway
	logger   Logger
	metrics  MetricsRecorder
	clock    Clock
	config   AttemptOrchestratorConfig
}

func NewAttemptOrchestrator(
	stores StoreProvider,
	machine *StateMachine,
	gateways []PaymentGateway,
	config AttemptOrchestratorConfig,
	logger Logger,
	metrics MetricsRecorder,
	clock Clock,
) *AttemptOrchestrator {
	defaults := DefaultConfig().Attempts
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = defaults.RemoteTimeout
	}
	if config.CreatingLease <= config.RemoteTimeout {
		config.CreatingLease = config.RemoteTimeout + defaults.CreatingLease
	}
	if machine == nil && stores != nil {
		machine = NewStateMachine(stores.Orders(), nil, logger)
	}
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	byProvider := make(map[Provider]PaymentGateway, len(gateways))
	for _, gateway := range gateways {
		if gateway != nil {
			byProvider[gateway.Provider()] = gateway
		}
	}
	return &AttemptOrchestrator{
		stores:   stores,
		machine:  machine,
		gateways: byProvider,
		logger:   ensureLogger(logger),
		metrics:  metrics,
		clock:    clock,
		config:   config,
	}
}

func (o *AttemptOrchestrator) CreateAttemptAndRemoteInvoice(ctx context.Context, orderID string) (AttemptResult, error) {
	if o == nil || o.stores == nil {
		return AttemptResult{}, fmt.Errorf("core: attempt orchestrator is not configured")
	}
	order, err := o.stores.Orders().Get(ctx, orderID)
	if err != nil {
		return AttemptResult{}, err
	}
	if !order.Provider.Remote() {
		return AttemptResult{}, goerrors.New("order provider does not issue remote invoices", goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(ServiceErrorBadInput).
			WithMetadata(map[string]any{"order_id": order.ID, "provider_id": string(order.Provider)})
	}
	if order.Status == OrderStatusCanceled ||
		(order.PaymentStatus != PaymentStatusPending && order.PaymentStatus != PaymentStatusRequiresPayment) {
		return AttemptResult{}, goerrors.New("order is not payable", goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode(ServiceErrorConflict).
			WithMetadata(map[string]any{"order_id": order.ID, "payment_status": string(order.PaymentStatus)})
	}
	if order.Status == OrderStatusInventoryFailed || order.InventoryStatus != InventoryStatusReserved {
		return AttemptResult{}, goerrors.New("order has no reserved inventory", goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode(ServiceErrorConflict).
			WithMetadata(map[string]any{"order_id": order.ID, "inventory_status": string(order.InventoryStatus)})
	}
	gateway, ok := o.gateways[order.Provider]
	if !ok {
		return AttemptResult{}, fmt.Errorf("core: payment gateway for provider %q is not configured", order.Provider)
	}

	reused, done, err := o.resolveOpenAttempt(ctx, order)
	if err != nil || done {
		return reused, err
	}

	attempt, err := o.createLocalAttempt(ctx, order)
	if err != nil {
		return AttemptResult{}, err
	}
	fields := map[string]any{
		"order_id":       order.ID,
		"attempt_id":     attempt.ID,
		"attempt_number": attempt.AttemptNumber,
		"provider_id":    order.Provider,
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.RemoteTimeout)
	invoice, err := gateway.CreateInvoice(callCtx, CreateInvoiceRequest{
		OrderID:        order.ID,
		AttemptID:      attempt.ID,
		IdempotencyKey: attempt.IdempotencyKey,
		AmountMinor:    attempt.ExpectedAmountMinor,
		Currency:       attempt.Currency,
		Reference:      attempt.IdempotencyKey,
	})
	cancel()
	if err != nil {
		return o.failRemoteCreate(ctx, attempt, fields, err)
	}

	metadata := AttemptMetadata{PageURL: invoice.PageURL, Reference: invoice.Reference}
	err = o.stores.InTx(ctx, func(ctx context.Context, tx Stores) error {
		_, ok, err := tx.Attempts().Transition(ctx, AttemptTransition{
			AttemptID: attempt.ID,
			From:      []AttemptStatus{AttemptStatusCreating},
			To:        AttemptStatusActive,
			RemoteID:  invoice.RemoteID,
			Metadata:  &metadata,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errAttemptSuperseded
		}
		return tx.Orders().AppendInvoice(ctx, order.ID, invoice.RemoteID)
	})
	if err != nil {
		return o.compensate(ctx, order, attempt, invoice, gateway, err)
	}

	fields["remote_id"] = invoice.RemoteID
	logInfo(ctx, o.logger, "payment attempt activated", fields)
	recordCounter(ctx, o.metrics, MetricAttemptActivated, map[string]string{
		"provider_id": string(order.Provider),
	})
	return AttemptResult{
		AttemptID:     attempt.ID,
		AttemptNumber: attempt.AttemptNumber,
		InvoiceID:     invoice.RemoteID,
		PageURL:       invoice.PageURL,
	}, nil
}

// resolveOpenAttempt reuses an active attempt, refuses a live creating one, and
// supersedes a creating one whose in-flight lease expired.
func (o *AttemptOrchestrator) resolveOpenAttempt(ctx context.Context, order Order) (AttemptResult, bool, error) {
	open, found, err := o.stores.Attempts().GetOpenByOrder(ctx, order.ID)
	if err != nil || !found {
		return AttemptResult{}, false, err
	}
	now := o.clock().UTC()
	switch {
	case open.Status == AttemptStatusActive && open.RemoteID != "":
		return AttemptResult{
			AttemptID:     open.ID,
			AttemptNumber: open.AttemptNumber,
			InvoiceID:     open.RemoteID,
			PageURL:       open.Metadata.PageURL,
			Reused:        true,
		}, true, nil
	case open.Status == AttemptStatusCreating && open.CreatingLeaseUntil != nil && now.Before(open.CreatingLeaseUntil.UTC()):
		return AttemptResult{}, true, NewAttemptInFlightError(order.ID, open.ID)
	}

	// An active attempt without a remote id has nothing the customer can pay.
	reason := ReasonMissingRemoteID
	transition := AttemptTransition{
		AttemptID: open.ID,
		From:      []AttemptStatus{open.Status},
		To:        AttemptStatusFailed,
	}
	if open.Status == AttemptStatusCreating {
		reason = ReasonStaleCreating
		transition.LeaseExpiredAt = &now
	}
	transition.ErrorCode = reason
	_, ok, err := o.stores.Attempts().Transition(ctx, transition)
	if err != nil {
		return AttemptResult{}, true, err
	}
	if !ok {
		return AttemptResult{}, true, NewAttemptInFlightError(order.ID, open.ID)
	}
	logWarn(ctx, o.logger, "stale payment attempt superseded", map[string]any{
		"order_id":   order.ID,
		"attempt_id": open.ID,
		"reason":     reason,
	})
	return AttemptResult{}, false, nil
}

func (o *AttemptOrchestrator) createLocalAttempt(ctx context.Context, order Order) (PaymentAttempt, error) {
	var attempt PaymentAttempt
	err := o.stores.InTx(ctx, func(ctx context.Context, tx Stores) error {
		number, err := tx.Attempts().NextAttemptNumber(ctx, order.ID)
		if err != nil {
			return err
		}
		attempt, err = tx.Attempts().CreateCreating(ctx, NewAttemptInput{
			OrderID:             order.ID,
			Provider:            order.Provider,
			AttemptNumber:       number,
			Currency:            order.Currency,
			ExpectedAmountMinor: order.TotalAmountMinor,
			CreatingLeaseUntil:  o.clock().UTC().Add(o.config.CreatingLease),
		})
		if err != nil {
			return err
		}
		if order.PaymentStatus != PaymentStatusPending {
			return nil
		}
		result, err := o.machine.WithStore(tx.Orders()).Transition(ctx, TransitionRequest{
			OrderID:  order.ID,
			Provider: order.Provider,
			Target:   PaymentStatusRequiresPayment,
			Source:   "attempt:create",
		})
		if err != nil {
			return err
		}
		if !result.Applied && !result.AlreadyAt(PaymentStatusRequiresPayment) {
			return goerrors.New("order left the payable state", goerrors.CategoryConflict).
				WithCode(http.StatusConflict).
				WithTextCode(ServiceErrorConflict).
				WithMetadata(map[string]any{"order_id": order.ID, "payment_status": string(result.From)})
		}
		return nil
	})
	return attempt, err
}

// failRemoteCreate marks the attempt failed and leaves the order payable.
func (o *AttemptOrchestrator) failRemoteCreate(
	ctx context.Context,
	attempt PaymentAttempt,
	fields map[string]any,
	cause error,
) (AttemptResult, error) {
	providerErr := ProviderFailure(cause, map[string]any{"order_id": attempt.OrderID, "attempt_id": attempt.ID})
	code := ReasonProviderError
	if IsProviderTimeout(providerErr) {
		code = ReasonProviderTimeout
	}
	if _, _, err := o.stores.Attempts().Transition(context.WithoutCancel(ctx), AttemptTransition{
		AttemptID: attempt.ID,
		From:      []AttemptStatus{AttemptStatusCreating},
		To:        AttemptStatusFailed,
		ErrorCode: code,
	}); err != nil {
		fields["error"] = err.Error()
		logError(ctx, o.logger, "failed to mark payment attempt failed", fields)
	}
	fields["reason"] = code
	logWarn(ctx, o.logger, "remote invoice creation failed", fields)
	return AttemptResult{AttemptID: attempt.ID, AttemptNumber: attempt.AttemptNumber}, providerErr
}

// compensate undoes a remote invoice that could not be persisted: cancel the
// invoice, fail the attempt, cancel the order, release inventory. Every step
// runs even when an earlier one fails. A superseded attempt only gives up its
// own invoice; the order may already belong to a newer attempt.
func (o *AttemptOrchestrator) compensate(
	ctx context.Context,
	order Order,
	attempt PaymentAttempt,
	invoice Invoice,
	gateway PaymentGateway,
	cause error,
) (AttemptResult, error) {
	base := context.WithoutCancel(ctx)
	fields := map[string]any{
		"order_id":   order.ID,
		"attempt_id": attempt.ID,
		"remote_id":  invoice.RemoteID,
		"reason":     ReasonInvoicePersistFailed,
	}
	errs := []error{cause}

	cancelCtx, cancel := context.WithTimeout(base, o.config.RemoteTimeout)
	if err := gateway.CancelInvoice(cancelCtx, invoice.RemoteID); err != nil {
		errs = append(errs, ProviderFailure(err, fields))
	}
	cancel()

	if _, _, err := o.stores.Attempts().Transition(base, AttemptTransition{
		AttemptID: attempt.ID,
		From:      []AttemptStatus{AttemptStatusCreating, AttemptStatusActive},
		To:        AttemptStatusFailed,
		ErrorCode: ReasonInvoicePersistFailed,
	}); err != nil {
		errs = append(errs, err)
	}

	if errors.Is(cause, errAttemptSuperseded) {
		fields["reason"] = ReasonStaleCreating
		logWarn(ctx, o.logger, "superseded attempt invoice canceled", fields)
		return AttemptResult{AttemptID: attempt.ID, AttemptNumber: attempt.AttemptNumber},
			NewInvoicePersistFailedError(order.ID, attempt.ID, errors.Join(errs...))
	}

	canceled := OrderStatusCanceled
	if _, err := o.machine.Transition(base, TransitionRequest{
		OrderID:  order.ID,
		Provider: order.Provider,
		Target:   PaymentStatusFailed,
		Source:   "attempt:compensate",
		Fields: OrderFields{
			Status:                  &canceled,
			MarkInventoryReleasable: true,
		},
	}); err != nil {
		errs = append(errs, err)
	}

	if _, err := o.stores.Inventory().ReleaseOrder(base, order.ID); err != nil {
		errs = append(errs, err)
	}

	joined := errors.Join(errs...)
	fields["error"] = joined.Error()
	logError(ctx, o.logger, "remote invoice compensated", fields)
	return AttemptResult{AttemptID: attempt.ID, AttemptNumber: attempt.AttemptNumber},
		NewInvoicePersistFailedError(order.ID, attempt.ID, joined)
}
