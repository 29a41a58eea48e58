package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-payments/core"
)

const topReasonLimit = 5

func (r *Runner) restockStaleOrders(ctx context.Context, opts Options) (Result, error) {
	now := r.now()
	candidates, err := r.stores.Orders().ListRestockCandidates(ctx, core.RestockQuery{
		CreatedBefore: now.Add(-r.config.StaleOrderAfter),
		Now:           now,
		Limit:         opts.Limit,
	})
	if err != nil {
		return Result{}, err
	}
	result := Result{Processed: len(candidates), Count: len(candidates)}
	if len(candidates) > 0 {
		result.OldestAgeMinutes = ageMinutes(now, candidates[0].CreatedAt)
	}
	if opts.DryRun {
		return result, nil
	}

	for _, order := range candidates {
		released, err := r.restockOrder(ctx, order)
		switch {
		case err != nil:
			result.Failed++
			core.LogWithLevel(ctx, r.logger, "warn", "janitor restock failed", map[string]any{
				"job":       string(JobRestockStaleOrders),
				"order_id":  order.ID,
				"worker_id": r.workerID,
				"error":     err.Error(),
			})
		case released:
			result.Applied++
		default:
			result.Noop++
		}
	}
	return result, nil
}

// restockOrder claims the order, fails it when payment never started or
// never finished, and releases its stock. Losing the claim is a no-op, and so
// is an open attempt that cannot be closed yet.
func (r *Runner) restockOrder(ctx context.Context, order core.Order) (bool, error) {
	claimed, err := r.stores.Orders().ClaimForSweep(ctx, order.ID, r.workerID, r.config.SweepClaimTTL)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if order.PaymentStatus == core.PaymentStatusPending || order.PaymentStatus == core.PaymentStatusRequiresPayment {
		closed, err := r.closeOpenAttempt(ctx, order)
		if err != nil || !closed {
			return false, err
		}
		canceled := core.OrderStatusCanceled
		transition, err := r.machine.Transition(ctx, core.TransitionRequest{
			OrderID:  order.ID,
			Provider: order.Provider,
			Target:   core.PaymentStatusFailed,
			Source:   "janitor",
			Fields: core.OrderFields{
				Status:                  &canceled,
				MarkInventoryReleasable: true,
			},
		})
		if err != nil {
			return false, err
		}
		if !transition.Applied && transition.From == core.PaymentStatusPaid {
			// Paid between listing and claiming; keep the stock.
			return false, nil
		}
	}

	release, err := r.stores.Inventory().ReleaseOrder(ctx, order.ID)
	if err != nil {
		return false, err
	}
	return release.Released, nil
}

// closeOpenAttempt ends the order's open attempt so no invoice stays payable
// once the order is failed. An active invoice is canceled at the provider
// before the attempt is closed. It reports false when the attempt has to be
// left alone: a live creating lease, no gateway for the provider, or an
// attempt that moved on concurrently.
func (r *Runner) closeOpenAttempt(ctx context.Context, order core.Order) (bool, error) {
	open, found, err := r.stores.Attempts().GetOpenByOrder(ctx, order.ID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	now := r.now()
	fields := map[string]any{
		"job":        string(JobRestockStaleOrders),
		"order_id":   order.ID,
		"attempt_id": open.ID,
		"remote_id":  open.RemoteID,
		"worker_id":  r.workerID,
	}

	switch open.Status {
	case core.AttemptStatusCreating:
		if open.CreatingLeaseUntil != nil && now.Before(open.CreatingLeaseUntil.UTC()) {
			core.LogWithLevel(ctx, r.logger, "info", "janitor restock deferred: attempt in flight", fields)
			return false, nil
		}
		_, ok, err := r.stores.Attempts().Transition(ctx, core.AttemptTransition{
			AttemptID:      open.ID,
			From:           []core.AttemptStatus{core.AttemptStatusCreating},
			To:             core.AttemptStatusFailed,
			LeaseExpiredAt: &now,
			ErrorCode:      core.ReasonStaleCreating,
		})
		return ok, err
	case core.AttemptStatusActive:
		if open.RemoteID != "" {
			gateway, ok := r.gateways[open.Provider]
			if !ok {
				core.LogWithLevel(ctx, r.logger, "info", "janitor restock deferred: no gateway to cancel invoice", fields)
				return false, nil
			}
			cancelCtx, cancel := context.WithTimeout(ctx, r.cancelTimeout)
			err := gateway.CancelInvoice(cancelCtx, open.RemoteID)
			cancel()
			if err != nil {
				return false, fmt.Errorf("janitor: cancel invoice %s: %w", open.RemoteID, err)
			}
		}
		_, ok, err := r.stores.Attempts().Transition(ctx, core.AttemptTransition{
			AttemptID: open.ID,
			From:      []core.AttemptStatus{core.AttemptStatusActive},
			To:        core.AttemptStatusCanceled,
			ErrorCode: core.ReasonStaleOrder,
		})
		if err == nil && ok {
			fields["reason"] = core.ReasonStaleOrder
			core.LogWithLevel(ctx, r.logger, "info", "janitor canceled open attempt", fields)
		}
		return ok, err
	}
	return true, nil
}

func (r *Runner) reportNeedsReview(ctx context.Context, opts Options) (Result, error) {
	now := r.now()
	events, total, err := r.stores.Events().ListNeedsReview(ctx, core.EventQuery{
		ReceivedBefore: now,
		Limit:          opts.Limit,
	})
	if err != nil {
		return Result{}, err
	}
	return eventReport(now, events, total), nil
}

func (r *Runner) reportStuckPending(ctx context.Context, opts Options) (Result, error) {
	now := r.now()
	events, total, err := r.stores.Events().ListStuckPending(ctx, core.EventQuery{
		ReceivedBefore: now.Add(-r.config.StuckEventAfter),
		Limit:          opts.Limit,
	})
	if err != nil {
		return Result{}, err
	}
	return eventReport(now, events, total), nil
}

// eventReport summarizes a page listed oldest first. Count is the full
// backlog; the reasons come from the listed page.
func eventReport(now time.Time, events []core.WebhookEvent, total int) Result {
	result := Result{Processed: len(events), Count: total}
	if len(events) == 0 {
		return result
	}
	result.OldestAgeMinutes = ageMinutes(now, events[0].ReceivedAt)
	result.TopReasons = topReasons(events, topReasonLimit)
	return result
}

func (r *Runner) sweepStaleCreating(ctx context.Context, opts Options) (Result, error) {
	now := r.now()
	attempts, err := r.stores.Attempts().ListStaleCreating(ctx, now, opts.Limit)
	if err != nil {
		return Result{}, err
	}
	result := Result{Processed: len(attempts), Count: len(attempts)}
	if len(attempts) > 0 {
		result.OldestAgeMinutes = ageMinutes(now, attempts[0].CreatedAt)
	}
	if opts.DryRun {
		return result, nil
	}

	for _, attempt := range attempts {
		_, applied, err := r.stores.Attempts().Transition(ctx, core.AttemptTransition{
			AttemptID:      attempt.ID,
			From:           []core.AttemptStatus{core.AttemptStatusCreating},
			To:             core.AttemptStatusFailed,
			LeaseExpiredAt: &now,
			ErrorCode:      core.ReasonStaleCreating,
		})
		switch {
		case err != nil:
			result.Failed++
			core.LogWithLevel(ctx, r.logger, "warn", "janitor attempt sweep failed", map[string]any{
				"job":        string(JobSweepStaleCreatingAttempt),
				"order_id":   attempt.OrderID,
				"attempt_id": attempt.ID,
				"error":      err.Error(),
			})
		case applied:
			result.Applied++
			core.LogWithLevel(ctx, r.logger, "info", "stale creating attempt failed", map[string]any{
				"job":        string(JobSweepStaleCreatingAttempt),
				"order_id":   attempt.OrderID,
				"attempt_id": attempt.ID,
				"reason":     core.ReasonStaleCreating,
			})
		default:
			result.Noop++
		}
	}
	return result, nil
}

var errNoWindowStore = errors.New("janitor: rate limit window store is not configured")

func (r *Runner) purgeRateLimitWindows(ctx context.Context, opts Options) (Result, error) {
	if r.windows == nil {
		return Result{}, errNoWindowStore
	}
	cutoff := r.now().Add(-r.config.RateLimitRetention)
	if opts.DryRun {
		stale, err := r.windows.CountStale(ctx, cutoff)
		if err != nil {
			return Result{}, fmt.Errorf("janitor: count stale windows: %w", err)
		}
		return Result{Count: stale}, nil
	}
	purged, err := r.windows.Purge(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("janitor: purge windows: %w", err)
	}
	return Result{Processed: purged, Applied: purged, Count: purged}, nil
}
