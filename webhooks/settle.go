package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-payments/core"
)

// Applier applies a stored event. *core.EventApplier satisfies it.
type Applier interface {
	Apply(ctx context.Context, event core.WebhookEvent) (core.ApplyOutcome, error)
}

type settlement struct {
	Result      core.AppliedResult
	ErrorCode   string
	NeedsReview bool
	Retrying    bool
	RetryAt     time.Time
}

// settler persists what happened to a claimed event: the outcome when it is
// final, or a retry with backoff when it is transient.
type settler struct {
	events      core.WebhookEventStore
	retry       RetryPolicy
	maxAttempts int
	now         func() time.Time
	logger      core.Logger
}

func (s settler) settle(
	ctx context.Context,
	event core.WebhookEvent,
	outcome core.ApplyOutcome,
	applyErr error,
) (settlement, error) {
	if s.events == nil {
		return settlement{}, fmt.Errorf("webhooks: event store is required")
	}
	fields := map[string]any{
		"event_id":    event.ID,
		"event_key":   event.EventKey,
		"provider_id": event.Provider,
		"order_id":    outcome.OrderID,
		"attempt_id":  outcome.AttemptID,
	}
	if applyErr == nil && !outcome.Retryable {
		if err := s.events.RecordOutcome(ctx, event.ID, outcome); err != nil {
			return settlement{}, err
		}
		if outcome.NeedsReview {
			fields["result"] = outcome.Result
			fields["reason"] = outcome.ErrorCode
			core.LogWithLevel(ctx, s.logger, "warn", "webhook event needs review", fields)
		}
		return settlement{
			Result:      outcome.Result,
			ErrorCode:   outcome.ErrorCode,
			NeedsReview: outcome.NeedsReview,
		}, nil
	}

	code := outcome.ErrorCode
	if applyErr != nil {
		code = core.ReasonStoreUnavailable
		fields["error"] = applyErr.Error()
	}
	attempt := event.Attempts + 1
	retryAt := s.now().UTC().Add(s.retry.NextDelay(attempt))
	updated, err := s.events.RecordRetry(ctx, core.RetryEventInput{
		EventID:     event.ID,
		ErrorCode:   code,
		RetryAt:     retryAt,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return settlement{}, err
	}
	fields["reason"] = code
	fields["attempts"] = updated.Attempts
	if updated.Decided() {
		core.LogWithLevel(ctx, s.logger, "warn", "webhook event retries exhausted", fields)
		return settlement{
			Result:      updated.AppliedResult,
			ErrorCode:   code,
			NeedsReview: updated.Status == core.EventStatusNeedsReview,
		}, nil
	}
	core.LogWithLevel(ctx, s.logger, "info", "webhook event scheduled for retry", fields)
	return settlement{ErrorCode: code, Retrying: true, RetryAt: retryAt}, nil
}

var _ Applier = (*core.EventApplier)(nil)
