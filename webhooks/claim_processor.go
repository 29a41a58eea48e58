package webhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-payments/core"
)

type ProcessResult struct {
	Claimed     bool
	EventID     string
	Result      core.AppliedResult
	ErrorCode   string
	NeedsReview bool
	Retrying    bool
}

type DrainSummary struct {
	Processed int
	Applied   int
	Noop      int
	Rejected  int
	Retrying  int
}

// ClaimProcessor finishes undecided events: ones whose ingesting worker died,
// and ones waiting out a retry backoff.
type ClaimProcessor struct {
	Events       core.WebhookEventStore
	Applier      Applier
	WorkerID     string
	Lease        time.Duration
	MaxAttempts  int
	RetryPolicy  RetryPolicy
	PollInterval time.Duration
	Logger       core.Logger
	Now          func() time.Time
}

func NewClaimProcessor(events core.WebhookEventStore, applier Applier, workerID string) *ClaimProcessor {
	return &ClaimProcessor{
		Events:       events,
		Applier:      applier,
		WorkerID:     strings.TrimSpace(workerID),
		Lease:        30 * time.Second,
		MaxAttempts:  8,
		RetryPolicy:  ExponentialRetryPolicy{Initial: 5 * time.Second, Max: 10 * time.Minute},
		PollInterval: time.Second,
		Logger:       glog.Nop(),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ProcessNext claims the oldest eligible event and settles it. Claimed is
// false when nothing was eligible.
func (p *ClaimProcessor) ProcessNext(ctx context.Context) (ProcessResult, error) {
	if p == nil || p.Events == nil || p.Applier == nil {
		return ProcessResult{}, fmt.Errorf("webhooks: claim processor requires event store and applier")
	}
	if strings.TrimSpace(p.WorkerID) == "" {
		return ProcessResult{}, fmt.Errorf("webhooks: claim processor worker id is required")
	}
	event, claimed, err := p.Events.ClaimNext(ctx, p.WorkerID, p.lease())
	if err != nil || !claimed {
		return ProcessResult{}, err
	}

	outcome, applyErr := p.Applier.Apply(ctx, event)
	settled, err := p.settler().settle(ctx, event, outcome, applyErr)
	if err != nil {
		return ProcessResult{Claimed: true, EventID: event.ID}, err
	}
	core.LogWithLevel(ctx, p.Logger, "debug", "claimed webhook event settled", map[string]any{
		"event_id":    event.ID,
		"provider_id": event.Provider,
		"worker_id":   p.WorkerID,
		"result":      settled.Result,
		"reason":      settled.ErrorCode,
	})
	return ProcessResult{
		Claimed:     true,
		EventID:     event.ID,
		Result:      settled.Result,
		ErrorCode:   settled.ErrorCode,
		NeedsReview: settled.NeedsReview,
		Retrying:    settled.Retrying,
	}, nil
}

// Drain processes events until none are eligible or limit is reached.
func (p *ClaimProcessor) Drain(ctx context.Context, limit int) (DrainSummary, error) {
	var summary DrainSummary
	for limit <= 0 || summary.Processed < limit {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := p.ProcessNext(ctx)
		if err != nil {
			return summary, err
		}
		if !result.Claimed {
			return summary, nil
		}
		summary.Processed++
		switch {
		case result.Retrying:
			summary.Retrying++
		case result.Result == core.AppliedResultApplied:
			summary.Applied++
		case result.Result == core.AppliedResultNoop:
			summary.Noop++
		default:
			summary.Rejected++
		}
	}
	return summary, nil
}

// Run drains on every poll tick until ctx is canceled.
func (p *ClaimProcessor) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.Drain(ctx, 0); err != nil && ctx.Err() == nil {
			core.LogWithLevel(ctx, p.Logger, "error", "webhook claim drain failed", map[string]any{
				"worker_id": p.WorkerID,
				"error":     err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *ClaimProcessor) settler() settler {
	retry := p.RetryPolicy
	if retry == nil {
		retry = ExponentialRetryPolicy{}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return settler{events: p.Events, retry: retry, maxAttempts: maxAttempts, now: now, logger: p.Logger}
}

func (p *ClaimProcessor) lease() time.Duration {
	if p.Lease > 0 {
		return p.Lease
	}
	return 30 * time.Second
}
