// Package janitor repairs and reports rows the inline pipeline left behind.
// Every job is idempotent and a no-op when nothing is eligible.
package janitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-payments/core"
)

type JobName string

const (
	JobRestockStaleOrders        JobName = "restock_stale_orders"
	JobReportNeedsReviewEvents   JobName = "report_needs_review_events"
	JobReportStuckPendingEvents  JobName = "report_stuck_pending_events"
	JobSweepStaleCreatingAttempt JobName = "sweep_stale_creating_attempts"
	JobPurgeRateLimitWindows     JobName = "purge_rate_limit_windows"
)

// Jobs lists every job in a stable order.
func Jobs() []JobName {
	return []JobName{
		JobRestockStaleOrders,
		JobReportNeedsReviewEvents,
		JobReportStuckPendingEvents,
		JobSweepStaleCreatingAttempt,
		JobPurgeRateLimitWindows,
	}
}

func ParseJobName(value string) (JobName, error) {
	name := JobName(strings.ToLower(strings.TrimSpace(value)))
	for _, job := range Jobs() {
		if job == name {
			return job, nil
		}
	}
	return "", goerrors.New(fmt.Sprintf("janitor: unknown job %q", value), goerrors.CategoryBadInput).
		WithTextCode(core.ServiceErrorBadInput)
}

type Options struct {
	DryRun bool
	Limit  int
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

type Result struct {
	Job              JobName       `json:"job"`
	DryRun           bool          `json:"dry_run"`
	Processed        int           `json:"processed"`
	Applied          int           `json:"applied"`
	Noop             int           `json:"noop"`
	Failed           int           `json:"failed"`
	Count            int           `json:"count"`
	OldestAgeMinutes int           `json:"oldest_age_minutes"`
	TopReasons       []ReasonCount `json:"top_reasons,omitempty"`
}

// WindowStore deletes expired rate-limit windows.
type WindowStore interface {
	Purge(ctx context.Context, before time.Time) (int, error)
	CountStale(ctx context.Context, before time.Time) (int, error)
}

type Runner struct {
	stores        core.StoreProvider
	windows       WindowStore
	machine       *core.StateMachine
	gateways      map[core.Provider]core.PaymentGateway
	cancelTimeout time.Duration
	config        core.JanitorConfig
	logger        core.Logger
	clock         core.Clock
	workerID      string
}

type Option func(*Runner)

func WithLogger(logger core.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(clock core.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithStateMachine(machine *core.StateMachine) Option {
	return func(r *Runner) {
		if machine != nil {
			r.machine = machine
		}
	}
}

// WithGateways lets restock cancel the live invoice of an order's open
// attempt. Orders whose provider has no gateway keep their attempt and are
// skipped until the invoice resolves on its own.
func WithGateways(gateways ...core.PaymentGateway) Option {
	return func(r *Runner) {
		for _, gateway := range gateways {
			if gateway == nil {
				continue
			}
			if r.gateways == nil {
				r.gateways = map[core.Provider]core.PaymentGateway{}
			}
			r.gateways[gateway.Provider()] = gateway
		}
	}
}

// WithCancelTimeout bounds each remote invoice cancellation.
func WithCancelTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout > 0 {
			r.cancelTimeout = timeout
		}
	}
}

// WithWorkerID names the sweep claims this runner takes.
func WithWorkerID(id string) Option {
	return func(r *Runner) {
		if id = strings.TrimSpace(id); id != "" {
			r.workerID = id
		}
	}
}

func NewRunner(stores core.StoreProvider, windows WindowStore, config core.JanitorConfig, opts ...Option) *Runner {
	defaults := core.DefaultConfig().Janitor
	if config.StaleOrderAfter <= 0 {
		config.StaleOrderAfter = defaults.StaleOrderAfter
	}
	if config.SweepClaimTTL <= 0 {
		config.SweepClaimTTL = defaults.SweepClaimTTL
	}
	if config.StuckEventAfter <= 0 {
		config.StuckEventAfter = defaults.StuckEventAfter
	}
	if config.RateLimitRetention <= 0 {
		config.RateLimitRetention = defaults.RateLimitRetention
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaults.DefaultLimit
	}
	runner := &Runner{
		stores:        stores,
		windows:       windows,
		config:        config,
		logger:        glog.Nop(),
		clock:         func() time.Time { return time.Now().UTC() },
		cancelTimeout: core.DefaultConfig().Attempts.RemoteTimeout,
		workerID:      "janitor",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	if runner.machine == nil && stores != nil {
		runner.machine = core.NewStateMachine(stores.Orders(), nil, runner.logger)
	}
	return runner
}

func (r *Runner) Run(ctx context.Context, job JobName, opts Options) (Result, error) {
	if r == nil || r.stores == nil {
		return Result{}, fmt.Errorf("janitor: runner is not configured")
	}
	if opts.Limit <= 0 {
		opts.Limit = r.config.DefaultLimit
	}
	startedAt := time.Now()
	var (
		result Result
		err    error
	)
	switch job {
	case JobRestockStaleOrders:
		result, err = r.restockStaleOrders(ctx, opts)
	case JobReportNeedsReviewEvents:
		result, err = r.reportNeedsReview(ctx, opts)
	case JobReportStuckPendingEvents:
		result, err = r.reportStuckPending(ctx, opts)
	case JobSweepStaleCreatingAttempt:
		result, err = r.sweepStaleCreating(ctx, opts)
	case JobPurgeRateLimitWindows:
		result, err = r.purgeRateLimitWindows(ctx, opts)
	default:
		_, err = ParseJobName(string(job))
		return Result{}, err
	}
	result.Job = job
	result.DryRun = opts.DryRun

	fields := map[string]any{
		"job":         string(job),
		"dry_run":     opts.DryRun,
		"limit":       opts.Limit,
		"processed":   result.Processed,
		"applied":     result.Applied,
		"noop":        result.Noop,
		"failed":      result.Failed,
		"count":       result.Count,
		"worker_id":   r.workerID,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		core.LogWithLevel(ctx, r.logger, "error", "janitor job failed", fields)
		return result, err
	}
	if result.OldestAgeMinutes > 0 {
		fields["oldest_age_minutes"] = result.OldestAgeMinutes
	}
	core.LogWithLevel(ctx, r.logger, "info", "janitor job finished", fields)
	return result, nil
}

func (r *Runner) now() time.Time {
	return r.clock().UTC()
}

func ageMinutes(now time.Time, then time.Time) int {
	if then.IsZero() || !now.After(then) {
		return 0
	}
	return int(now.Sub(then) / time.Minute)
}

func topReasons(events []core.WebhookEvent, max int) []ReasonCount {
	counts := map[string]int{}
	for _, event := range events {
		reason := strings.TrimSpace(event.AppliedErrorCode)
		if reason == "" {
			reason = "UNKNOWN"
		}
		counts[reason]++
	}
	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
