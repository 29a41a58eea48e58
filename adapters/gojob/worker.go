package gojob

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

type JanitorRunner interface {
	Run(ctx context.Context, job janitor.JobName, opts janitor.Options) (janitor.Result, error)
}

// Schedule enqueues one janitor run.
func Schedule(ctx context.Context, enqueuer core.JobEnqueuer, name janitor.JobName, opts janitor.Options, now time.Time) error {
	if enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if _, err := janitor.ParseJobName(string(name)); err != nil {
		return err
	}
	return enqueuer.Enqueue(ctx, NewJanitorMessage(name, opts, now))
}

// ScheduleEvery enqueues one run of each job per interval until ctx is done.
// Failed enqueues are reported to onError and retried on the next tick.
func ScheduleEvery(
	ctx context.Context,
	enqueuer core.JobEnqueuer,
	jobs []janitor.JobName,
	interval time.Duration,
	now func() time.Time,
	onError func(janitor.JobName, error),
) error {
	if interval <= 0 {
		return fmt.Errorf("gojob: schedule interval must be positive")
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, name := range jobs {
			if err := Schedule(ctx, enqueuer, name, janitor.Options{}, now()); err != nil && ctx.Err() == nil && onError != nil {
				onError(name, err)
			}
		}
	}
}

// Worker consumes janitor messages and runs them. Failed runs are requeued
// with backoff; malformed messages and terminal errors are dead-lettered.
type Worker struct {
	dequeuer core.JobDequeuer
	runner   JanitorRunner
	policy   RetryPolicy
	hook     core.JobWorkerHook
}

func NewWorker(dequeuer core.JobDequeuer, runner JanitorRunner, policy RetryPolicy, hook core.JobWorkerHook) *Worker {
	return &Worker{dequeuer: dequeuer, runner: runner, policy: policy, hook: hook}
}

// Run processes deliveries until ctx is done. Run failures are settled on
// the delivery and reported through the hook.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.runner == nil {
		return fmt.Errorf("gojob: worker is not configured")
	}
	for {
		delivery, err := w.dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if delivery == nil {
			continue
		}
		_, _ = w.Process(ctx, delivery)
	}
}

func (w *Worker) ProcessNext(ctx context.Context) (janitor.Result, error) {
	if w == nil || w.dequeuer == nil || w.runner == nil {
		return janitor.Result{}, fmt.Errorf("gojob: worker is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return janitor.Result{}, err
	}
	if delivery == nil {
		return janitor.Result{}, fmt.Errorf("gojob: dequeued delivery is nil")
	}
	return w.Process(ctx, delivery)
}

func (w *Worker) Process(ctx context.Context, delivery core.JobDelivery) (janitor.Result, error) {
	startedAt := time.Now()
	event := core.JobWorkerEvent{Message: delivery.Message(), Attempt: 1, StartedAt: startedAt}
	w.hooks().OnStart(ctx, event)

	name, opts, err := JanitorRequest(event.Message)
	if err != nil {
		event.Err = err
		event.Duration = time.Since(startedAt)
		w.hooks().OnFailure(ctx, event)
		if nackErr := delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()}); nackErr != nil {
			return janitor.Result{}, nackErr
		}
		return janitor.Result{}, err
	}

	result, err := w.runner.Run(ctx, name, opts)
	event.Duration = time.Since(startedAt)
	if err != nil {
		event.Err = err
		nack := core.JobNackOptions{Reason: err.Error()}
		if core.IsRetryable(err) {
			nack.Requeue = true
			nack.Delay = w.policy.Backoff(event.Attempt)
			event.Delay = nack.Delay
			w.hooks().OnRetry(ctx, event)
		} else {
			nack.DeadLetter = true
			w.hooks().OnFailure(ctx, event)
		}
		if nackErr := delivery.Nack(ctx, nack); nackErr != nil {
			return result, nackErr
		}
		return result, err
	}
	if err := delivery.Ack(ctx); err != nil {
		return result, err
	}
	w.hooks().OnSuccess(ctx, event)
	return result, nil
}

func (w *Worker) hooks() core.JobWorkerHook {
	if w.hook == nil {
		return nopHook{}
	}
	return w.hook
}

type nopHook struct{}

func (nopHook) OnStart(context.Context, core.JobWorkerEvent)   {}
func (nopHook) OnSuccess(context.Context, core.JobWorkerEvent) {}
func (nopHook) OnFailure(context.Context, core.JobWorkerEvent) {}
func (nopHook) OnRetry(context.Context, core.JobWorkerEvent)   {}

var _ JanitorRunner = (*janitor.Runner)(nil)
