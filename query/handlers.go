package query

import (
	"context"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (core.Order, error)
}

// ReportRunner runs the read-only janitor reports.
type ReportRunner interface {
	Run(ctx context.Context, job janitor.JobName, opts janitor.Options) (janitor.Result, error)
}

type GetOrderQuery struct {
	reader OrderReader
}

func NewGetOrderQuery(reader OrderReader) *GetOrderQuery {
	return &GetOrderQuery{reader: reader}
}

func (q *GetOrderQuery) Query(ctx context.Context, msg GetOrderMessage) (core.Order, error) {
	if q == nil || q.reader == nil {
		return core.Order{}, queryDependencyError("query: order reader is required")
	}
	return q.reader.GetOrder(ctx, msg.OrderID)
}

type NeedsReviewReportQuery struct {
	runner ReportRunner
}

func NewNeedsReviewReportQuery(runner ReportRunner) *NeedsReviewReportQuery {
	return &NeedsReviewReportQuery{runner: runner}
}

func (q *NeedsReviewReportQuery) Query(ctx context.Context, msg NeedsReviewReportMessage) (janitor.Result, error) {
	if q == nil || q.runner == nil {
		return janitor.Result{}, queryDependencyError("query: report runner is required")
	}
	return q.runner.Run(ctx, janitor.JobReportNeedsReviewEvents, janitor.Options{DryRun: true, Limit: msg.Limit})
}

type StuckPendingReportQuery struct {
	runner ReportRunner
}

func NewStuckPendingReportQuery(runner ReportRunner) *StuckPendingReportQuery {
	return &StuckPendingReportQuery{runner: runner}
}

func (q *StuckPendingReportQuery) Query(ctx context.Context, msg StuckPendingReportMessage) (janitor.Result, error) {
	if q == nil || q.runner == nil {
		return janitor.Result{}, queryDependencyError("query: report runner is required")
	}
	return q.runner.Run(ctx, janitor.JobReportStuckPendingEvents, janitor.Options{DryRun: true, Limit: msg.Limit})
}
