package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

var (
	_ gocmd.Querier[GetOrderMessage, core.Order]               = (*GetOrderQuery)(nil)
	_ gocmd.Querier[NeedsReviewReportMessage, janitor.Result]  = (*NeedsReviewReportQuery)(nil)
	_ gocmd.Querier[StuckPendingReportMessage, janitor.Result] = (*StuckPendingReportQuery)(nil)
	_ OrderReader                                              = (*core.Service)(nil)
)
