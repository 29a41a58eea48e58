package query

import (
	"strings"
)

const (
	TypeGetOrder           = "payments.query.order.get"
	TypeNeedsReviewReport  = "payments.query.webhook_events.needs_review"
	TypeStuckPendingReport = "payments.query.webhook_events.stuck_pending"
)

type GetOrderMessage struct {
	OrderID string
}

func (GetOrderMessage) Type() string { return TypeGetOrder }

func (m GetOrderMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return queryValidationError("order_id", "order id is required")
	}
	return nil
}

// NeedsReviewReportMessage asks for the review backlog. Limit bounds the
// sample the top reasons are computed from.
type NeedsReviewReportMessage struct {
	Limit int
}

func (NeedsReviewReportMessage) Type() string { return TypeNeedsReviewReport }

func (m NeedsReviewReportMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type StuckPendingReportMessage struct {
	Limit int
}

func (StuckPendingReportMessage) Type() string { return TypeStuckPendingReport }

func (m StuckPendingReportMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}
