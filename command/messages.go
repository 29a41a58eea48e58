package command

import (
	"strings"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

const (
	TypeCreateOrder   = "payments.command.order.create"
	TypeCreateAttempt = "payments.command.attempt.create"
	TypeRunJanitorJob = "payments.command.janitor.run"
)

type CreateOrderMessage struct {
	Input core.CreateOrderInput
}

func (CreateOrderMessage) Type() string { return TypeCreateOrder }

func (m CreateOrderMessage) Validate() error {
	if strings.TrimSpace(m.Input.IdempotencyKey) == "" {
		return commandValidationError("idempotency_key", "idempotency key is required")
	}
	if err := m.Input.Validate(); err != nil {
		return commandWrapValidation(err, "command: invalid order")
	}
	return nil
}

// CreateAttemptMessage starts a payment attempt for an order. Repeating it
// while an attempt is open returns that attempt.
type CreateAttemptMessage struct {
	OrderID string
}

func (CreateAttemptMessage) Type() string { return TypeCreateAttempt }

func (m CreateAttemptMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return commandValidationError("order_id", "order id is required")
	}
	return nil
}

type RunJanitorJobMessage struct {
	Job    string
	DryRun bool
	Limit  int
}

func (RunJanitorJobMessage) Type() string { return TypeRunJanitorJob }

func (m RunJanitorJobMessage) Validate() error {
	if strings.TrimSpace(m.Job) == "" {
		return commandValidationError("job", "job name is required")
	}
	if _, err := janitor.ParseJobName(m.Job); err != nil {
		return commandWrapValidation(err, "command: unknown janitor job")
	}
	if m.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	return nil
}
