package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in core.CreateOrderInput) (core.Order, error)
}

type AttemptService interface {
	CreateAttemptAndRemoteInvoice(ctx context.Context, orderID string) (core.AttemptResult, error)
}

type JanitorRunner interface {
	Run(ctx context.Context, job janitor.JobName, opts janitor.Options) (janitor.Result, error)
}

type CreateOrderCommand struct {
	service OrderService
}

func NewCreateOrderCommand(service OrderService) *CreateOrderCommand {
	return &CreateOrderCommand{service: service}
}

func (c *CreateOrderCommand) Execute(ctx context.Context, msg CreateOrderMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: order service is required")
	}
	out, err := c.service.CreateOrder(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CreateAttemptCommand struct {
	service AttemptService
}

func NewCreateAttemptCommand(service AttemptService) *CreateAttemptCommand {
	return &CreateAttemptCommand{service: service}
}

func (c *CreateAttemptCommand) Execute(ctx context.Context, msg CreateAttemptMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: attempt service is required")
	}
	out, err := c.service.CreateAttemptAndRemoteInvoice(ctx, msg.OrderID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunJanitorJobCommand struct {
	runner JanitorRunner
}

func NewRunJanitorJobCommand(runner JanitorRunner) *RunJanitorJobCommand {
	return &RunJanitorJobCommand{runner: runner}
}

func (c *RunJanitorJobCommand) Execute(ctx context.Context, msg RunJanitorJobMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: janitor runner is required")
	}
	job, err := janitor.ParseJobName(msg.Job)
	if err != nil {
		return commandWrapValidation(err, "command: unknown janitor job")
	}
	out, err := c.runner.Run(ctx, job, janitor.Options{DryRun: msg.DryRun, Limit: msg.Limit})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
