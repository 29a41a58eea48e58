// Package gocommand registers the payments command/query facade on go-command.
package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	paymentscommand "github.com/goliatone/go-payments/command"
	paymentsquery "github.com/goliatone/go-payments/query"
)

// ValidateMessageContract requires a non-empty Type() and runs Validate() when
// the message has one.
func ValidateMessageContract(msg any) error {
	if err := gocmd.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(gocmd.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *gocmd.Registry
}

func NewRegistryAdapter(registry *gocmd.Registry) *RegistryAdapter {
	if registry == nil {
		registry = gocmd.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *gocmd.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so they can be run from queued messages.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Subscriptions are the dispatcher subscriptions of one registration.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

func RegisterCommand[T any](
	adapter *RegistryAdapter,
	cmd gocmd.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterQuery[T any, R any](
	adapter *RegistryAdapter,
	qry gocmd.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Handlers are the services behind the payments facade. Nil entries skip the
// messages they serve.
type Handlers struct {
	Orders   paymentscommand.OrderService
	Attempts paymentscommand.AttemptService
	Janitor  paymentscommand.JanitorRunner
	Reader   paymentsquery.OrderReader
}

// RegisterPayments registers and subscribes every facade message whose
// service is present.
func RegisterPayments(adapter *RegistryAdapter, handlers Handlers, runnerOpts ...runner.Option) (Subscriptions, error) {
	var (
		subs Subscriptions
		errs []error
	)
	add := func(sub commanddispatcher.Subscription, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		subs = append(subs, sub)
	}
	if handlers.Orders != nil {
		add(RegisterCommand(adapter, paymentscommand.NewCreateOrderCommand(handlers.Orders), runnerOpts...))
	}
	if handlers.Attempts != nil {
		add(RegisterCommand(adapter, paymentscommand.NewCreateAttemptCommand(handlers.Attempts), runnerOpts...))
	}
	if handlers.Janitor != nil {
		add(RegisterCommand(adapter, paymentscommand.NewRunJanitorJobCommand(handlers.Janitor), runnerOpts...))
		add(RegisterQuery(adapter, paymentsquery.NewNeedsReviewReportQuery(handlers.Janitor), runnerOpts...))
		add(RegisterQuery(adapter, paymentsquery.NewStuckPendingReportQuery(handlers.Janitor), runnerOpts...))
	}
	if handlers.Reader != nil {
		add(RegisterQuery(adapter, paymentsquery.NewGetOrderQuery(handlers.Reader), runnerOpts...))
	}
	if err := errors.Join(errs...); err != nil {
		subs.Unsubscribe()
		return nil, err
	}
	return subs, nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchWithResult dispatches a command and returns the result its handler
// stored on the context.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	collector := gocmd.NewResult[R]()
	if err := Dispatch(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, fmt.Errorf("gocommand: %T produced no result", msg)
	}
	return out, nil
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}
