package payments

import (
	"fmt"

	paymentscommand "github.com/goliatone/go-payments/command"
	paymentsquery "github.com/goliatone/go-payments/query"
)

// CommandQueryService is the service surface the facade drives.
type CommandQueryService interface {
	paymentscommand.OrderService
	paymentscommand.AttemptService
	paymentsquery.OrderReader
}

// JanitorRunner runs janitor jobs for both the run command and the
// read-only report queries.
type JanitorRunner interface {
	paymentscommand.JanitorRunner
	paymentsquery.ReportRunner
}

type Commands struct {
	CreateOrder   *paymentscommand.CreateOrderCommand
	CreateAttempt *paymentscommand.CreateAttemptCommand
	RunJanitorJob *paymentscommand.RunJanitorJobCommand
}

type Queries struct {
	GetOrder           *paymentsquery.GetOrderQuery
	NeedsReviewReport  *paymentsquery.NeedsReviewReportQuery
	StuckPendingReport *paymentsquery.StuckPendingReportQuery
}

type Facade struct {
	service  CommandQueryService
	janitor  JanitorRunner
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	janitor JanitorRunner
}

// WithJanitor wires the janitor command and report queries. Without it those
// handlers are left nil.
func WithJanitor(runner JanitorRunner) FacadeOption {
	return func(options *facadeOptions) {
		options.janitor = runner
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("payments: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	facade := &Facade{service: service, janitor: cfg.janitor}
	facade.commands = Commands{
		CreateOrder:   paymentscommand.NewCreateOrderCommand(service),
		CreateAttempt: paymentscommand.NewCreateAttemptCommand(service),
	}
	facade.queries = Queries{
		GetOrder: paymentsquery.NewGetOrderQuery(service),
	}
	if cfg.janitor != nil {
		facade.commands.RunJanitorJob = paymentscommand.NewRunJanitorJobCommand(cfg.janitor)
		facade.queries.NeedsReviewReport = paymentsquery.NewNeedsReviewReportQuery(cfg.janitor)
		facade.queries.StuckPendingReport = paymentsquery.NewStuckPendingReportQuery(cfg.janitor)
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) Janitor() JanitorRunner {
	if f == nil {
		return nil
	}
	return f.janitor
}
