package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

var (
	_ gocmd.Commander[CreateOrderMessage]   = (*CreateOrderCommand)(nil)
	_ gocmd.Commander[CreateAttemptMessage] = (*CreateAttemptCommand)(nil)
	_ gocmd.Commander[RunJanitorJobMessage] = (*RunJanitorJobCommand)(nil)
	_ OrderService                          = (*core.Service)(nil)
	_ AttemptService                        = (*core.Service)(nil)
	_ JanitorRunner                         = (*janitor.Runner)(nil)
)
