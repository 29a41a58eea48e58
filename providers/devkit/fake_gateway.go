package devkit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-payments/core"
)

// GatewayScript is the scripted reply to one CreateInvoice call. Block waits
// for the caller's deadline instead of replying.
type GatewayScript struct {
	Invoice core.Invoice
	Err     error
	Block   bool
}

// FakeGateway is a scripted core.PaymentGateway that records every call.
type FakeGateway struct {
	mu        sync.Mutex
	provider  core.Provider
	scripts   []GatewayScript
	requests  []core.CreateInvoiceRequest
	canceled  []string
	CancelErr error
}

func NewFakeGateway(provider core.Provider, scripts ...GatewayScript) *FakeGateway {
	return &FakeGateway{
		provider: provider,
		scripts:  append([]GatewayScript(nil), scripts...),
	}
}

func (g *FakeGateway) Provider() core.Provider {
	if g == nil {
		return ""
	}
	return g.provider
}

func (g *FakeGateway) CreateInvoice(ctx context.Context, req core.CreateInvoiceRequest) (core.Invoice, error) {
	if g == nil {
		return core.Invoice{}, fmt.Errorf("devkit: fake gateway is nil")
	}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	index := len(g.requests) - 1
	script := GatewayScript{Invoice: core.Invoice{
		RemoteID:  fmt.Sprintf("inv_%d", index+1),
		PageURL:   fmt.Sprintf("https://pay.example.test/inv_%d", index+1),
		Reference: req.Reference,
	}}
	switch {
	case index < len(g.scripts):
		script = g.scripts[index]
	case len(g.scripts) > 0:
		script = g.scripts[len(g.scripts)-1]
	}
	g.mu.Unlock()

	if script.Block {
		<-ctx.Done()
		return core.Invoice{}, ctx.Err()
	}
	if script.Err != nil {
		return core.Invoice{}, script.Err
	}
	return script.Invoice, nil
}

func (g *FakeGateway) CancelInvoice(_ context.Context, remoteID string) error {
	if g == nil {
		return fmt.Errorf("devkit: fake gateway is nil")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, strings.TrimSpace(remoteID))
	return g.CancelErr
}

func (g *FakeGateway) Requests() []core.CreateInvoiceRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.CreateInvoiceRequest(nil), g.requests...)
}

func (g *FakeGateway) Canceled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

var _ core.PaymentGateway = (*FakeGateway)(nil)
