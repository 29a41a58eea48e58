package payments

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/webhooks"
)

// ProviderPack is everything one remote provider contributes: the gateway
// that issues invoices and the binding that verifies its webhooks.
type ProviderPack struct {
	Name    string
	Gateway core.PaymentGateway
	Binding webhooks.ProviderBinding
}

// BindingRegistrar accepts webhook provider bindings.
type BindingRegistrar interface {
	Register(binding webhooks.ProviderBinding) error
}

type ExtensionHooks struct {
	mu    sync.RWMutex
	packs map[string]ProviderPack
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{packs: map[string]ProviderPack{}}
}

func (h *ExtensionHooks) RegisterProviderPack(pack ProviderPack) error {
	if h == nil {
		return fmt.Errorf("payments: extension hooks are nil")
	}
	name := strings.TrimSpace(strings.ToLower(pack.Name))
	if name == "" {
		return fmt.Errorf("payments: provider pack name is required")
	}
	if pack.Gateway == nil {
		return fmt.Errorf("payments: provider pack %q has no gateway", name)
	}
	if pack.Binding.Codec == nil || pack.Binding.Verifier == nil {
		return fmt.Errorf("payments: provider pack %q has no webhook binding", name)
	}
	if gateway, codec := pack.Gateway.Provider(), pack.Binding.Codec.Provider(); gateway != codec {
		return fmt.Errorf("payments: provider pack %q mixes gateway %q with codec %q", name, gateway, codec)
	}
	pack.Name = name

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.packs == nil {
		h.packs = map[string]ProviderPack{}
	}
	if _, exists := h.packs[name]; exists {
		return fmt.Errorf("payments: provider pack %q already registered", name)
	}
	h.packs[name] = pack
	return nil
}

// ProviderPacks returns the registered packs sorted by name.
func (h *ExtensionHooks) ProviderPacks() []ProviderPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.packs))
	for name := range h.packs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderPack, 0, len(names))
	for _, name := range names {
		out = append(out, h.packs[name])
	}
	return out
}

// ServiceOptions registers every pack gateway with the service.
func (h *ExtensionHooks) ServiceOptions() []core.Option {
	packs := h.ProviderPacks()
	opts := make([]core.Option, 0, len(packs))
	for _, pack := range packs {
		opts = append(opts, core.WithGateway(pack.Gateway))
	}
	return opts
}

// Gateways lists every pack gateway in name order.
func (h *ExtensionHooks) Gateways() []core.PaymentGateway {
	packs := h.ProviderPacks()
	gateways := make([]core.PaymentGateway, 0, len(packs))
	for _, pack := range packs {
		gateways = append(gateways, pack.Gateway)
	}
	return gateways
}

// ApplyBindings registers every pack binding with registrar.
func (h *ExtensionHooks) ApplyBindings(registrar BindingRegistrar) error {
	if h == nil {
		return nil
	}
	if registrar == nil {
		return fmt.Errorf("payments: binding registrar is required")
	}
	for _, pack := range h.ProviderPacks() {
		if err := registrar.Register(pack.Binding); err != nil {
			return fmt.Errorf("payments: provider pack %q: %w", pack.Name, err)
		}
	}
	return nil
}

// Names lists registered pack names in order.
func (h *ExtensionHooks) Names() []string {
	packs := h.ProviderPacks()
	names := make([]string, 0, len(packs))
	for _, pack := range packs {
		names = append(names, pack.Name)
	}
	return names
}
