package payments

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/providers/monobank"
	"github.com/goliatone/go-payments/providers/stripe"
	"github.com/goliatone/go-payments/transport"
	"github.com/goliatone/go-payments/webhooks"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// MonobankProvider builds the invoice gateway and a webhook binding whose
// public key is fetched from the acquiring API and kept in keyCache.
func MonobankProvider(
	cfg core.MonobankConfig,
	rest *transport.RESTAdapter,
	keyCache repositorycache.CacheService,
) (ProviderPack, error) {
	gateway, err := monobank.New(monobank.ConfigFrom(cfg), rest)
	if err != nil {
		return ProviderPack{}, err
	}
	keys, err := webhooks.NewCachedKeyProvider(core.ProviderMonobank, keyCache, gateway.FetchPublicKey)
	if err != nil {
		return ProviderPack{}, err
	}
	return ProviderPack{
		Name:    string(core.ProviderMonobank),
		Gateway: gateway,
		Binding: monobank.Binding(keys),
	}, nil
}

// StripeProvider builds the checkout gateway and a binding verified with the
// endpoint signing secret.
func StripeProvider(cfg core.StripeConfig, rest *transport.RESTAdapter, now func() time.Time) (ProviderPack, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return ProviderPack{}, fmt.Errorf("stripe: webhook secret is required")
	}
	gateway, err := stripe.New(stripe.ConfigFrom(cfg), rest)
	if err != nil {
		return ProviderPack{}, err
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = core.DefaultConfig().Providers.Stripe.Tolerance
	}
	return ProviderPack{
		Name:    string(core.ProviderStripe),
		Gateway: gateway,
		Binding: stripe.Binding(cfg.WebhookSecret, tolerance, now, stripe.WithSessionLookup(gateway)),
	}, nil
}

// ConfiguredProviders registers a pack for every provider with credentials
// in cfg. Providers without credentials are skipped.
func ConfiguredProviders(
	hooks *ExtensionHooks,
	cfg core.ProvidersConfig,
	rest *transport.RESTAdapter,
	keyCache repositorycache.CacheService,
	now func() time.Time,
) error {
	if hooks == nil {
		return fmt.Errorf("payments: extension hooks are nil")
	}
	if strings.TrimSpace(cfg.Monobank.Token) != "" {
		pack, err := MonobankProvider(cfg.Monobank, rest, keyCache)
		if err != nil {
			return err
		}
		if err := hooks.RegisterProviderPack(pack); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Stripe.SecretKey) != "" {
		pack, err := StripeProvider(cfg.Stripe, rest, now)
		if err != nil {
			return err
		}
		if err := hooks.RegisterProviderPack(pack); err != nil {
			return err
		}
	}
	return nil
}
