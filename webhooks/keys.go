package webhooks

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-payments/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const verificationKeyCachePrefix = "go-payments::webhook_key::v1"

// StaticKeyProvider serves a configured shared secret. Refresh returns the
// same key.
type StaticKeyProvider struct {
	Key VerificationKey
}

func NewStaticKeyProvider(secret string) StaticKeyProvider {
	return StaticKeyProvider{Key: VerificationKey{ID: "static", Secret: []byte(strings.TrimSpace(secret))}}
}

func (p StaticKeyProvider) Current(context.Context) (VerificationKey, error) {
	if len(p.Key.Secret) == 0 && p.Key.PublicKey == nil {
		return VerificationKey{}, fmt.Errorf("webhooks: static verification key is not configured")
	}
	return p.Key, nil
}

func (p StaticKeyProvider) Refresh(ctx context.Context) (VerificationKey, error) {
	return p.Current(ctx)
}

type KeyFetcher func(ctx context.Context) (VerificationKey, error)

// CachedKeyProvider keeps a fetched provider key in the repository cache.
// Refresh evicts it so the next read goes back to the provider.
type CachedKeyProvider struct {
	cache    repositorycache.CacheService
	fetch    KeyFetcher
	cacheKey string
}

func NewCachedKeyProvider(
	provider core.Provider,
	cacheService repositorycache.CacheService,
	fetch KeyFetcher,
) (*CachedKeyProvider, error) {
	if cacheService == nil {
		return nil, fmt.Errorf("webhooks: key cache service is required")
	}
	if fetch == nil {
		return nil, fmt.Errorf("webhooks: key fetcher is required")
	}
	if strings.TrimSpace(string(provider)) == "" {
		return nil, fmt.Errorf("webhooks: key provider id is required")
	}
	return &CachedKeyProvider{
		cache:    cacheService,
		fetch:    fetch,
		cacheKey: VerificationKeyCacheKey(provider),
	}, nil
}

// VerificationKeyCacheKey returns go-payments::webhook_key::v1::<provider>.
func VerificationKeyCacheKey(provider core.Provider) string {
	normalized := strings.ToLower(strings.TrimSpace(string(provider)))
	return verificationKeyCachePrefix + "::" + url.PathEscape(normalized)
}

func (p *CachedKeyProvider) Current(ctx context.Context) (VerificationKey, error) {
	if p == nil || p.cache == nil || p.fetch == nil {
		return VerificationKey{}, fmt.Errorf("webhooks: cached key provider is not configured")
	}
	return repositorycache.GetOrFetch(ctx, p.cache, p.cacheKey, func(ctx context.Context) (VerificationKey, error) {
		return p.fetch(ctx)
	})
}

func (p *CachedKeyProvider) Refresh(ctx context.Context) (VerificationKey, error) {
	if p == nil || p.cache == nil {
		return VerificationKey{}, fmt.Errorf("webhooks: cached key provider is not configured")
	}
	if err := p.cache.Delete(ctx, p.cacheKey); err != nil {
		return VerificationKey{}, err
	}
	return p.Current(ctx)
}

var (
	_ KeyProvider = StaticKeyProvider{}
	_ KeyProvider = (*CachedKeyProvider)(nil)
)
