package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-payments/core"
)

func TestFixedWindowLimiter_ThrottlesAfterLimitWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	limiter := NewFixedWindowLimiter(NewMemoryCounterStore(), 2, time.Minute)
	limiter.Now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := limiter.Allow(ctx, "origin:abc"); err != nil {
			t.Fatalf("request %d: expected allow, got %v", i+1, err)
		}
	}
	err := limiter.Allow(ctx, "origin:abc")
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if throttled.RetryAfter != 50*time.Second {
		t.Fatalf("expected retry after 50s, got %s", throttled.RetryAfter)
	}

	if err := limiter.Allow(ctx, "origin:other"); err != nil {
		t.Fatalf("expected independent subject to pass, got %v", err)
	}

	now = now.Add(time.Minute)
	if err := limiter.Allow(ctx, "origin:abc"); err != nil {
		t.Fatalf("expected next window to allow, got %v", err)
	}
}

func TestFixedWindowLimiter_ConcurrentCallersShareBudget(t *testing.T) {
	limiter := NewFixedWindowLimiter(NewMemoryCounterStore(), 5, time.Hour)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		throttled int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Allow(context.Background(), "subject"); err != nil {
				mu.Lock()
				throttled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if throttled != 15 {
		t.Fatalf("expected 15 throttled requests, got %d", throttled)
	}
}

func TestFixedWindowLimiter_DisabledWithoutLimit(t *testing.T) {
	limiter := NewFixedWindowLimiter(NewMemoryCounterStore(), 0, time.Minute)
	for i := 0; i < 10; i++ {
		if err := limiter.Allow(context.Background(), "subject"); err != nil {
			t.Fatalf("expected disabled limiter to allow, got %v", err)
		}
	}
}

func TestMemoryCounterStore_PurgeDropsOldWindows(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()
	old := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := old.Add(2 * time.Hour)
	if _, err := store.Increment(ctx, "a", old); err != nil {
		t.Fatalf("increment old: %v", err)
	}
	if _, err := store.Increment(ctx, "a", current); err != nil {
		t.Fatalf("increment current: %v", err)
	}
	purged, err := store.Purge(ctx, current.Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged window, got %d", purged)
	}
	count, err := store.Increment(ctx, "a", current)
	if err != nil {
		t.Fatalf("increment after purge: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected current window to keep its count, got %d", count)
	}
}

func TestThrottledError_ToServiceError(t *testing.T) {
	err := ThrottledError{Subject: "origin:abc", Limit: 30, RetryAfter: 3 * time.Second}

	mapped := err.ToServiceError()
	if mapped == nil {
		t.Fatalf("expected mapped error")
	}
	if mapped.TextCode != core.ServiceErrorRateLimited {
		t.Fatalf("expected %q text code, got %q", core.ServiceErrorRateLimited, mapped.TextCode)
	}
	if mapped.Code != 429 {
		t.Fatalf("expected status code 429, got %d", mapped.Code)
	}
	if mapped.Metadata["retry_after_ms"] != int64(3000) {
		t.Fatalf("expected retry_after_ms metadata, got %#v", mapped.Metadata)
	}
}
