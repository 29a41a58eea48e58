package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())

	if err := policy.BeforeCall(context.Background(), Key{Provider: "stripe", Bucket: "invoices"}); err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_ParsesHeadersAndPersistsState(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := Key{Provider: "Stripe", Bucket: "Invoices"}
	err := policy.AfterCall(context.Background(), key, ResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "100",
			"X-RateLimit-Remaining": "99",
			"X-RateLimit-Reset":     "1700000045",
		},
	})
	if err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), Key{Provider: "stripe", Bucket: "invoices"})
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 100 || state.Remaining != 99 {
		t.Fatalf("expected limit=100 remaining=99, got %+v", state)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(now.Add(45*time.Second)) {
		t.Fatalf("expected reset at +45s, got %+v", state.ResetAt)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected no throttle window")
	}
}

func TestAdaptivePolicy_BlocksAfterTooManyRequests(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }
	key := Key{Provider: "monobank", Bucket: "invoice"}

	if err := policy.AfterCall(context.Background(), key, ResponseMeta{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "7"},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}

	err := policy.BeforeCall(context.Background(), key)
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if throttled.RetryAfter != 7*time.Second {
		t.Fatalf("expected retry after 7s, got %s", throttled.RetryAfter)
	}

	now = now.Add(8 * time.Second)
	if err := policy.BeforeCall(context.Background(), key); err != nil {
		t.Fatalf("expected call allowed after window, got %v", err)
	}
}

func TestAdaptivePolicy_BackoffDoublesWithoutRetryHint(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }
	key := Key{Provider: "stripe", Bucket: "invoices"}

	for i := 0; i < 3; i++ {
		if err := policy.AfterCall(context.Background(), key, ResponseMeta{StatusCode: 429}); err != nil {
			t.Fatalf("after call %d: %v", i, err)
		}
	}
	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(now.Add(4*time.Second)) {
		t.Fatalf("expected 4s backoff, got %+v", state.ThrottledUntil)
	}

	if err := policy.AfterCall(context.Background(), key, ResponseMeta{StatusCode: 200}); err != nil {
		t.Fatalf("after success: %v", err)
	}
	state, _ = store.Get(context.Background(), key)
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected success to reset backoff, got %+v", state)
	}
}
