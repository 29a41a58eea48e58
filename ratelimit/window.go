package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payments/core"
)

// CounterStore increments per-subject counters for fixed windows. Increment
// must be a single atomic statement so replicas share one budget.
type CounterStore interface {
	Increment(ctx context.Context, subject string, windowStart time.Time) (int, error)
	Purge(ctx context.Context, before time.Time) (int, error)
}

type ThrottledError struct {
	Subject    string
	Limit      int
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: subject %q exceeded %d requests, retry after %s",
		strings.TrimSpace(e.Subject),
		e.Limit,
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"subject": strings.TrimSpace(e.Subject),
		"limit":   e.Limit,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ServiceErrorRateLimited).
		WithMetadata(metadata)
}

// FixedWindowLimiter allows Limit requests per subject per Window.
type FixedWindowLimiter struct {
	Store  CounterStore
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

func NewFixedWindowLimiter(store CounterStore, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		Store:  store,
		Limit:  limit,
		Window: window,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Allow counts one request for subject and returns a ThrottledError once the
// window budget is spent. A limiter without a store or limit allows all.
func (l *FixedWindowLimiter) Allow(ctx context.Context, subject string) error {
	if l == nil || l.Store == nil || l.Limit <= 0 {
		return nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	now := l.now()
	window := l.window()
	start := WindowStart(now, window)
	count, err := l.Store.Increment(ctx, subject, start)
	if err != nil {
		return err
	}
	if count > l.Limit {
		return ThrottledError{
			Subject:    subject,
			Limit:      l.Limit,
			RetryAfter: start.Add(window).Sub(now),
		}
	}
	return nil
}

func (l *FixedWindowLimiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *FixedWindowLimiter) window() time.Duration {
	if l != nil && l.Window > 0 {
		return l.Window
	}
	return time.Minute
}

// WindowStart truncates now to the start of its window.
func WindowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = time.Minute
	}
	return now.UTC().Truncate(window)
}

type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
	starts map[string]time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: map[string]int{}, starts: map[string]time.Time{}}
}

func (s *MemoryCounterStore) Increment(_ context.Context, subject string, windowStart time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("ratelimit: counter store is nil")
	}
	key := counterKey(subject, windowStart)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	s.starts[key] = windowStart.UTC()
	return s.counts[key], nil
}

func (s *MemoryCounterStore) Purge(_ context.Context, before time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("ratelimit: counter store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, start := range s.starts {
		if start.Before(before.UTC()) {
			delete(s.starts, key)
			delete(s.counts, key)
			purged++
		}
	}
	return purged, nil
}

// CountStale reports how many windows a purge with the same cutoff would delete.
func (s *MemoryCounterStore) CountStale(_ context.Context, before time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("ratelimit: counter store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := 0
	for _, start := range s.starts {
		if start.Before(before.UTC()) {
			stale++
		}
	}
	return stale, nil
}

func counterKey(subject string, windowStart time.Time) string {
	return strings.TrimSpace(subject) + "|" + windowStart.UTC().Format(time.RFC3339Nano)
}
