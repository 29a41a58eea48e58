package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/ratelimit"
	"github.com/uptrace/bun"
)

// RateLimitCounterStore keeps fixed-window request counters shared by every
// replica.
type RateLimitCounterStore struct {
	db  bun.IDB
	now func() time.Time
}

func NewRateLimitCounterStore(db *bun.DB) (*RateLimitCounterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitCounterStore{db: db, now: utcNow}, nil
}

// Increment bumps the counter for the window with one upsert and returns the
// new count.
func (s *RateLimitCounterStore) Increment(ctx context.Context, subject string, windowStart time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: rate limit counter store is not configured")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, fmt.Errorf("sqlstore: rate limit subject is required")
	}
	query := `
INSERT INTO rate_limit_counters (subject, window_start, count, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT (subject, window_start)
DO UPDATE SET count = rate_limit_counters.count + 1, updated_at = EXCLUDED.updated_at
RETURNING count
`
	var counts []int
	if err := s.db.NewRaw(query, subject, windowStart.UTC(), s.now()).Scan(ctx, &counts); err != nil {
		return 0, err
	}
	if len(counts) == 0 {
		return 0, fmt.Errorf("sqlstore: rate limit upsert returned no row")
	}
	return counts[0], nil
}

// Purge deletes windows that started before the cutoff.
func (s *RateLimitCounterStore) Purge(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: rate limit counter store is not configured")
	}
	result, err := s.db.NewDelete().
		TableExpr("rate_limit_counters").
		Where("window_start < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CountStale reports how many windows a purge would delete.
func (s *RateLimitCounterStore) CountStale(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: rate limit counter store is not configured")
	}
	return s.db.NewSelect().
		Model((*rateLimitCounterRecord)(nil)).
		Where("window_start < ?", before.UTC()).
		Count(ctx)
}

var _ ratelimit.CounterStore = (*RateLimitCounterStore)(nil)
