package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// sqlExpr is a SQL fragment with bun placeholders.
type sqlExpr struct {
	query string
	args  []any
}

func expr(query string, args ...any) sqlExpr {
	return sqlExpr{query: query, args: args}
}

// casUpdate describes one conditional row update. The where clauses are the
// compare half; a row that no longer matches is simply not returned.
type casUpdate struct {
	table     string
	set       []sqlExpr
	where     []sqlExpr
	returning string
}

// compareAndSwap runs a single UPDATE ... WHERE ... RETURNING statement and
// scans the rows it changed. Zero rows means the guard did not hold.
func compareAndSwap[T any](ctx context.Context, db bun.IDB, update casUpdate) ([]T, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if strings.TrimSpace(update.table) == "" {
		return nil, fmt.Errorf("sqlstore: compare-and-swap table is required")
	}
	if len(update.set) == 0 {
		return nil, fmt.Errorf("sqlstore: compare-and-swap on %s has no assignments", update.table)
	}
	if len(update.where) == 0 {
		return nil, fmt.Errorf("sqlstore: compare-and-swap on %s has no guard", update.table)
	}
	returning := strings.TrimSpace(update.returning)
	if returning == "" {
		returning = "*"
	}

	args := make([]any, 0, len(update.set)+len(update.where))
	setParts := make([]string, 0, len(update.set))
	for _, part := range update.set {
		setParts = append(setParts, part.query)
		args = append(args, part.args...)
	}
	whereParts := make([]string, 0, len(update.where))
	for _, part := range update.where {
		whereParts = append(whereParts, "("+part.query+")")
		args = append(args, part.args...)
	}

	query := "UPDATE " + update.table +
		"\nSET " + strings.Join(setParts, ", ") +
		"\nWHERE " + strings.Join(whereParts, " AND ") +
		"\nRETURNING " + returning

	var rows []T
	if err := db.NewRaw(query, args...).Scan(ctx, &rows); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rows, nil
}

// runInTx reuses an enclosing transaction or opens a new one.
func runInTx(ctx context.Context, db bun.IDB, fn func(ctx context.Context, tx bun.Tx) error) error {
	switch typed := db.(type) {
	case bun.Tx:
		return fn(ctx, typed)
	case *bun.Tx:
		return fn(ctx, *typed)
	case *bun.DB:
		return typed.RunInTx(ctx, nil, fn)
	case nil:
		return fmt.Errorf("sqlstore: bun db is required")
	default:
		return fmt.Errorf("sqlstore: unsupported bun handle %T", db)
	}
}

// lockForUpdate adds a row lock on dialects that support it. SQLite
// serializes writers, so the clause is skipped there.
func lockForUpdate(db bun.IDB, query *bun.SelectQuery) *bun.SelectQuery {
	if db != nil && db.Dialect().Name() == dialect.PG {
		return query.For("UPDATE")
	}
	return query
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func isCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "check constraint failed") ||
		strings.Contains(message, "violates check constraint")
}
