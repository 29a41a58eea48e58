// Package migrations exposes the embedded payments schema per SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	payments "github.com/goliatone/go-payments"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	migrationsDir = "data/sql/migrations"
	sourceLabel   = "go-payments"
)

// FilesystemSpec is one dialect's migration directory.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

// WithValidationTargets limits registration to the given dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if next := normalizeDialects(targets); len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "postgres":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: no dialect for driver %q", driver)
	}
}

// Filesystems returns the postgres and sqlite migration directories found in
// source, or in the module's embedded tree when source is omitted. Every
// directory must hold at least one migration and a down file for each up.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := payments.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	base, err := fs.Sub(root, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", migrationsDir, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: open sqlite directory: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: migrationsDir, FS: base},
		{Dialect: DialectSQLite, Path: path.Join(migrationsDir, DialectSQLite), FS: sqliteFS},
	}
	for _, spec := range filesystems {
		if err := checkPairs(spec); err != nil {
			return nil, err
		}
	}
	return filesystems, nil
}

// Filesystem returns the migration directory of one dialect.
func Filesystem(dialect string) (FilesystemSpec, error) {
	filesystems, err := Filesystems()
	if err != nil {
		return FilesystemSpec{}, err
	}
	dialect = strings.TrimSpace(strings.ToLower(dialect))
	for _, spec := range filesystems {
		if spec.Dialect == dialect {
			return spec, nil
		}
	}
	return FilesystemSpec{}, fmt.Errorf("migrations: unknown dialect %q", dialect)
}

// Register hands each targeted dialect's filesystem to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       sourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	for _, spec := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s: %w", spec.Dialect, err)
		}
	}
	return reg, nil
}

func checkPairs(spec FilesystemSpec) error {
	ups, err := fs.Glob(spec.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: list %s: %w", spec.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s has no *.up.sql files", spec.Path)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(spec.FS, down); err != nil {
			return fmt.Errorf("migrations: %s is missing %s", spec.Path, down)
		}
	}
	return nil
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(strings.ToLower(value))
		if value == "" || slices.Contains(out, value) {
			continue
		}
		out = append(out, value)
	}
	return out
}
