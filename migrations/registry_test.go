package migrations

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	payments "github.com/goliatone/go-payments"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres filesystem")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite filesystem")
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
}

func TestPaymentsSchemaMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := payments.GetMigrationsFS()
	paths := []string{
		"data/sql/migrations/00001_payments_schema.up.sql",
		"data/sql/migrations/00001_payments_schema.down.sql",
		"data/sql/migrations/sqlite/00001_payments_schema.up.sql",
		"data/sql/migrations/sqlite/00001_payments_schema.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected non-empty migration %s", migrationPath)
		}
	}
}

func TestPaymentsSchema_DeclaresConcurrencyGuards(t *testing.T) {
	root := payments.GetMigrationsFS()
	for _, migrationPath := range []string{
		"data/sql/migrations/00001_payments_schema.up.sql",
		"data/sql/migrations/sqlite/00001_payments_schema.up.sql",
	} {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		sql := string(content)
		for _, marker := range []string{
			"ux_payment_attempts_open_per_order",
			"WHERE status IN ('creating', 'active')",
			"ux_webhook_events_event_key",
			"ux_inventory_moves_order_product_kind",
			"CHECK (stock >= 0)",
			"ck_orders_none_provider",
		} {
			if !strings.Contains(sql, marker) {
				t.Fatalf("expected %s to contain %q", migrationPath, marker)
			}
		}
	}
}

func TestFilesystems_RejectsUpWithoutDown(t *testing.T) {
	source := fstest.MapFS{
		"data/sql/migrations/00001_payments_schema.up.sql":          {Data: []byte("select 1;")},
		"data/sql/migrations/00001_payments_schema.down.sql":        {Data: []byte("select 1;")},
		"data/sql/migrations/sqlite/00001_payments_schema.up.sql":   {Data: []byte("select 1;")},
		"data/sql/migrations/sqlite/00002_payments_extras.up.sql":   {Data: []byte("select 1;")},
		"data/sql/migrations/sqlite/00001_payments_schema.down.sql": {Data: []byte("select 1;")},
	}
	_, err := Filesystems(source)
	if err == nil || !strings.Contains(err.Error(), "00002_payments_extras.down.sql") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestFilesystem_LooksUpDialect(t *testing.T) {
	spec, err := Filesystem("SQLite")
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	if spec.Dialect != DialectSQLite || spec.Path != "data/sql/migrations/sqlite" {
		t.Fatalf("unexpected sqlite spec %+v", spec)
	}
	if _, err := Filesystem("mysql"); err == nil {
		t.Fatalf("expected unknown dialect error")
	}
}

func TestDialectForDriver(t *testing.T) {
	cases := map[string]string{"postgres": DialectPostgres, " sqlite3 ": DialectSQLite}
	for driver, want := range cases {
		got, err := DialectForDriver(driver)
		if err != nil || got != want {
			t.Fatalf("driver %q: expected %s, got %q (%v)", driver, want, got, err)
		}
	}
	if _, err := DialectForDriver("mysql"); err == nil {
		t.Fatalf("expected error for mysql")
	}
}
