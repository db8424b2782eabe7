package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// schemaObjects проверяет наличие таблиц и индексов/ограничений схемы магазина.
func schemaObjects(t *testing.T, ctx context.Context, store *Store) map[string]bool {
	t.Helper()

	present := map[string]bool{}
	checks := map[string]string{
		"orders":                           `SELECT to_regclass('public.orders') IS NOT NULL`,
		"inventory_records":                `SELECT to_regclass('public.inventory_records') IS NOT NULL`,
		"payments_one_open_per_order":      `SELECT to_regclass('public.payments_one_open_per_order') IS NOT NULL`,
		"promo_redemptions_code_order_key": `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'promo_redemptions_code_order_key')`,
	}
	for name, query := range checks {
		var ok bool
		if err := store.DB().QueryRowContext(ctx, query).Scan(&ok); err != nil {
			t.Fatalf("check %s: %v", name, err)
		}
		present[name] = ok
	}
	return present
}

func requireStatus(t *testing.T, ctx context.Context, store *Store, wantVersion int64, wantCount int) {
	t.Helper()

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if version != wantVersion || count != wantCount {
		t.Fatalf("status version=%d count=%d, want version=%d count=%d", version, count, wantVersion, wantCount)
	}
}

func TestMigrator_PostgresCommerceSchemaLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("reset: %v", err)
	}
	requireStatus(t, ctx, store, 0, 0)
	t.Cleanup(func() {
		_ = store.MigrateUp(context.Background(), 0)
	})

	if err := store.MigrateUp(ctx, 1); err != nil {
		t.Fatalf("up 1: %v", err)
	}
	requireStatus(t, ctx, store, 1, 1)
	objects := schemaObjects(t, ctx, store)
	if !objects["orders"] || objects["inventory_records"] || objects["payments_one_open_per_order"] {
		t.Fatalf("only the base schema must exist after 0001: %v", objects)
	}

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("up all: %v", err)
	}
	requireStatus(t, ctx, store, 2, 2)
	for name, ok := range schemaObjects(t, ctx, store) {
		if !ok {
			t.Fatalf("%s must exist after up", name)
		}
	}

	// повторный up ничего не меняет
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("repeated up: %v", err)
	}
	requireStatus(t, ctx, store, 2, 2)

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("down default: %v", err)
	}
	requireStatus(t, ctx, store, 1, 1)
	objects = schemaObjects(t, ctx, store)
	if objects["inventory_records"] || objects["payments_one_open_per_order"] || objects["promo_redemptions_code_order_key"] {
		t.Fatalf("commerce schema must be gone after down: %v", objects)
	}
	if !objects["orders"] {
		t.Fatal("base schema must survive rolling back 0002")
	}

	if err := store.MigrateDown(ctx, 5); err != nil {
		t.Fatalf("down rest: %v", err)
	}
	requireStatus(t, ctx, store, 0, 0)
	if schemaObjects(t, ctx, store)["orders"] {
		t.Fatal("orders must be gone after full rollback")
	}
	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("down on empty schema must be a no-op: %v", err)
	}
}

func TestMigrator_PostgresRejectsDriftAndUnknownVersions(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'edited' WHERE version = 1`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.MigrateUp(ctx, 0); !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected drift error, got %v", err)
	}

	// версии, записанные без суммы, принимаются как есть
	if _, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = '' WHERE version = 1`); err != nil {
		t.Fatalf("clear checksum: %v", err)
	}
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("legacy row without checksum: %v", err)
	}

	if _, err := store.DB().ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (9999, 'future')`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.DB().ExecContext(context.Background(), `DELETE FROM schema_migrations WHERE version = 9999`)
	})
	if err := store.MigrateUp(ctx, 0); err == nil {
		t.Fatal("unknown applied version must stop migrate up")
	}
}

func TestMigrator_Guards(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := nilStore.MigrateUp(ctx, 0); err == nil {
		t.Fatal("expected error for nil store MigrateUp")
	}
	if err := nilStore.MigrateDown(ctx, 1); err == nil {
		t.Fatal("expected error for nil store MigrateDown")
	}
	if _, _, err := nilStore.MigrationStatus(ctx); err == nil {
		t.Fatal("expected error for nil store MigrationStatus")
	}
	if err := (&Store{}).migrate(ctx, migrationDirection("sideways"), 0); err == nil || !strings.Contains(err.Error(), "unsupported migration direction") {
		t.Fatalf("expected unsupported direction error, got %v", err)
	}
}
