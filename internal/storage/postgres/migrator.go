package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Схема магазина живёт во встроенных файлах NNNN_name.up.sql / NNNN_name.down.sql.
// schema_migrations хранит применённые версии и sha256 их up-скриптов.

const (
	migrationsDir = "sql/migrations"
	// общий ключ для cmd/migrate и сервиса: параллельные запуски ждут друг друга
	migrationLockKey     = int64(73190422)
	migrationLockTimeout = 30 * time.Second
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileRe = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// ErrMigrationDrift — up-скрипт применённой версии изменился после применения.
var ErrMigrationDrift = errors.New("applied migration differs from embedded sql")

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrateUp применяет недостающие версии по возрастанию; steps=0 — все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние steps версий; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает старшую применённую версию и число применённых версий.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("postgres store is not initialized")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	history := schemaHistory{conn: conn}
	if err := history.ensure(ctx); err != nil {
		return 0, 0, err
	}
	applied, err := history.applied(ctx)
	if err != nil {
		return 0, 0, err
	}

	var latest int64
	for version := range applied {
		latest = max(latest, version)
	}
	return latest, len(applied), nil
}

// LatestMigrationVersion возвращает номер последней встроенной миграции.
func LatestMigrationVersion() (int64, error) {
	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return 0, err
	}
	return migrations[len(migrations)-1].Version, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}

	// advisory lock привязан к сессии, поэтому вся работа идёт на одном соединении
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	history := schemaHistory{conn: conn}
	if err := history.ensure(ctx); err != nil {
		return err
	}
	if direction == migrationUp {
		return migrateUp(ctx, history, migrations, steps)
	}
	return migrateDown(ctx, history, migrations, steps)
}

func migrateUp(ctx context.Context, history schemaHistory, migrations []migration, steps int) error {
	applied, err := history.applied(ctx)
	if err != nil {
		return err
	}

	known := make(map[int64]bool, len(migrations))
	for _, m := range migrations {
		known[m.Version] = true
	}
	for version := range applied {
		if !known[version] {
			return fmt.Errorf("schema version %d is not among embedded migrations, refusing to migrate", version)
		}
	}

	done := 0
	for _, m := range migrations {
		if checksum, ok := applied[m.Version]; ok {
			// пустая сумма у версий, записанных до появления колонки checksum
			if checksum != "" && checksum != m.Checksum {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, m.label())
			}
			continue
		}
		if steps > 0 && done == steps {
			break
		}
		if err := history.apply(ctx, m, migrationUp); err != nil {
			return err
		}
		done++
	}
	return nil
}

func migrateDown(ctx context.Context, history schemaHistory, migrations []migration, steps int) error {
	byVersion := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	versions, err := history.latest(ctx, steps)
	if err != nil {
		return err
	}
	for _, version := range versions {
		m, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot roll back unknown migration version %d", version)
		}
		if err := history.apply(ctx, m, migrationDown); err != nil {
			return err
		}
	}
	return nil
}

// schemaHistory — таблица schema_migrations на соединении, держащем advisory lock.
type schemaHistory struct {
	conn *sql.Conn
}

func (h schemaHistory) ensure(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range statements {
		if _, err := h.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
	}
	return nil
}

// applied возвращает применённые версии с контрольными суммами.
func (h schemaHistory) applied(ctx context.Context) (map[int64]string, error) {
	rows, err := h.conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		result[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return result, nil
}

func (h schemaHistory) latest(ctx context.Context, limit int) ([]int64, error) {
	rows, err := h.conn.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest migrations: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan latest migration: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest migrations: %w", err)
	}
	return versions, nil
}

// apply выполняет скрипт и запись в schema_migrations одной транзакцией.
func (h schemaHistory) apply(ctx context.Context, m migration, direction migrationDirection) error {
	body, bookkeeping, args := m.Up,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		[]any{m.Version, m.Name, m.Checksum}
	if direction == migrationDown {
		body, bookkeeping, args = m.Down, `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	}

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s %s: %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s %s: %w", direction, m.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m.label(), err)
	}
	return nil
}

// parseMigrations собирает пары up/down из каталога миграций, по возрастанию версии.
func parseMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := migrationFileRe.FindStringSubmatch(name)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", name)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || version == 0 {
			return nil, fmt.Errorf("invalid migration version in %s", name)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", name)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %04d has two names: %s and %s", version, m.Name, parts[2])
		}
		if parts[3] == string(migrationUp) {
			m.Up = body
		} else {
			m.Down = body
		}
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.label())
		}
		sum := sha256.Sum256([]byte(m.Up))
		m.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
