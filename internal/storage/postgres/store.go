package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	opTimeout = 5 * time.Second
)

// querier — общее подмножество *sql.DB и *sql.Tx: репозитории не знают, в транзакции они или нет.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store оборачивает SQL-подключение к PostgreSQL и реализует domain.Store.
type Store struct {
	db *sql.DB
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx выполняет fn в транзакции READ COMMITTED.
// Корректность под конкуренцией обеспечивают условные UPDATE, а не уровень изоляции.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(txView{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Orders() domain.OrderRepository           { return txView{q: s.db}.Orders() }
func (s *Store) Inventory() domain.InventoryRepository     { return txView{q: s.db}.Inventory() }
func (s *Store) Payments() domain.PaymentRepository        { return txView{q: s.db}.Payments() }
func (s *Store) Promos() domain.PromoRepository            { return txView{q: s.db}.Promos() }
func (s *Store) Idempotency() domain.IdempotencyRepository { return txView{q: s.db}.Idempotency() }
func (s *Store) Outbox() domain.OutboxRepository           { return txView{q: s.db}.Outbox() }
func (s *Store) Timeline() domain.TimelineRepository       { return txView{q: s.db}.Timeline() }
func (s *Store) Catalog() domain.CatalogRepository         { return txView{q: s.db}.Catalog() }

type txView struct {
	q querier
}

func (v txView) Orders() domain.OrderRepository           { return &orderRepository{q: v.q} }
func (v txView) Inventory() domain.InventoryRepository     { return &inventoryRepository{q: v.q} }
func (v txView) Payments() domain.PaymentRepository        { return &paymentRepository{q: v.q} }
func (v txView) Promos() domain.PromoRepository            { return &promoRepository{q: v.q} }
func (v txView) Idempotency() domain.IdempotencyRepository { return &idempotencyRepository{q: v.q} }
func (v txView) Outbox() domain.OutboxRepository           { return &outboxRepository{q: v.q} }
func (v txView) Timeline() domain.TimelineRepository       { return &timelineRepository{q: v.q} }
func (v txView) Catalog() domain.CatalogRepository         { return &catalogRepository{q: v.q} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// uniqueConstraint возвращает имя нарушенного ограничения уникальности.
func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

// rowsChanged переводит результат условного UPDATE в bool.
func rowsChanged(res sql.Result, op string) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for %s: %w", op, err)
	}
	return affected > 0, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = txView{}
)
