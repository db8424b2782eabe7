package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type idempotencyRepository struct {
	q querier
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyBad
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var record domain.IdempotencyRecord
	err := r.q.QueryRowContext(ctx, `
		SELECT key, user_id, request_hash, order_id, expires_at, created_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&record.Key, &record.UserID, &record.RequestHash, &record.OrderID, &record.ExpiresAt, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

// Create: вставка; нарушение первичного ключа означает, что запрос уже был обработан.
func (r *idempotencyRepository) Create(ctx context.Context, record domain.IdempotencyRecord) error {
	record.Key = strings.TrimSpace(record.Key)
	if record.Key == "" {
		return domain.ErrIdempotencyKeyBad
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, user_id, request_hash, order_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, record.Key, record.UserID, record.RequestHash, record.OrderID, record.ExpiresAt, record.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("create idempotency record: %w", err)
	}
	return nil
}

func (r *idempotencyRepository) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired удаляет пачку просроченных ключей.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = 1000
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key
			FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for idempotency cleanup: %w", err)
	}
	return int(affected), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
