package memory

import (
	"context"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type idempotencyRepository struct {
	sess *session
}

func (r *idempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyBad
	}
	defer r.sess.lock()()

	record, ok := r.sess.store.data.idempotency[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return record, nil
}

// Create: вставка с проверкой уникальности ключа.
func (r *idempotencyRepository) Create(_ context.Context, record domain.IdempotencyRecord) error {
	record.Key = strings.TrimSpace(record.Key)
	if record.Key == "" {
		return domain.ErrIdempotencyKeyBad
	}
	defer r.sess.lock()()

	items := r.sess.store.data.idempotency
	if _, exists := items[record.Key]; exists {
		return domain.ErrDuplicate
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	put(r.sess, items, record.Key, record)
	return nil
}

func (r *idempotencyRepository) Delete(_ context.Context, key string) error {
	defer r.sess.lock()()

	remove(r.sess, r.sess.store.data.idempotency, strings.TrimSpace(key))
	return nil
}

// DeleteExpired удаляет записи с ExpiresAt <= before, не больше limit за вызов (limit <= 0 — все).
func (r *idempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	defer r.sess.lock()()

	items := r.sess.store.data.idempotency
	removed := 0
	for key, record := range items {
		if !record.Expired(before) {
			continue
		}
		remove(r.sess, items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
