package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const promoColumns = `
	code, type, value, min_order_minor, max_discount_minor, usage_limit, used_count,
	valid_from, valid_to, active, created_at, updated_at`

type promoRepository struct {
	q querier
}

func scanPromo(row rowScanner) (domain.Promo, error) {
	var (
		promo              domain.Promo
		promoType          string
		limit              sql.NullInt64
		validFrom, validTo sql.NullTime
	)
	err := row.Scan(
		&promo.Code, &promoType, &promo.Value, &promo.MinOrderMinor, &promo.MaxDiscountMinor, &limit, &promo.UsedCount,
		&validFrom, &validTo, &promo.Active, &promo.CreatedAt, &promo.UpdatedAt,
	)
	if err != nil {
		return domain.Promo{}, err
	}
	promo.Type = domain.PromoType(promoType)
	if limit.Valid {
		v := limit.Int64
		promo.UsageLimit = &v
	}
	if validFrom.Valid {
		promo.ValidFrom = validFrom.Time.UTC()
	}
	if validTo.Valid {
		promo.ValidTo = validTo.Time.UTC()
	}
	return promo, nil
}

func nullLimit(limit *int64) sql.NullInt64 {
	if limit == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *limit, Valid: true}
}

func (r *promoRepository) Get(ctx context.Context, code string) (domain.Promo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	promo, err := scanPromo(r.q.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promos WHERE code = $1`, domain.NormalizePromoCode(code)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Promo{}, domain.ErrPromoNotFound
		}
		return domain.Promo{}, fmt.Errorf("select promo: %w", err)
	}
	return promo, nil
}

// Upsert создаёт или перезаписывает определение промокода; used_count не трогается.
func (r *promoRepository) Upsert(ctx context.Context, promo domain.Promo) error {
	promo.Code = domain.NormalizePromoCode(promo.Code)
	if errs := promo.Validate(); len(errs) > 0 {
		return errs[0]
	}
	now := time.Now().UTC()
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = now
	}
	if promo.UpdatedAt.IsZero() {
		promo.UpdatedAt = now
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO promos (`+promoColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$10,$11)
		ON CONFLICT (code) DO UPDATE
		SET type = EXCLUDED.type,
		    value = EXCLUDED.value,
		    min_order_minor = EXCLUDED.min_order_minor,
		    max_discount_minor = EXCLUDED.max_discount_minor,
		    usage_limit = EXCLUDED.usage_limit,
		    valid_from = EXCLUDED.valid_from,
		    valid_to = EXCLUDED.valid_to,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at
	`,
		promo.Code, string(promo.Type), promo.Value, promo.MinOrderMinor, promo.MaxDiscountMinor, nullLimit(promo.UsageLimit),
		nullTime(promo.ValidFrom), nullTime(promo.ValidTo), promo.Active, promo.CreatedAt, promo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert promo: %w", err)
	}
	return nil
}

// Update применяет патч под блокировкой строки, чтобы не потерять параллельный IncrementUsage.
func (r *promoRepository) Update(ctx context.Context, code string, patch domain.PromoPatch, at time.Time) (domain.Promo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := domain.NormalizePromoCode(code)
	promo, err := scanPromo(r.q.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promos WHERE code = $1 FOR UPDATE`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Promo{}, domain.ErrPromoNotFound
		}
		return domain.Promo{}, fmt.Errorf("select promo for update: %w", err)
	}

	patch.ApplyTo(&promo)
	if errs := promo.Validate(); len(errs) > 0 {
		return domain.Promo{}, errs[0]
	}
	promo.UpdatedAt = at

	if _, err := r.q.ExecContext(ctx, `
		UPDATE promos
		SET min_order_minor = $2,
		    max_discount_minor = $3,
		    usage_limit = $4,
		    valid_from = $5,
		    valid_to = $6,
		    active = $7,
		    updated_at = $8
		WHERE code = $1
	`, key, promo.MinOrderMinor, promo.MaxDiscountMinor, nullLimit(promo.UsageLimit),
		nullTime(promo.ValidFrom), nullTime(promo.ValidTo), promo.Active, promo.UpdatedAt); err != nil {
		return domain.Promo{}, fmt.Errorf("update promo: %w", err)
	}
	return promo, nil
}

// IncrementUsage: атомарный инкремент с проверкой лимита в WHERE.
func (r *promoRepository) IncrementUsage(ctx context.Context, code string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := domain.NormalizePromoCode(code)
	res, err := r.q.ExecContext(ctx, `
		UPDATE promos
		SET used_count = used_count + 1, updated_at = $2
		WHERE code = $1
		  AND (usage_limit IS NULL OR used_count < usage_limit)
	`, key, at)
	if err != nil {
		return false, fmt.Errorf("increment promo usage: %w", err)
	}
	changed, err := rowsChanged(res, "promo usage")
	if err != nil || changed {
		return changed, err
	}
	if _, err := r.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (r *promoRepository) GetRedemption(ctx context.Context, orderID string) (domain.PromoRedemption, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var redemption domain.PromoRedemption
	err := r.q.QueryRowContext(ctx, `
		SELECT code, order_id, user_id, discount_minor, created_at
		FROM promo_redemptions
		WHERE order_id = $1
	`, orderID).Scan(&redemption.Code, &redemption.OrderID, &redemption.UserID, &redemption.DiscountMinor, &redemption.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PromoRedemption{}, domain.ErrRedemptionNotFound
		}
		return domain.PromoRedemption{}, fmt.Errorf("select promo redemption: %w", err)
	}
	return redemption, nil
}

func (r *promoRepository) CreateRedemption(ctx context.Context, redemption domain.PromoRedemption) error {
	if redemption.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	if redemption.CreatedAt.IsZero() {
		redemption.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO promo_redemptions (order_id, code, user_id, discount_minor, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, redemption.OrderID, domain.NormalizePromoCode(redemption.Code), redemption.UserID, redemption.DiscountMinor, redemption.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert promo redemption: %w", err)
	}
	return nil
}

var _ domain.PromoRepository = (*promoRepository)(nil)
