package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type promoRepository struct {
	sess *session
}

func clonePromo(p domain.Promo) domain.Promo {
	if p.UsageLimit != nil {
		limit := *p.UsageLimit
		p.UsageLimit = &limit
	}
	return p
}

func (r *promoRepository) Get(_ context.Context, code string) (domain.Promo, error) {
	defer r.sess.lock()()

	promo, ok := r.sess.store.data.promos[domain.NormalizePromoCode(code)]
	if !ok {
		return domain.Promo{}, domain.ErrPromoNotFound
	}
	return clonePromo(promo), nil
}

func (r *promoRepository) Upsert(_ context.Context, promo domain.Promo) error {
	promo.Code = domain.NormalizePromoCode(promo.Code)
	if errs := promo.Validate(); len(errs) > 0 {
		return errs[0]
	}
	defer r.sess.lock()()

	promos := r.sess.store.data.promos
	if existing, ok := promos[promo.Code]; ok {
		// Счётчик применений ведёт только IncrementUsage.
		promo.UsedCount = existing.UsedCount
		promo.CreatedAt = existing.CreatedAt
	}
	put(r.sess, promos, promo.Code, clonePromo(promo))
	return nil
}

func (r *promoRepository) Update(_ context.Context, code string, patch domain.PromoPatch, at time.Time) (domain.Promo, error) {
	defer r.sess.lock()()

	promos := r.sess.store.data.promos
	key := domain.NormalizePromoCode(code)
	promo, ok := promos[key]
	if !ok {
		return domain.Promo{}, domain.ErrPromoNotFound
	}
	promo = clonePromo(promo)
	patch.ApplyTo(&promo)
	if errs := promo.Validate(); len(errs) > 0 {
		return domain.Promo{}, errs[0]
	}
	promo.UpdatedAt = at
	put(r.sess, promos, key, promo)
	return clonePromo(promo), nil
}

// IncrementUsage: used_count += 1, если лимит не задан или ещё не исчерпан.
func (r *promoRepository) IncrementUsage(_ context.Context, code string, at time.Time) (bool, error) {
	defer r.sess.lock()()

	promos := r.sess.store.data.promos
	key := domain.NormalizePromoCode(code)
	promo, ok := promos[key]
	if !ok {
		return false, domain.ErrPromoNotFound
	}
	if promo.UsageLimit != nil && promo.UsedCount >= *promo.UsageLimit {
		return false, nil
	}
	promo = clonePromo(promo)
	promo.UsedCount++
	promo.UpdatedAt = at
	put(r.sess, promos, key, promo)
	return true, nil
}

func (r *promoRepository) GetRedemption(_ context.Context, orderID string) (domain.PromoRedemption, error) {
	defer r.sess.lock()()

	redemption, ok := r.sess.store.data.redemptions[orderID]
	if !ok {
		return domain.PromoRedemption{}, domain.ErrRedemptionNotFound
	}
	return redemption, nil
}

// CreateRedemption допускает не больше одной записи на заказ.
func (r *promoRepository) CreateRedemption(_ context.Context, redemption domain.PromoRedemption) error {
	if redemption.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	defer r.sess.lock()()

	redemptions := r.sess.store.data.redemptions
	if _, exists := redemptions[redemption.OrderID]; exists {
		return domain.ErrDuplicate
	}
	redemption.Code = domain.NormalizePromoCode(redemption.Code)
	put(r.sess, redemptions, redemption.OrderID, redemption)
	return nil
}

var _ domain.PromoRepository = (*promoRepository)(nil)
