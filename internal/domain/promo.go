package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PromoType — способ расчёта скидки.
type PromoType string

const (
	PromoTypePercentage PromoType = "percentage"
	PromoTypeFixed      PromoType = "fixed"
)

// Promo описывает промокод.
type Promo struct {
	Code string
	Type PromoType
	// Процент для percentage или сумма в минимальных единицах для fixed.
	Value         decimal.Decimal
	MinOrderMinor int64
	// MaxDiscountMinor = 0 означает отсутствие потолка.
	MaxDiscountMinor int64
	// UsageLimit = nil означает неограниченное число применений.
	UsageLimit *int64
	UsedCount  int64
	ValidFrom  time.Time
	ValidTo    time.Time
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NormalizePromoCode приводит код к каноническому виду.
func NormalizePromoCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate проверяет определение промокода.
func (p *Promo) Validate() []error {
	var errs []error

	if NormalizePromoCode(p.Code) == "" {
		errs = append(errs, ErrPromoCodeRequired)
	}
	switch p.Type {
	case PromoTypePercentage:
		if p.Value.Sign() <= 0 || p.Value.GreaterThan(decimal.NewFromInt(100)) {
			errs = append(errs, ErrInvalidPromoConfig)
		}
	case PromoTypeFixed:
		if p.Value.Sign() <= 0 || !p.Value.Equal(p.Value.Truncate(0)) {
			errs = append(errs, ErrInvalidPromoConfig)
		}
	default:
		errs = append(errs, ErrInvalidPromoConfig)
	}
	if p.MinOrderMinor < 0 || p.MaxDiscountMinor < 0 || p.UsedCount < 0 {
		errs = append(errs, ErrInvalidPromoConfig)
	}
	if p.UsageLimit != nil && *p.UsageLimit < 0 {
		errs = append(errs, ErrInvalidPromoConfig)
	}
	if !p.ValidFrom.IsZero() && !p.ValidTo.IsZero() && p.ValidTo.Before(p.ValidFrom) {
		errs = append(errs, ErrInvalidPromoConfig)
	}

	return errs
}

// PromoPatch — административная правка промокода. Nil-поля не меняются.
type PromoPatch struct {
	Active           *bool
	ValidFrom        *time.Time
	ValidTo          *time.Time
	MinOrderMinor    *int64
	MaxDiscountMinor *int64
	// UsageLimit задаёт новый лимит; ClearUsageLimit снимает его совсем.
	UsageLimit      *int64
	ClearUsageLimit bool
}

// ApplyTo переносит заданные поля на промокод.
func (p PromoPatch) ApplyTo(promo *Promo) {
	if p.Active != nil {
		promo.Active = *p.Active
	}
	if p.ValidFrom != nil {
		promo.ValidFrom = *p.ValidFrom
	}
	if p.ValidTo != nil {
		promo.ValidTo = *p.ValidTo
	}
	if p.MinOrderMinor != nil {
		promo.MinOrderMinor = *p.MinOrderMinor
	}
	if p.MaxDiscountMinor != nil {
		promo.MaxDiscountMinor = *p.MaxDiscountMinor
	}
	if p.ClearUsageLimit {
		promo.UsageLimit = nil
	} else if p.UsageLimit != nil {
		limit := *p.UsageLimit
		promo.UsageLimit = &limit
	}
}

// PromoRedemption — запись usage-log, связывающая одно применение с одним заказом.
type PromoRedemption struct {
	Code          string
	OrderID       string
	UserID        string
	DiscountMinor int64
	CreatedAt     time.Time
}

// PromoRejection — причина, по которой промокод не может быть применён.
type PromoRejection string

const (
	PromoRejectionNone              PromoRejection = ""
	PromoRejectionNotFound          PromoRejection = "NotFound"
	PromoRejectionExpired           PromoRejection = "Expired"
	PromoRejectionNotYetValid       PromoRejection = "NotYetValid"
	PromoRejectionBelowMinimum      PromoRejection = "BelowMinimum"
	PromoRejectionUsageLimitReached PromoRejection = "UsageLimitReached"
	PromoRejectionInactive          PromoRejection = "Inactive"
)

// Err возвращает типизированную ошибку для причины отказа.
func (r PromoRejection) Err() error {
	switch r {
	case PromoRejectionNotFound:
		return ErrPromoNotFound
	case PromoRejectionExpired:
		return ErrPromoExpired
	case PromoRejectionNotYetValid:
		return ErrPromoNotYetValid
	case PromoRejectionBelowMinimum:
		return ErrPromoBelowMinimum
	case PromoRejectionUsageLimitReached:
		return ErrPromoUsageLimitReached
	case PromoRejectionInactive:
		return ErrPromoInactive
	default:
		return nil
	}
}
