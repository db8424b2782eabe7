// Package promo проверяет и применяет промокоды ровно один раз на заказ.
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/retry"
)

var hundred = decimal.NewFromInt(100)

// Validation — итог проверки промокода без побочных эффектов.
type Validation struct {
	OK            bool
	Code          string
	DiscountMinor int64
	Reason        domain.PromoRejection
}

// Application — итог применения промокода к заказу.
type Application struct {
	Code          string
	OrderID       string
	DiscountMinor int64
	// Код уже был применён к этому заказу, возвращена исходная скидка.
	Replayed bool
}

// Option настраивает Engine.
type Option func(*Engine)

func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithRetry(cfg retry.Config) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// Engine проверяет и применяет промокоды.
type Engine struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	retry   retry.Config
	now     func() time.Time
}

func NewEngine(store domain.Store, options ...Option) *Engine {
	e := &Engine{store: store, retry: retry.DefaultConfig()}
	for _, option := range options {
		option(e)
	}
	if e.logger == nil {
		e.logger = log.WithField("component", "promo-engine")
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Validate проверяет код против суммы корзины. Отказ — это OK=false с причиной, а не ошибка.
func (e *Engine) Validate(ctx context.Context, code string, cartTotalMinor int64, userID string) (Validation, error) {
	code = domain.NormalizePromoCode(code)
	if code == "" {
		return Validation{}, domain.ErrPromoCodeRequired
	}
	if cartTotalMinor < 0 {
		return Validation{}, domain.ErrInvalidArgument
	}

	promo, err := e.store.Promos().Get(ctx, code)
	if errors.Is(err, domain.ErrPromoNotFound) {
		return Validation{Code: code, Reason: domain.PromoRejectionNotFound}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("load promo: %w", err)
	}

	v := Evaluate(promo, cartTotalMinor, e.now())
	if !v.OK {
		e.logger.WithFields(log.Fields{
			"code":    code,
			"user_id": userID,
			"reason":  v.Reason,
		}).Debug("promo rejected")
	}
	return v, nil
}

// Evaluate применяет правила промокода к сумме корзины. Чистая функция.
// Порядок проверок: активность, начало и конец действия, минимальная сумма, лимит применений.
func Evaluate(promo domain.Promo, cartTotalMinor int64, now time.Time) Validation {
	v := Validation{Code: promo.Code}

	switch {
	case !promo.Active:
		v.Reason = domain.PromoRejectionInactive
	case !promo.ValidFrom.IsZero() && now.Before(promo.ValidFrom):
		v.Reason = domain.PromoRejectionNotYetValid
	case !promo.ValidTo.IsZero() && now.After(promo.ValidTo):
		v.Reason = domain.PromoRejectionExpired
	case cartTotalMinor < promo.MinOrderMinor:
		v.Reason = domain.PromoRejectionBelowMinimum
	case promo.UsageLimit != nil && promo.UsedCount >= *promo.UsageLimit:
		v.Reason = domain.PromoRejectionUsageLimitReached
	default:
		v.OK = true
		v.DiscountMinor = ComputeDiscount(promo, cartTotalMinor)
	}
	return v
}

// ComputeDiscount считает скидку в минимальных единицах.
// Процент округляется half-up и ограничивается потолком; скидка никогда не превышает сумму корзины.
func ComputeDiscount(promo domain.Promo, cartTotalMinor int64) int64 {
	if cartTotalMinor <= 0 {
		return 0
	}

	var discount int64
	switch promo.Type {
	case domain.PromoTypePercentage:
		discount = decimal.NewFromInt(cartTotalMinor).Mul(promo.Value).Div(hundred).Round(0).IntPart()
		if promo.MaxDiscountMinor > 0 && discount > promo.MaxDiscountMinor {
			discount = promo.MaxDiscountMinor
		}
	case domain.PromoTypeFixed:
		discount = promo.Value.IntPart()
	}

	if discount < 0 {
		return 0
	}
	if discount > cartTotalMinor {
		return cartTotalMinor
	}
	return discount
}

// Apply применяет код к заказу в собственной транзакции.
func (e *Engine) Apply(ctx context.Context, code, orderID, userID string, cartTotalMinor int64) (Application, error) {
	var app Application
	err := retry.Do(ctx, e.retry, e.logger, "apply_promo", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx domain.Tx) error {
			var err error
			app, err = e.ApplyTx(ctx, tx, code, orderID, userID, cartTotalMinor)
			return err
		})
	})
	return app, err
}

// ReplayTx ищет в usage-log уже записанное применение к заказу.
// found=false значит, что заказ ещё без промокода; другой код на заказе даёт ErrPromoAlreadyApplied.
func (e *Engine) ReplayTx(ctx context.Context, tx domain.Tx, code, orderID string) (app Application, found bool, err error) {
	code = domain.NormalizePromoCode(code)
	if code == "" {
		return Application{}, false, domain.ErrPromoCodeRequired
	}
	if orderID == "" {
		return Application{}, false, domain.ErrOrderIDRequired
	}

	existing, err := tx.Promos().GetRedemption(ctx, orderID)
	switch {
	case errors.Is(err, domain.ErrRedemptionNotFound):
		return Application{}, false, nil
	case err != nil:
		return Application{}, false, fmt.Errorf("load promo redemption: %w", err)
	case existing.Code != code:
		e.metrics.RecordPromoApplication("already_applied")
		return Application{}, false, domain.ErrPromoAlreadyApplied
	}
	e.metrics.RecordPromoApplication("replayed")
	return Application{Code: code, OrderID: orderID, DiscountMinor: existing.DiscountMinor, Replayed: true}, true, nil
}

// ApplyTx применяет код внутри транзакции вызывающего кода.
// Гонку двух применений решает уникальный индекс usage-log: проигравший получает ErrConflict
// и при повторе видит уже записанное применение.
func (e *Engine) ApplyTx(ctx context.Context, tx domain.Tx, code, orderID, userID string, cartTotalMinor int64) (Application, error) {
	replay, found, err := e.ReplayTx(ctx, tx, code, orderID)
	if err != nil || found {
		return replay, err
	}
	code = domain.NormalizePromoCode(code)
	promos := tx.Promos()

	promo, err := promos.Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrPromoNotFound) {
			e.metrics.RecordPromoApplication(string(domain.PromoRejectionNotFound))
		}
		return Application{}, err
	}

	now := e.now()
	v := Evaluate(promo, cartTotalMinor, now)
	if !v.OK {
		e.metrics.RecordPromoApplication(string(v.Reason))
		return Application{}, v.Reason.Err()
	}

	ok, err := promos.IncrementUsage(ctx, code, now)
	if err != nil {
		return Application{}, fmt.Errorf("increment promo usage: %w", err)
	}
	if !ok {
		e.metrics.RecordPromoApplication(string(domain.PromoRejectionUsageLimitReached))
		return Application{}, domain.ErrPromoUsageLimitReached
	}

	err = promos.CreateRedemption(ctx, domain.PromoRedemption{
		Code:          code,
		OrderID:       orderID,
		UserID:        userID,
		DiscountMinor: v.DiscountMinor,
		CreatedAt:     now,
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return Application{}, fmt.Errorf("promo redemption for order %s: %w", orderID, domain.ErrConflict)
	}
	if err != nil {
		return Application{}, fmt.Errorf("create promo redemption: %w", err)
	}

	e.metrics.RecordPromoApplication("applied")
	e.logger.WithFields(log.Fields{
		"code":     code,
		"order_id": orderID,
		"discount": v.DiscountMinor,
	}).Info("promo applied")

	return Application{Code: code, OrderID: orderID, DiscountMinor: v.DiscountMinor}, nil
}

// UpsertPromo создаёт или заменяет определение промокода (счётчик применений сохраняется).
func (e *Engine) UpsertPromo(ctx context.Context, promo domain.Promo) error {
	promo.Code = domain.NormalizePromoCode(promo.Code)
	if errs := promo.Validate(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	now := e.now()
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = now
	}
	promo.UpdatedAt = now
	return e.store.Promos().Upsert(ctx, promo)
}

// UpdatePromo: административная правка перечисленных полей.
func (e *Engine) UpdatePromo(ctx context.Context, code string, patch domain.PromoPatch) (domain.Promo, error) {
	code = domain.NormalizePromoCode(code)
	if code == "" {
		return domain.Promo{}, domain.ErrPromoCodeRequired
	}
	return e.store.Promos().Update(ctx, code, patch, e.now())
}
