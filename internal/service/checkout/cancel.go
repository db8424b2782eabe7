package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/order"
	"github.com/vladislavdragonenkov/shopcore/internal/tracing"
)

// ReasonReservationExpired — причина отмены неоплаченного заказа sweep'ом.
const ReasonReservationExpired = "reservation_expired"

// CancelOrder отменяет заказ владельца или любой заказ для персонала.
// Повторная отмена — no-op; отправленный или доставленный заказ отменить нельзя.
func (c *Coordinator) CancelOrder(ctx context.Context, principal domain.Principal, orderID, reason string) (result domain.Order, err error) {
	ctx, span := tracing.Start(ctx, "checkout.CancelOrder", tracing.OrderID(orderID))
	started := c.metrics.StartOperation()
	defer func() {
		c.metrics.ObserveOperation("cancel_order", started, err)
		tracing.End(span, err)
	}()

	if _, err = c.authorizedOrder(ctx, principal, orderID); err != nil {
		return domain.Order{}, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by customer"
		if principal.IsStaff() {
			reason = "cancelled by staff"
		}
	}

	var changed bool
	err = c.withRetry(ctx, "cancel_order", func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(tx domain.Tx) error {
			res, err := c.cancelTx(ctx, tx, orderID, reason, principal.UserID, false)
			result, changed = res.Order, res.Changed
			return err
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	if changed {
		initiator := "customer"
		if principal.IsStaff() {
			initiator = "staff"
		}
		c.metrics.RecordOrderCancelled(initiator)
		c.logger.WithFields(log.Fields{
			"order_id": orderID,
			"actor":    principal.UserID,
			"reason":   reason,
		}).Info("order cancelled")
	}
	return result, nil
}

// cancelTx переводит заказ в cancelled и возвращает товар и деньги.
// onlyPending ограничивает отмену неоплаченными заказами: заказ, который успели оплатить,
// остаётся как есть.
func (c *Coordinator) cancelTx(ctx context.Context, tx domain.Tx, orderID, reason, actor string, onlyPending bool) (order.Result, error) {
	now := c.now()
	update := domain.OrderUpdate{CancelReason: &reason}

	var (
		res order.Result
		err error
	)
	if onlyPending {
		res, err = c.machine.TransitionFrom(ctx, tx, orderID, domain.OrderStatusPending, domain.OrderStatusCancelled, update)
	} else {
		res, err = c.machine.Transition(ctx, tx, orderID, domain.OrderStatusCancelled, update)
	}
	if err != nil || !res.Changed {
		return res, err
	}

	// held возвращаются в свободный остаток, committed — на склад
	if _, err := c.ledger.ReturnHolds(ctx, tx, orderID); err != nil {
		return order.Result{}, err
	}

	payments, err := tx.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return order.Result{}, fmt.Errorf("list order payments: %w", err)
	}
	failReason := "order cancelled"
	for _, p := range payments {
		switch {
		case p.Status == domain.PaymentStatusCaptured:
			ok, err := tx.Payments().UpdateStatus(ctx, p.ID,
				[]domain.PaymentStatus{domain.PaymentStatusCaptured}, domain.PaymentStatusRefundPending,
				domain.PaymentUpdate{}, now)
			if err != nil {
				return order.Result{}, fmt.Errorf("schedule refund: %w", err)
			}
			if !ok {
				return order.Result{}, domain.ErrConflict
			}
			p.Status = domain.PaymentStatusRefundPending
			if err := c.recordPayment(ctx, tx, p, domain.EventPaymentRefundRequested, actor, now); err != nil {
				return order.Result{}, err
			}
		case p.Status.Open():
			// незавершённый intent закрываем; поздний callback уйдёт в возврат
			if _, err := tx.Payments().UpdateStatus(ctx, p.ID,
				[]domain.PaymentStatus{domain.PaymentStatusCreated, domain.PaymentStatusAuthorized}, domain.PaymentStatusFailed,
				domain.PaymentUpdate{FailureReason: &failReason}, now); err != nil {
				return order.Result{}, fmt.Errorf("fail open payment: %w", err)
			}
		}
	}

	if err := c.record(ctx, tx, res.Order, domain.EventOrderCancelled, reason, actor, now); err != nil {
		return order.Result{}, err
	}
	return res, nil
}

// ExpireReservations отменяет pending-заказы старше ReservationHoldTTL и возвращает их резервы.
// Каждый заказ обрабатывается отдельной транзакцией; заказ, оплаченный в гонке, не трогается.
func (c *Coordinator) ExpireReservations(ctx context.Context, now time.Time, limit int) (expired int, err error) {
	ctx, span := tracing.Start(ctx, "checkout.ExpireReservations")
	started := c.metrics.StartOperation()
	defer func() {
		c.metrics.ObserveOperation("expire_reservations", started, err)
		tracing.End(span, err)
	}()

	if limit <= 0 {
		limit = 100
	}
	before := now.Add(-c.cfg.ReservationHoldTTL)

	stale, err := c.store.Orders().ListPendingBefore(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale pending orders: %w", err)
	}

	actor := domain.SystemPrincipal().UserID
	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		var changed bool
		err := c.withRetry(ctx, "expire_reservation", func(ctx context.Context) error {
			return c.store.WithinTx(ctx, func(tx domain.Tx) error {
				res, err := c.cancelTx(ctx, tx, candidate.ID, ReasonReservationExpired, actor, true)
				changed = res.Changed
				return err
			})
		})
		if err != nil {
			c.logger.WithError(err).WithField("order_id", candidate.ID).Warn("reservation expiry failed")
			continue
		}
		if changed {
			expired++
			c.metrics.RecordOrderCancelled("expiry")
		}
	}

	if expired > 0 {
		c.logger.WithField("expired", expired).Info("expired reservations released")
	}
	return expired, nil
}
