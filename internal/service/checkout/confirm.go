package checkout

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
	"github.com/vladislavdragonenkov/shopcore/internal/tracing"
)

// ConfirmOutcome — чем закончилась обработка проверенного callback'а.
type ConfirmOutcome string

const (
	// Заказ переведён в paid этим вызовом.
	OutcomePaid ConfirmOutcome = "paid"
	// Повторный callback, изменений нет.
	OutcomeAlreadyPaid ConfirmOutcome = "already_paid"
	// Деньги пришли за отменённый или уже оплаченный заказ либо не на ту сумму.
	OutcomeRefundScheduled ConfirmOutcome = "refund_scheduled"
)

// ConfirmResult — состояние заказа и платежа после обработки callback'а.
type ConfirmResult struct {
	Order   domain.Order
	Payment domain.Payment
	Outcome ConfirmOutcome
}

const gatewayActor = "gateway"

// ConfirmPayment обрабатывает callback шлюза. Без валидной подписи состояние не меняется.
func (c *Coordinator) ConfirmPayment(ctx context.Context, intentID, externalPaymentID, signature string) (result ConfirmResult, err error) {
	ctx, span := tracing.Start(ctx, "checkout.ConfirmPayment")
	started := c.metrics.StartOperation()
	defer func() {
		c.metrics.ObserveOperation("confirm_payment", started, err)
		tracing.End(span, err)
		if err != nil {
			c.metrics.RecordPaymentConfirmation(string(domain.KindOf(err)))
		} else {
			c.metrics.RecordPaymentConfirmation(string(result.Outcome))
		}
	}()

	verified, err := c.bridge.VerifyCallback(ctx, intentID, externalPaymentID, signature)
	if err != nil {
		if errors.Is(err, domain.ErrSignatureInvalid) || errors.Is(err, payment.ErrGatewayMismatch) {
			c.logger.WithField("intent_id", intentID).Warn("payment callback rejected")
			return ConfirmResult{}, &domain.PaymentVerificationError{Cause: err}
		}
		return ConfirmResult{}, err
	}
	span.SetAttributes(tracing.OrderID(verified.OrderID))

	err = c.withRetry(ctx, "confirm_payment", func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(tx domain.Tx) error {
			var err error
			result, err = c.confirmTx(ctx, tx, verified)
			return err
		})
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	c.logger.WithFields(log.Fields{
		"order_id":   result.Order.ID,
		"payment_id": result.Payment.ID,
		"outcome":    result.Outcome,
	}).Info("payment callback processed")

	return result, nil
}

// confirmTx фиксирует списание. Гонку с отменой решает guard статуса заказа:
// кто первым сменил pending, тот и определяет исход для второго.
func (c *Coordinator) confirmTx(ctx context.Context, tx domain.Tx, verified domain.VerificationResult) (ConfirmResult, error) {
	current, err := tx.Payments().Get(ctx, verified.PaymentID)
	if err != nil {
		return ConfirmResult{}, err
	}
	orderNow, err := tx.Orders().GetForUpdate(ctx, current.OrderID)
	if err != nil {
		return ConfirmResult{}, err
	}

	now := c.now()
	ext := verified.ExternalPaymentID
	verifiedFlag := true

	switch current.Status {
	case domain.PaymentStatusCaptured, domain.PaymentStatusRefundPending, domain.PaymentStatusRefunded:
		// повтор callback'а: исход уже определён первым вызовом
		outcome := OutcomeAlreadyPaid
		if current.Status != domain.PaymentStatusCaptured {
			outcome = OutcomeRefundScheduled
		}
		return ConfirmResult{Order: orderNow, Payment: current, Outcome: outcome}, nil
	}

	if orderNow.Status != domain.OrderStatusPending {
		// заказ отменён или оплачен другим платежом: деньги нужно вернуть
		return c.scheduleRefund(ctx, tx, orderNow, current, ext, "order_not_pending")
	}
	if current.AmountMinor != orderNow.TotalMinor || current.Currency != orderNow.Currency {
		// списано не столько, сколько стоит заказ сейчас: заказ остаётся pending
		return c.scheduleRefund(ctx, tx, orderNow, current, ext, "amount_mismatch")
	}

	// failed допускается: шлюз мог провести платёж после нашего таймаута
	ok, err := tx.Payments().UpdateStatus(ctx, current.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated, domain.PaymentStatusAuthorized, domain.PaymentStatusFailed},
		domain.PaymentStatusCaptured,
		domain.PaymentUpdate{ExternalPaymentID: &ext, SignatureVerified: &verifiedFlag},
		now)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("capture payment: %w", err)
	}
	if !ok {
		return ConfirmResult{}, domain.ErrConflict
	}
	captured, err := tx.Payments().Get(ctx, current.ID)
	if err != nil {
		return ConfirmResult{}, err
	}

	res, err := c.machine.TransitionFrom(ctx, tx, orderNow.ID, domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderUpdate{})
	if err != nil {
		return ConfirmResult{}, err
	}
	if !res.Changed {
		// заказ ушёл из pending между чтением и UPDATE: откатываем захват и повторяем
		return ConfirmResult{}, domain.ErrConflict
	}

	if _, err := c.ledger.CommitHolds(ctx, tx, orderNow.ID); err != nil {
		return ConfirmResult{}, err
	}
	if err := c.record(ctx, tx, res.Order, domain.EventOrderPaid, "", gatewayActor, now); err != nil {
		return ConfirmResult{}, err
	}

	return ConfirmResult{Order: res.Order, Payment: captured, Outcome: OutcomePaid}, nil
}

func (c *Coordinator) scheduleRefund(ctx context.Context, tx domain.Tx, orderNow domain.Order, current domain.Payment, ext, reason string) (ConfirmResult, error) {
	now := c.now()
	verifiedFlag := true
	ok, err := tx.Payments().UpdateStatus(ctx, current.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated, domain.PaymentStatusAuthorized, domain.PaymentStatusFailed},
		domain.PaymentStatusRefundPending,
		domain.PaymentUpdate{ExternalPaymentID: &ext, SignatureVerified: &verifiedFlag},
		now)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("schedule refund: %w", err)
	}
	if !ok {
		return ConfirmResult{}, domain.ErrConflict
	}

	updated, err := tx.Payments().Get(ctx, current.ID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := c.recordPayment(ctx, tx, updated, domain.EventPaymentRefundRequested, gatewayActor, now); err != nil {
		return ConfirmResult{}, err
	}

	c.logger.WithFields(log.Fields{
		"order_id":     orderNow.ID,
		"order_status": orderNow.Status,
		"payment_id":   current.ID,
		"amount_minor": current.AmountMinor,
		"total_minor":  orderNow.TotalMinor,
		"reason":       reason,
	}).Warn("captured payment cannot settle the order, refund scheduled")

	return ConfirmResult{Order: orderNow, Payment: updated, Outcome: OutcomeRefundScheduled}, nil
}
