package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// record пишет событие заказа в outbox и timeline в транзакции вызывающего кода.
func (c *Coordinator) record(ctx context.Context, tx domain.Tx, order domain.Order, eventType, reason, actor string, at time.Time) error {
	msg, err := domain.NewOrderEvent(eventType, order, reason, at)
	if err != nil {
		return err
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return appendTimeline(ctx, tx, order.ID, eventType, reason, actor, at)
}

// recordPayment пишет событие платежа; в timeline оно попадает под заказом.
func (c *Coordinator) recordPayment(ctx context.Context, tx domain.Tx, payment domain.Payment, eventType, actor string, at time.Time) error {
	msg, err := domain.NewPaymentEvent(eventType, payment, at)
	if err != nil {
		return err
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return appendTimeline(ctx, tx, payment.OrderID, eventType, payment.ID, actor, at)
}

func appendTimeline(ctx context.Context, tx domain.Tx, orderID, eventType, reason, actor string, at time.Time) error {
	err := tx.Timeline().Append(ctx, domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Actor:    actor,
		Occurred: at,
	})
	if err != nil {
		return fmt.Errorf("append timeline %s: %w", eventType, err)
	}
	return nil
}
