package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// Типы событий transactional outbox.
const (
	EventOrderCreated      = "order.created"
	EventOrderPaid         = "order.paid"
	EventOrderCancelled    = "order.cancelled"
	EventOrderShipped      = "order.shipped"
	EventOrderDelivered    = "order.delivered"
	EventOrderPromoApplied = "order.promo_applied"

	EventPaymentRefundRequested = "payment.refund_requested"
	EventPaymentRefunded        = "payment.refunded"
)

// OrderEventPayload — тело событий заказа.
type OrderEventPayload struct {
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	Status        string    `json:"status"`
	Currency      string    `json:"currency"`
	TotalMinor    int64     `json:"total_minor"`
	DiscountMinor int64     `json:"discount_minor,omitempty"`
	PromoCode     string    `json:"promo_code,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PaymentEventPayload — тело событий платежа.
type PaymentEventPayload struct {
	PaymentID   string    `json:"payment_id"`
	OrderID     string    `json:"order_id"`
	IntentID    string    `json:"intent_id,omitempty"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewOrderEvent собирает outbox-сообщение о заказе.
func NewOrderEvent(eventType string, order Order, reason string, at time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(OrderEventPayload{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		Currency:      order.Currency,
		TotalMinor:    order.TotalMinor,
		DiscountMinor: order.DiscountMinor,
		PromoCode:     order.PromoCode,
		Reason:        reason,
		OccurredAt:    at,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

// NewPaymentEvent собирает outbox-сообщение о платеже. Ключ агрегата — заказ,
// чтобы события заказа и его платежей попадали в одну партицию.
func NewPaymentEvent(eventType string, payment Payment, at time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(PaymentEventPayload{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		IntentID:    payment.IntentID,
		AmountMinor: payment.AmountMinor,
		Currency:    payment.Currency,
		Status:      string(payment.Status),
		OccurredAt:  at,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: AggregatePayment,
		AggregateID:   payment.OrderID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
