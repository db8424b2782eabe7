package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

func TestNewOrderEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	order := domain.Order{ID: "o-1", CustomerID: "c-1", Status: domain.OrderStatusCancelled, Currency: "USD", TotalMinor: 975}

	msg, err := domain.NewOrderEvent(domain.EventOrderCancelled, order, "reservation_expired", at)
	if err != nil {
		t.Fatalf("NewOrderEvent: %v", err)
	}
	if msg.AggregateType != domain.AggregateOrder || msg.AggregateID != "o-1" || msg.EventType != "order.cancelled" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}

	var payload domain.OrderEventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Reason != "reservation_expired" || payload.Status != "cancelled" || !payload.OccurredAt.Equal(at) {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestNewPaymentEvent_KeyedByOrder(t *testing.T) {
	payment := domain.Payment{ID: "p-1", OrderID: "o-1", AmountMinor: 500, Currency: "USD", Status: domain.PaymentStatusRefundPending}

	msg, err := domain.NewPaymentEvent(domain.EventPaymentRefundRequested, payment, time.Now())
	if err != nil {
		t.Fatalf("NewPaymentEvent: %v", err)
	}
	if msg.AggregateID != "o-1" || msg.AggregateType != domain.AggregatePayment {
		t.Fatalf("payment events must be keyed by order: %+v", msg)
	}
}
