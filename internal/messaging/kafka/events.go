package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// Топики магазина.
const (
	TopicOrderEvents      = "shop.order.events"
	TopicPaymentCallbacks = "shop.payment.callbacks"
	TopicDeadLetterQueue  = "shop.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope — формат события outbox в топике.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// PaymentCallbackMessage — подтверждение шлюза, пришедшее через Kafka вместо webhook.
type PaymentCallbackMessage struct {
	IntentID          string `json:"intent_id"`
	ExternalPaymentID string `json:"external_payment_id"`
	Signature         string `json:"signature"`
}

// Callback переводит сообщение в доменный callback.
func (m PaymentCallbackMessage) Callback() domain.PaymentCallback {
	return domain.PaymentCallback{
		IntentID:          m.IntentID,
		ExternalPaymentID: m.ExternalPaymentID,
		Signature:         m.Signature,
	}
}

// DeadLetterMessage — сообщение, которое потребитель не смог обработать.
type DeadLetterMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	Attempts          int       `json:"attempts"`
	FailedAt          time.Time `json:"failed_at"`
}

// ParseEnvelope разбирает событие outbox.
func ParseEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal outbox envelope: %w", err)
	}
	return env, nil
}

// ParsePaymentCallback разбирает callback и проверяет обязательные поля.
func ParsePaymentCallback(value []byte) (PaymentCallbackMessage, error) {
	var msg PaymentCallbackMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return PaymentCallbackMessage{}, fmt.Errorf("unmarshal payment callback: %w: %v", domain.ErrInvalidArgument, err)
	}
	if msg.IntentID == "" || msg.ExternalPaymentID == "" || msg.Signature == "" {
		return PaymentCallbackMessage{}, fmt.Errorf("payment callback is incomplete: %w", domain.ErrInvalidArgument)
	}
	return msg, nil
}
