package kafka

import (
	"context"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// PaymentConfirmer применяет проверенный callback шлюза.
type PaymentConfirmer func(ctx context.Context, callback domain.PaymentCallback) error

// NewPaymentCallbackHandler превращает сообщения shop.payment.callbacks в подтверждения оплаты.
// Повтор сообщения безопасен: подтверждение идемпотентно.
func NewPaymentCallbackHandler(confirm PaymentConfirmer, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-callback-consumer")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		msg, err := ParsePaymentCallback(message.Value)
		if err != nil {
			return err
		}
		if err := confirm(ctx, msg.Callback()); err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"intent_id": msg.IntentID,
				"kind":      domain.KindOf(err),
			}).Warn("payment callback rejected")
			return err
		}
		return nil
	}
}

// PermanentCallbackError сообщает, что повтор callback'а не изменит результат.
func PermanentCallbackError(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindInvalidArgument, domain.KindNotFound, domain.KindPaymentVerificationFailed,
		domain.KindSignatureInvalid, domain.KindInvalidTransition:
		return true
	default:
		return false
	}
}
