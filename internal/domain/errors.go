package domain

import (
	"errors"
	"fmt"
)

// Kind — стабильный машиночитаемый код ошибки, который видят клиенты.
type Kind string

const (
	KindInternal                  Kind = "internal"
	KindInvalidArgument           Kind = "invalid_argument"
	KindNotFound                  Kind = "not_found"
	KindUnauthorized              Kind = "unauthorized"
	KindConflict                  Kind = "conflict"
	KindUnavailable               Kind = "unavailable"
	KindInsufficientStock         Kind = "insufficient_stock"
	KindInvalidTransition         Kind = "invalid_transition"
	KindPaymentVerificationFailed Kind = "payment_verification_failed"
	KindSignatureInvalid          Kind = "signature_invalid"
	KindPaymentInProgress         Kind = "payment_in_progress"
	KindPromoNotFound             Kind = "promo_not_found"
	KindPromoExpired              Kind = "promo_expired"
	KindPromoNotYetValid          Kind = "promo_not_yet_valid"
	KindPromoBelowMinimum         Kind = "promo_below_minimum"
	KindPromoUsageLimitReached    Kind = "promo_usage_limit_reached"
	KindPromoInactive             Kind = "promo_inactive"
	KindPromoAlreadyApplied       Kind = "promo_already_applied"
)

// Error связывает человекочитаемое сообщение с Kind.
// Сравнение через errors.Is идёт по указателю, поэтому каждый sentinel уникален.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var (
	// Ошибки валидации входных данных.
	ErrCustomerRequired   = newError(KindInvalidArgument, "customer_id is required")
	ErrCurrencyRequired   = newError(KindInvalidArgument, "currency is required")
	ErrItemsRequired      = newError(KindInvalidArgument, "order must contain at least one item")
	ErrVariantRequired    = newError(KindInvalidArgument, "variant_id is required")
	ErrItemQtyInvalid     = newError(KindInvalidArgument, "item qty must be greater than zero")
	ErrItemPriceInvalid   = newError(KindInvalidArgument, "item price must be non-negative")
	ErrAmountNegative     = newError(KindInvalidArgument, "total_minor must be non-negative")
	ErrAmountMismatch     = newError(KindInvalidArgument, "order totals do not add up")
	ErrOrderIDRequired    = newError(KindInvalidArgument, "order_id is required")
	ErrAddressRequired    = newError(KindInvalidArgument, "address_id is required")
	ErrPromoCodeRequired  = newError(KindInvalidArgument, "promo code is required")
	ErrIdempotencyKeyBad  = newError(KindInvalidArgument, "idempotency key must be 1..128 printable characters")
	ErrInvalidArgument    = newError(KindInvalidArgument, "invalid argument")
	ErrInvalidPromoConfig = newError(KindInvalidArgument, "invalid promo definition")

	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = newError(KindNotFound, "order not found")
	// Для варианта товара нет складской записи или цены.
	ErrVariantNotFound = newError(KindNotFound, "variant not found")
	// Платёж/intent не найден.
	ErrPaymentNotFound = newError(KindNotFound, "payment not found")
	// Ключ идемпотентности не найден или истёк.
	ErrIdempotencyKeyNotFound = newError(KindNotFound, "idempotency key not found")
	// В usage-log нет записи для заказа.
	ErrRedemptionNotFound = newError(KindNotFound, "promo redemption not found")

	// У пользователя нет прав на операцию.
	ErrUnauthorized = newError(KindUnauthorized, "not allowed to access this order")

	// Проигранная гонка на условном обновлении; операцию можно повторить.
	ErrConflict = newError(KindConflict, "concurrent update conflict")
	// Тот же ключ пришёл с другим содержимым корзины.
	ErrIdempotencyKeyReused = newError(KindConflict, "idempotency key is already used with a different request")
	// Нарушение уникальности при вставке.
	ErrDuplicate = newError(KindConflict, "record already exists")

	ErrInsufficientStock = newError(KindInsufficientStock, "insufficient stock")
	ErrInvalidTransition = newError(KindInvalidTransition, "invalid order status transition")
	// Заказ уже не ждёт оплаты: открыть платёж или сменить скидку нельзя.
	ErrOrderNotPending = newError(KindConflict, "order is no longer awaiting payment")

	// Callback не прошёл проверку, состояние не менялось.
	ErrPaymentVerificationFailed = newError(KindPaymentVerificationFailed, "payment verification failed")
	// ErrSignatureInvalid не раскрывает ни секрет, ни ожидаемую подпись.
	ErrSignatureInvalid = newError(KindSignatureInvalid, "payment signature is invalid")
	// У заказа уже есть незавершённый платёж.
	ErrPaymentInProgress = newError(KindPaymentInProgress, "order already has an active payment")
	// Платёжный шлюз не ответил вовремя или circuit breaker открыт.
	ErrGatewayUnavailable = newError(KindUnavailable, "payment gateway unavailable")

	ErrPromoNotFound          = newError(KindPromoNotFound, "promo code not found")
	ErrPromoExpired           = newError(KindPromoExpired, "promo code has expired")
	ErrPromoNotYetValid       = newError(KindPromoNotYetValid, "promo code is not valid yet")
	ErrPromoBelowMinimum      = newError(KindPromoBelowMinimum, "order total is below the promo minimum")
	ErrPromoUsageLimitReached = newError(KindPromoUsageLimitReached, "promo code usage limit reached")
	ErrPromoInactive          = newError(KindPromoInactive, "promo code is not active")
	ErrPromoAlreadyApplied    = newError(KindPromoAlreadyApplied, "another promo code is already applied to this order")

	// Ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = newError(KindInternal, "outbox publish failed")
)

// StockError детализирует нехватку остатка по конкретному варианту.
type StockError struct {
	VariantID string
	Requested int64
	Available int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// TransitionError несёт текущий и запрошенный статус для диагностики.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OrderNotPendingError называет операцию, которой помешал статус заказа.
type OrderNotPendingError struct {
	OrderID   string
	Status    OrderStatus
	Operation string
}

func (e *OrderNotPendingError) Error() string {
	return fmt.Sprintf("%s: order %s is %s, not pending", e.Operation, e.OrderID, e.Status)
}

func (e *OrderNotPendingError) Unwrap() error { return ErrOrderNotPending }

// PaymentVerificationError оборачивает причину отказа в проверке платежа.
type PaymentVerificationError struct {
	Cause error
}

func (e *PaymentVerificationError) Error() string {
	if e.Cause == nil {
		return ErrPaymentVerificationFailed.Message
	}
	return ErrPaymentVerificationFailed.Message + ": " + e.Cause.Error()
}

// Unwrap позволяет errors.Is находить и общий kind, и исходную причину.
func (e *PaymentVerificationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPaymentVerificationFailed}
	}
	return []error{ErrPaymentVerificationFailed, e.Cause}
}

// KindOf возвращает Kind ошибки; для неизвестных ошибок — KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var stockErr *StockError
	if errors.As(err, &stockErr) {
		return KindInsufficientStock
	}
	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) {
		return KindInvalidTransition
	}
	var verifyErr *PaymentVerificationError
	if errors.As(err, &verifyErr) {
		return KindPaymentVerificationFailed
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// IsRetryable сообщает, что ошибка вызвана конкурентным обновлением и запрос можно повторить.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound проверяет, что ошибка относится к kind not_found.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
