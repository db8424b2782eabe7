package domain

import "time"

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// Попытка оплаты открыта, intent ещё может не существовать у шлюза.
	PaymentStatusCreated PaymentStatus = "created"
	// Шлюз подтвердил авторизацию суммы.
	PaymentStatusAuthorized PaymentStatus = "authorized"
	// Деньги списаны в пользу мерчанта.
	PaymentStatusCaptured PaymentStatus = "captured"
	// Попытка завершилась неудачей.
	PaymentStatusFailed PaymentStatus = "failed"
	// Списанные деньги нужно вернуть (заказ отменён).
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	// Возврат выполнен шлюзом.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Open сообщает, что попытка оплаты ещё не завершена.
// Одновременно у заказа может быть не больше одной такой попытки.
func (s PaymentStatus) Open() bool {
	return s == PaymentStatusCreated || s == PaymentStatusAuthorized
}

// Payment описывает попытку оплаты заказа.
type Payment struct {
	ID                string
	OrderID           string
	IntentID          string
	ClientSecret      string
	ExternalPaymentID string
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
	SignatureVerified bool
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}

// PaymentCapture — данные проверенного callback'а для фиксации оплаты.
type PaymentCapture struct {
	ExternalPaymentID string
	CapturedAt        time.Time
}

// GatewayIntent — ответ шлюза на создание intent.
type GatewayIntent struct {
	IntentID     string
	ClientSecret string
}

// GatewayPayment — авторитетное состояние платежа на стороне шлюза.
type GatewayPayment struct {
	IntentID          string
	ExternalPaymentID string
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
}

// VerificationResult — итог криптографической проверки callback'а.
type VerificationResult struct {
	PaymentID         string
	OrderID           string
	IntentID          string
	ExternalPaymentID string
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
	// GatewayConfirmed выставляется, если результат дополнительно сверен с API шлюза.
	GatewayConfirmed bool
}

// PaymentCallback — асинхронное подтверждение от шлюза (webhook или Kafka).
type PaymentCallback struct {
	IntentID          string
	ExternalPaymentID string
	Signature         string
}
