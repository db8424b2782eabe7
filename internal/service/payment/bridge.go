// Package payment связывает заказы с внешним платёжным шлюзом:
// открывает intent, проверяет подписанные callback'и и исполняет возвраты.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const defaultGatewayTimeout = 5 * time.Second

// ErrGatewayMismatch — шлюз не подтверждает списание, о котором сообщает callback.
var ErrGatewayMismatch = errors.New("gateway does not confirm the captured payment")

// Intent — открытая попытка оплаты, которую клиент завершает у шлюза.
type Intent struct {
	PaymentID    string
	OrderID      string
	IntentID     string
	ClientSecret string
	AmountMinor  int64
	Currency     string
}

// Option настраивает Bridge.
type Option func(*Bridge)

func WithLogger(logger *log.Entry) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// WithGatewayTimeout ограничивает каждый вызов шлюза.
func WithGatewayTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = timeout
	}
}

func WithBreaker(breaker *CircuitBreaker) Option {
	return func(b *Bridge) {
		b.breaker = breaker
	}
}

// WithConfirmWithGateway включает сверку callback'а с API шлюза.
func WithConfirmWithGateway(enabled bool) Option {
	return func(b *Bridge) {
		b.confirmWithGateway = enabled
	}
}

// Bridge — граница с платёжным шлюзом. Вызовы шлюза всегда выполняются вне транзакций БД.
type Bridge struct {
	store   domain.Store
	gateway domain.PaymentGateway
	secret  []byte

	breaker            *CircuitBreaker
	timeout            time.Duration
	confirmWithGateway bool

	logger *log.Entry
	now    func() time.Time
}

func NewBridge(store domain.Store, gateway domain.PaymentGateway, secret string, options ...Option) (*Bridge, error) {
	if store == nil || gateway == nil {
		return nil, errors.New("payment bridge requires store and gateway")
	}
	if secret == "" {
		return nil, errors.New("payment signing secret is required")
	}

	b := &Bridge{
		store:   store,
		gateway: gateway,
		secret:  []byte(secret),
		timeout: defaultGatewayTimeout,
	}
	for _, option := range options {
		option(b)
	}
	if b.logger == nil {
		b.logger = log.WithField("component", "payment-bridge")
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	if b.timeout <= 0 {
		b.timeout = defaultGatewayTimeout
	}
	if b.breaker == nil {
		b.breaker = NewCircuitBreaker(5, 30*time.Second, b.logger)
	}
	return b, nil
}

// CreateIntent открывает попытку оплаты pending-заказа.
// Ошибка или таймаут шлюза помечает попытку failed; заказ и резерв остаются как есть.
func (b *Bridge) CreateIntent(ctx context.Context, orderID string) (Intent, error) {
	var payment domain.Payment
	err := b.store.WithinTx(ctx, func(tx domain.Tx) error {
		var err error
		payment, err = b.OpenPaymentTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return Intent{}, err
	}

	var gatewayIntent domain.GatewayIntent
	err = b.call(ctx, "create_intent", func(callCtx context.Context) error {
		var err error
		gatewayIntent, err = b.gateway.CreateIntent(callCtx, domain.IntentRequest{
			OrderID:     payment.OrderID,
			PaymentID:   payment.ID,
			AmountMinor: payment.AmountMinor,
			Currency:    payment.Currency,
		})
		return err
	})
	if err != nil {
		b.fail(ctx, payment, err)
		return Intent{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	if err := b.store.Payments().SetIntent(context.WithoutCancel(ctx), payment.ID, gatewayIntent.IntentID, gatewayIntent.ClientSecret, b.now()); err != nil {
		// без intent_id попытку нельзя ни подтвердить, ни продолжить; закрываем её
		b.fail(ctx, payment, err)
		return Intent{}, fmt.Errorf("store payment intent: %w", err)
	}

	b.logger.WithFields(log.Fields{
		"order_id":   payment.OrderID,
		"payment_id": payment.ID,
		"intent_id":  gatewayIntent.IntentID,
	}).Info("payment intent created")

	return Intent{
		PaymentID:    payment.ID,
		OrderID:      payment.OrderID,
		IntentID:     gatewayIntent.IntentID,
		ClientSecret: gatewayIntent.ClientSecret,
		AmountMinor:  payment.AmountMinor,
		Currency:     payment.Currency,
	}, nil
}

// OpenPaymentTx создаёт запись платежа в статусе created на текущий total заказа.
// Строка заказа блокируется, поэтому параллельный ApplyPromo не изменит total до коммита.
// Гонку двух запросов решает частичный уникальный индекс «один открытый платёж на заказ».
func (b *Bridge) OpenPaymentTx(ctx context.Context, tx domain.Tx, orderID string) (domain.Payment, error) {
	if orderID == "" {
		return domain.Payment{}, domain.ErrOrderIDRequired
	}

	order, err := tx.Orders().GetForUpdate(ctx, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return domain.Payment{}, &domain.OrderNotPendingError{OrderID: order.ID, Status: order.Status, Operation: "create payment intent"}
	}

	existing, err := tx.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("list order payments: %w", err)
	}
	for _, p := range existing {
		if p.Status.Open() {
			return domain.Payment{}, domain.ErrPaymentInProgress
		}
	}

	now := b.now()
	payment := domain.Payment{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		AmountMinor: order.TotalMinor,
		Currency:    order.Currency,
		Status:      domain.PaymentStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if errs := payment.Validate(); len(errs) > 0 {
		return domain.Payment{}, errors.Join(errs...)
	}
	if err := tx.Payments().Create(ctx, payment); err != nil {
		return domain.Payment{}, err
	}
	return payment, nil
}

// Sign возвращает подпись callback'а hex(HMAC-SHA256(secret, intentID|externalPaymentID)).
func (b *Bridge) Sign(intentID, externalPaymentID string) string {
	return Sign(b.secret, intentID, externalPaymentID)
}

// Sign вычисляет подпись для заданного секрета.
func Sign(secret []byte, intentID, externalPaymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(intentID + "|" + externalPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback проверяет подпись и возвращает сведения о платеже. Состояние не меняется.
// Ошибка подписи не раскрывает ни секрет, ни ожидаемое значение.
func (b *Bridge) VerifyCallback(ctx context.Context, intentID, externalPaymentID, signature string) (domain.VerificationResult, error) {
	if intentID == "" || externalPaymentID == "" || signature == "" {
		return domain.VerificationResult{}, domain.ErrSignatureInvalid
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return domain.VerificationResult{}, domain.ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(intentID + "|" + externalPaymentID))
	if !hmac.Equal(mac.Sum(nil), provided) {
		return domain.VerificationResult{}, domain.ErrSignatureInvalid
	}

	payment, err := b.store.Payments().GetByIntent(ctx, intentID)
	if err != nil {
		return domain.VerificationResult{}, err
	}

	result := domain.VerificationResult{
		PaymentID:         payment.ID,
		OrderID:           payment.OrderID,
		IntentID:          intentID,
		ExternalPaymentID: externalPaymentID,
		AmountMinor:       payment.AmountMinor,
		Currency:          payment.Currency,
		Status:            payment.Status,
	}

	if !b.confirmWithGateway {
		return result, nil
	}

	var remote domain.GatewayPayment
	err = b.call(ctx, "fetch_payment", func(callCtx context.Context) error {
		var err error
		remote, err = b.gateway.FetchPayment(callCtx, intentID)
		return err
	})
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	if remote.Status != domain.PaymentStatusCaptured ||
		remote.AmountMinor != payment.AmountMinor ||
		remote.Currency != payment.Currency ||
		(remote.ExternalPaymentID != "" && remote.ExternalPaymentID != externalPaymentID) {
		return domain.VerificationResult{}, ErrGatewayMismatch
	}

	result.GatewayConfirmed = true
	return result, nil
}

// Refund исполняет возврат у шлюза через предохранитель и таймаут.
func (b *Bridge) Refund(ctx context.Context, payment domain.Payment) error {
	return b.call(ctx, "refund", func(callCtx context.Context) error {
		return b.gateway.Refund(callCtx, payment)
	})
}

func (b *Bridge) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.breaker.Execute(operation, func() error {
		return fn(callCtx)
	})
}

// fail помечает попытку оплаты failed, чтобы клиент мог открыть новую.
func (b *Bridge) fail(ctx context.Context, payment domain.Payment, cause error) {
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "gateway timeout"
	}

	ctx = context.WithoutCancel(ctx)
	_, err := b.store.Payments().UpdateStatus(ctx, payment.ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated, domain.PaymentStatusAuthorized},
		domain.PaymentStatusFailed,
		domain.PaymentUpdate{FailureReason: &reason},
		b.now(),
	)
	entry := b.logger.WithError(cause).WithFields(log.Fields{
		"order_id":   payment.OrderID,
		"payment_id": payment.ID,
	})
	if err != nil {
		entry.WithField("update_error", err.Error()).Error("failed to mark payment as failed")
		return
	}
	entry.Warn("payment intent creation failed")
}
