package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// SandboxGateway — шлюз в памяти для разработки и тестов.
// Capture имитирует оплату клиентом и возвращает подписанный callback.
type SandboxGateway struct {
	mu      sync.Mutex
	secret  []byte
	intents map[string]*sandboxIntent
	refunds []string

	createErr error
	fetchErr  error
	refundErr error
	delay     time.Duration
}

type sandboxIntent struct {
	paymentID   string
	orderID     string
	amountMinor int64
	currency    string
	externalID  string
	status      domain.PaymentStatus
}

func NewSandboxGateway(secret string) *SandboxGateway {
	return &SandboxGateway{
		secret:  []byte(secret),
		intents: make(map[string]*sandboxIntent),
	}
}

// FailCreate заставляет CreateIntent возвращать err (nil снимает сбой).
func (g *SandboxGateway) FailCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

func (g *SandboxGateway) FailFetch(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchErr = err
}

func (g *SandboxGateway) FailRefund(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundErr = err
}

// SetDelay задерживает CreateIntent, чтобы проверить таймауты.
func (g *SandboxGateway) SetDelay(delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = delay
}

func (g *SandboxGateway) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.GatewayIntent, error) {
	g.mu.Lock()
	delay, failure := g.delay, g.createErr
	g.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.GatewayIntent{}, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return domain.GatewayIntent{}, failure
	}

	intentID := "pi_" + uuid.NewString()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intentID] = &sandboxIntent{
		paymentID:   req.PaymentID,
		orderID:     req.OrderID,
		amountMinor: req.AmountMinor,
		currency:    req.Currency,
		status:      domain.PaymentStatusCreated,
	}
	return domain.GatewayIntent{IntentID: intentID, ClientSecret: "cs_" + uuid.NewString()}, nil
}

// Capture списывает деньги по intent и возвращает callback, который шлюз отправил бы магазину.
func (g *SandboxGateway) Capture(intentID string) (domain.PaymentCallback, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return domain.PaymentCallback{}, fmt.Errorf("sandbox intent %s: %w", intentID, domain.ErrPaymentNotFound)
	}
	if intent.externalID == "" {
		intent.externalID = "ch_" + uuid.NewString()
	}
	intent.status = domain.PaymentStatusCaptured

	return domain.PaymentCallback{
		IntentID:          intentID,
		ExternalPaymentID: intent.externalID,
		Signature:         Sign(g.secret, intentID, intent.externalID),
	}, nil
}

func (g *SandboxGateway) FetchPayment(_ context.Context, intentID string) (domain.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fetchErr != nil {
		return domain.GatewayPayment{}, g.fetchErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return domain.GatewayPayment{}, domain.ErrPaymentNotFound
	}
	return domain.GatewayPayment{
		IntentID:          intentID,
		ExternalPaymentID: intent.externalID,
		AmountMinor:       intent.amountMinor,
		Currency:          intent.currency,
		Status:            intent.status,
	}, nil
}

func (g *SandboxGateway) Refund(_ context.Context, payment domain.Payment) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refundErr != nil {
		return g.refundErr
	}
	if intent, ok := g.intents[payment.IntentID]; ok {
		intent.status = domain.PaymentStatusRefunded
	}
	g.refunds = append(g.refunds, payment.ID)
	return nil
}

// Refunds возвращает ID платежей, по которым выполнен возврат.
func (g *SandboxGateway) Refunds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunds...)
}

var _ domain.PaymentGateway = (*SandboxGateway)(nil)
