package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/shopcore/internal/service/grpc"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
)

const tokenTTL = time.Hour

// checkoutAPI — подмножество клиента CheckoutService, которое гоняет нагрузка.
type checkoutAPI interface {
	CreateOrder(ctx context.Context, in *grpcsvc.CreateOrderRequest, opts ...grpc.CallOption) (*grpcsvc.CreateOrderResponse, error)
	CreatePaymentIntent(ctx context.Context, in *grpcsvc.OrderRequest, opts ...grpc.CallOption) (*grpcsvc.PaymentIntentResponse, error)
	ConfirmPayment(ctx context.Context, in *grpcsvc.ConfirmPaymentRequest, opts ...grpc.CallOption) (*grpcsvc.ConfirmPaymentResponse, error)
	CancelOrder(ctx context.Context, in *grpcsvc.CancelOrderRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
}

type tokenIssuer interface {
	Issue(principal domain.Principal, ttl time.Duration) (string, error)
}

// Исход сценария.
const (
	resultOK       = "ok"
	resultRejected = "rejected"
	resultFailed   = "failed"
	// Сценарий прерван окончанием прогона по -duration.
	resultAborted  = "aborted"
)

// expectedRejection: отказы, которые при конкуренции за сток являются нормой, а не сбоем.
func expectedRejection(kind domain.Kind) bool {
	return kind == domain.KindInsufficientStock || kind == domain.KindPromoUsageLimitReached
}

func outcomeLabel(err error) string {
	if err == nil {
		return resultOK
	}
	if kind := grpcsvc.KindFromError(err); kind != "" {
		return string(kind)
	}
	return status.Code(err).String()
}

type runner struct {
	cfg       config
	clients   []checkoutAPI
	tokens    []string
	secret    []byte
	collector *collector
	runID     string
}

func newRunner(cfg config, clients []checkoutAPI, issuer tokenIssuer) (*runner, error) {
	r := &runner{
		cfg:       cfg,
		clients:   clients,
		secret:    []byte(cfg.paymentSecret),
		collector: newCollector(),
		runID:     uuid.NewString()[:8],
	}
	for i := 0; i < cfg.customers; i++ {
		token, err := issuer.Issue(domain.Principal{
			UserID: fmt.Sprintf("load-%s-%d", r.runID, i),
			Roles:  []domain.Role{domain.RoleCustomer},
		}, tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		r.tokens = append(r.tokens, token)
	}
	return r, nil
}

// run раздаёт индексы сценариев воркерам, пока не выйдет лимит по числу или по времени.
func (r *runner) run(ctx context.Context) report {
	started := time.Now()
	if r.cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.duration)
		defer cancel()
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.cfg.concurrency; w++ {
		client := r.clients[w%len(r.clients)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				r.scenario(ctx, client, index)
			}
		}()
	}

dispatch:
	for index := 0; r.cfg.total == 0 || index < r.cfg.total; index++ {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- index:
		}
	}
	close(jobs)
	wg.Wait()

	return r.collector.report(started, time.Since(started))
}

func (r *runner) scenario(ctx context.Context, client checkoutAPI, index int) {
	started := time.Now()
	result := resultOK
	defer func() {
		if result == resultFailed && ctx.Err() != nil {
			result = resultAborted
		}
		r.collector.scenario(result, time.Since(started))
	}()

	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+r.tokens[index%len(r.tokens)])

	var created *grpcsvc.CreateOrderResponse
	err := r.call(ctx, grpcsvc.MethodCreateOrder, func(ctx context.Context) (err error) {
		created, err = client.CreateOrder(ctx, &grpcsvc.CreateOrderRequest{
			Lines:          []grpcsvc.OrderLine{{VariantID: r.cfg.variantID, Qty: r.cfg.qty}},
			AddressID:      "addr-load",
			PromoCode:      r.cfg.promoCode,
			IdempotencyKey: fmt.Sprintf("load-%s-%d", r.runID, index),
		})
		return err
	})
	if err != nil {
		result = classify(err)
		return
	}
	if r.cfg.scenario == scenarioCreate {
		return
	}

	orderID := created.Order.ID
	var intent *grpcsvc.PaymentIntentResponse
	err = r.call(ctx, grpcsvc.MethodCreatePaymentIntent, func(ctx context.Context) (err error) {
		intent, err = client.CreatePaymentIntent(ctx, &grpcsvc.OrderRequest{OrderID: orderID})
		return err
	})
	if err != nil {
		result = classify(err)
		return
	}

	// Так выглядел бы callback шлюза: внешний id платежа и HMAC-подпись.
	external := "ch_load_" + uuid.NewString()
	err = r.call(ctx, grpcsvc.MethodConfirmPayment, func(ctx context.Context) error {
		_, err := client.ConfirmPayment(ctx, &grpcsvc.ConfirmPaymentRequest{
			IntentID:          intent.IntentID,
			ExternalPaymentID: external,
			Signature:         payment.Sign(r.secret, intent.IntentID, external),
		})
		return err
	})
	if err != nil {
		result = classify(err)
		return
	}

	if !r.cfg.wantsCancel(index) {
		return
	}
	err = r.call(ctx, grpcsvc.MethodCancelOrder, func(ctx context.Context) error {
		_, err := client.CancelOrder(ctx, &grpcsvc.CancelOrderRequest{OrderID: orderID, Reason: "load test"})
		return err
	})
	if err != nil {
		result = classify(err)
	}
}

func (r *runner) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	started := time.Now()
	err := fn(callCtx)
	r.collector.call(method, outcomeLabel(err), time.Since(started))
	return err
}

func classify(err error) string {
	if expectedRejection(grpcsvc.KindFromError(err)) {
		return resultRejected
	}
	return resultFailed
}
