package grpcsvc

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"

	"github.com/vladislavdragonenkov/shopcore/internal/auth"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/checkout"
)

const idempotencyKeyHeader = "idempotency-key"

// CheckoutService реализует shop.v1.CheckoutService поверх Coordinator.
type CheckoutService struct {
	coordinator *checkout.Coordinator
	logger      *log.Entry
}

var _ CheckoutServiceServer = (*CheckoutService)(nil)

// NewCheckoutService конструирует сервис с зависимостями.
func NewCheckoutService(coordinator *checkout.Coordinator, logger *log.Entry) *CheckoutService {
	if logger == nil {
		logger = log.WithField("component", "checkout-service")
	}
	return &CheckoutService{coordinator: coordinator, logger: logger}
}

func (s *CheckoutService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	lines := make([]domain.StockLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, domain.StockLine{VariantID: l.VariantID, Qty: l.Qty})
	}

	key := req.IdempotencyKey
	if key == "" {
		key = readIdempotencyKey(ctx)
	}

	res, err := s.coordinator.CreateOrder(ctx, principal, checkout.CreateOrderRequest{
		Lines:          lines,
		AddressID:      req.AddressID,
		PromoCode:      req.PromoCode,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, s.fail(principal, MethodCreateOrder, err)
	}
	return &CreateOrderResponse{Order: toOrder(res.Order), Replayed: res.Replayed}, nil
}

func (s *CheckoutService) GetOrder(ctx context.Context, req *OrderRequest) (*GetOrderResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	view, err := s.coordinator.GetOrder(ctx, principal, req.OrderID)
	if err != nil {
		return nil, s.fail(principal, MethodGetOrder, err)
	}

	resp := &GetOrderResponse{
		Order:    toOrder(view.Order),
		Payments: make([]Payment, 0, len(view.Payments)),
		Timeline: make([]TimelineEvent, 0, len(view.Timeline)),
	}
	for _, p := range view.Payments {
		resp.Payments = append(resp.Payments, toPayment(p))
	}
	for _, ev := range view.Timeline {
		resp.Timeline = append(resp.Timeline, TimelineEvent{Type: ev.Type, Reason: ev.Reason, Actor: ev.Actor, Occurred: ev.Occurred})
	}
	return resp, nil
}

func (s *CheckoutService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	orders, err := s.coordinator.ListOrders(ctx, principal, req.Limit)
	if err != nil {
		return nil, s.fail(principal, MethodListOrders, err)
	}
	resp := &ListOrdersResponse{Orders: make([]Order, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toOrder(order))
	}
	return resp, nil
}

func (s *CheckoutService) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	order, err := s.coordinator.CancelOrder(ctx, principal, req.OrderID, req.Reason)
	if err != nil {
		return nil, s.fail(principal, MethodCancelOrder, err)
	}
	return &OrderResponse{Order: toOrder(order)}, nil
}

func (s *CheckoutService) ValidatePromo(ctx context.Context, req *ValidatePromoRequest) (*ValidatePromoResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	v, err := s.coordinator.ValidatePromo(ctx, principal, req.Code, req.CartTotalMinor)
	if err != nil {
		return nil, s.fail(principal, MethodValidatePromo, err)
	}
	return &ValidatePromoResponse{Valid: v.OK, Code: v.Code, DiscountMinor: v.DiscountMinor, Reason: string(v.Reason)}, nil
}

func (s *CheckoutService) ApplyPromo(ctx context.Context, req *ApplyPromoRequest) (*OrderResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	order, err := s.coordinator.ApplyPromo(ctx, principal, req.OrderID, req.Code)
	if err != nil {
		return nil, s.fail(principal, MethodApplyPromo, err)
	}
	return &OrderResponse{Order: toOrder(order)}, nil
}

func (s *CheckoutService) CreatePaymentIntent(ctx context.Context, req *OrderRequest) (*PaymentIntentResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	intent, err := s.coordinator.CreatePaymentIntent(ctx, principal, req.OrderID)
	if err != nil {
		return nil, s.fail(principal, MethodCreatePaymentIntent, err)
	}
	return &PaymentIntentResponse{
		PaymentID:    intent.PaymentID,
		OrderID:      intent.OrderID,
		IntentID:     intent.IntentID,
		ClientSecret: intent.ClientSecret,
		AmountMinor:  intent.AmountMinor,
		Currency:     intent.Currency,
	}, nil
}

// ConfirmPayment не требует личности: подлинность callback'а подтверждает подпись.
func (s *CheckoutService) ConfirmPayment(ctx context.Context, req *ConfirmPaymentRequest) (*ConfirmPaymentResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	res, err := s.coordinator.ConfirmPayment(ctx, req.IntentID, req.ExternalPaymentID, req.Signature)
	if err != nil {
		return nil, s.fail(principal, MethodConfirmPayment, err)
	}
	return &ConfirmPaymentResponse{Order: toOrder(res.Order), PaymentID: res.Payment.ID, Outcome: string(res.Outcome)}, nil
}

func (s *CheckoutService) ShipOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	order, err := s.coordinator.ShipOrder(ctx, principal, req.OrderID)
	if err != nil {
		return nil, s.fail(principal, MethodShipOrder, err)
	}
	return &OrderResponse{Order: toOrder(order)}, nil
}

func (s *CheckoutService) DeliverOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	principal, _ := auth.PrincipalFrom(ctx)
	order, err := s.coordinator.DeliverOrder(ctx, principal, req.OrderID)
	if err != nil {
		return nil, s.fail(principal, MethodDeliverOrder, err)
	}
	return &OrderResponse{Order: toOrder(order)}, nil
}

func (s *CheckoutService) fail(principal domain.Principal, method string, err error) error {
	if domain.KindOf(err) == domain.KindInternal {
		s.logger.WithError(err).WithField("method", method).Error("checkout call failed")
	}
	return toStatus(err, principal.Authenticated())
}

func readIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(idempotencyKeyHeader); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func toOrder(order domain.Order) Order {
	out := Order{
		ID:            order.ID,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		Currency:      order.Currency,
		Items:         make([]OrderItem, 0, len(order.Items)),
		AddressID:     order.AddressID,
		SubtotalMinor: order.SubtotalMinor,
		DiscountMinor: order.DiscountMinor,
		ShippingMinor: order.ShippingMinor,
		TotalMinor:    order.TotalMinor,
		PromoCode:     order.PromoCode,
		CancelReason:  order.CancelReason,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		PaidAt:        order.PaidAt,
		ShippedAt:     order.ShippedAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
	}
	for _, item := range order.Items {
		out.Items = append(out.Items, OrderItem{
			ID:             item.ID,
			VariantID:      item.VariantID,
			Qty:            item.Qty,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}
	return out
}

func toPayment(p domain.Payment) Payment {
	return Payment{
		ID:                p.ID,
		IntentID:          p.IntentID,
		ExternalPaymentID: p.ExternalPaymentID,
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		Status:            string(p.Status),
		SignatureVerified: p.SignatureVerified,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt,
	}
}
