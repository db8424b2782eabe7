package grpcsvc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "shop.v1.CheckoutService"

const (
	MethodCreateOrder         = "/" + ServiceName + "/CreateOrder"
	MethodGetOrder            = "/" + ServiceName + "/GetOrder"
	MethodListOrders          = "/" + ServiceName + "/ListOrders"
	MethodCancelOrder         = "/" + ServiceName + "/CancelOrder"
	MethodValidatePromo       = "/" + ServiceName + "/ValidatePromo"
	MethodApplyPromo          = "/" + ServiceName + "/ApplyPromo"
	MethodCreatePaymentIntent = "/" + ServiceName + "/CreatePaymentIntent"
	MethodConfirmPayment      = "/" + ServiceName + "/ConfirmPayment"
	MethodShipOrder           = "/" + ServiceName + "/ShipOrder"
	MethodDeliverOrder        = "/" + ServiceName + "/DeliverOrder"
)

type OrderLine struct {
	VariantID string `json:"variant_id"`
	Qty       int64  `json:"qty"`
}

type OrderItem struct {
	ID             string `json:"id"`
	VariantID      string `json:"variant_id"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// Order — представление заказа в API.
type Order struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customer_id"`
	Status        string      `json:"status"`
	Currency      string      `json:"currency"`
	Items         []OrderItem `json:"items"`
	AddressID     string      `json:"address_id"`
	SubtotalMinor int64       `json:"subtotal_minor"`
	DiscountMinor int64       `json:"discount_minor"`
	ShippingMinor int64       `json:"shipping_minor"`
	TotalMinor    int64       `json:"total_minor"`
	PromoCode     string      `json:"promo_code,omitempty"`
	CancelReason  string      `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	ShippedAt     *time.Time  `json:"shipped_at,omitempty"`
	DeliveredAt   *time.Time  `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time  `json:"cancelled_at,omitempty"`
}

type Payment struct {
	ID                string    `json:"id"`
	IntentID          string    `json:"intent_id"`
	ExternalPaymentID string    `json:"external_payment_id,omitempty"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	SignatureVerified bool      `json:"signature_verified"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type TimelineEvent struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type CreateOrderRequest struct {
	Lines     []OrderLine `json:"lines"`
	AddressID string      `json:"address_id"`
	PromoCode string      `json:"promo_code,omitempty"`
	// IdempotencyKey можно передать и в metadata "idempotency-key"; поле сообщения приоритетнее.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreateOrderResponse struct {
	Order    Order `json:"order"`
	Replayed bool  `json:"replayed"`
}

type OrderRequest struct {
	OrderID string `json:"order_id"`
}

type OrderResponse struct {
	Order Order `json:"order"`
}

type GetOrderResponse struct {
	Order    Order           `json:"order"`
	Payments []Payment       `json:"payments"`
	Timeline []TimelineEvent `json:"timeline"`
}

type ListOrdersRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListOrdersResponse struct {
	Orders []Order `json:"orders"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type ValidatePromoRequest struct {
	Code           string `json:"code"`
	CartTotalMinor int64  `json:"cart_total_minor"`
}

type ValidatePromoResponse struct {
	Valid         bool   `json:"valid"`
	Code          string `json:"code"`
	DiscountMinor int64  `json:"discount_minor"`
	Reason        string `json:"reason,omitempty"`
}

type ApplyPromoRequest struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
}

type PaymentIntentResponse struct {
	PaymentID    string `json:"payment_id"`
	OrderID      string `json:"order_id"`
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
}

type ConfirmPaymentRequest struct {
	IntentID          string `json:"intent_id"`
	ExternalPaymentID string `json:"external_payment_id"`
	Signature         string `json:"signature"`
}

type ConfirmPaymentResponse struct {
	Order     Order  `json:"order"`
	PaymentID string `json:"payment_id"`
	Outcome   string `json:"outcome"`
}

// CheckoutServiceServer — серверная часть shop.v1.CheckoutService.
type CheckoutServiceServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*CreateOrderResponse, error)
	GetOrder(context.Context, *OrderRequest) (*GetOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*OrderResponse, error)
	ValidatePromo(context.Context, *ValidatePromoRequest) (*ValidatePromoResponse, error)
	ApplyPromo(context.Context, *ApplyPromoRequest) (*OrderResponse, error)
	CreatePaymentIntent(context.Context, *OrderRequest) (*PaymentIntentResponse, error)
	ConfirmPayment(context.Context, *ConfirmPaymentRequest) (*ConfirmPaymentResponse, error)
	ShipOrder(context.Context, *OrderRequest) (*OrderResponse, error)
	DeliverOrder(context.Context, *OrderRequest) (*OrderResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(CheckoutServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckoutServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CheckoutServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CheckoutServiceDesc описывает сервис для grpc.Server.
var CheckoutServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler(MethodCreateOrder, CheckoutServiceServer.CreateOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(MethodGetOrder, CheckoutServiceServer.GetOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(MethodListOrders, CheckoutServiceServer.ListOrders)},
		{MethodName: "CancelOrder", Handler: unaryHandler(MethodCancelOrder, CheckoutServiceServer.CancelOrder)},
		{MethodName: "ValidatePromo", Handler: unaryHandler(MethodValidatePromo, CheckoutServiceServer.ValidatePromo)},
		{MethodName: "ApplyPromo", Handler: unaryHandler(MethodApplyPromo, CheckoutServiceServer.ApplyPromo)},
		{MethodName: "CreatePaymentIntent", Handler: unaryHandler(MethodCreatePaymentIntent, CheckoutServiceServer.CreatePaymentIntent)},
		{MethodName: "ConfirmPayment", Handler: unaryHandler(MethodConfirmPayment, CheckoutServiceServer.ConfirmPayment)},
		{MethodName: "ShipOrder", Handler: unaryHandler(MethodShipOrder, CheckoutServiceServer.ShipOrder)},
		{MethodName: "DeliverOrder", Handler: unaryHandler(MethodDeliverOrder, CheckoutServiceServer.DeliverOrder)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shop/v1/checkout.json",
}

// RegisterCheckoutServiceServer регистрирует реализацию на сервере.
func RegisterCheckoutServiceServer(registrar grpc.ServiceRegistrar, srv CheckoutServiceServer) {
	registrar.RegisterService(&CheckoutServiceDesc, srv)
}

// CheckoutServiceClient — клиент shop.v1.CheckoutService поверх JSON-кодека.
type CheckoutServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCheckoutServiceClient(cc grpc.ClientConnInterface) *CheckoutServiceClient {
	return &CheckoutServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutServiceClient) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*CreateOrderResponse, error) {
	return invoke[CreateOrderResponse](ctx, c.cc, MethodCreateOrder, in, opts)
}

func (c *CheckoutServiceClient) GetOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	return invoke[GetOrderResponse](ctx, c.cc, MethodGetOrder, in, opts)
}

func (c *CheckoutServiceClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c.cc, MethodListOrders, in, opts)
}

func (c *CheckoutServiceClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodCancelOrder, in, opts)
}

func (c *CheckoutServiceClient) ValidatePromo(ctx context.Context, in *ValidatePromoRequest, opts ...grpc.CallOption) (*ValidatePromoResponse, error) {
	return invoke[ValidatePromoResponse](ctx, c.cc, MethodValidatePromo, in, opts)
}

func (c *CheckoutServiceClient) ApplyPromo(ctx context.Context, in *ApplyPromoRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodApplyPromo, in, opts)
}

func (c *CheckoutServiceClient) CreatePaymentIntent(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*PaymentIntentResponse, error) {
	return invoke[PaymentIntentResponse](ctx, c.cc, MethodCreatePaymentIntent, in, opts)
}

func (c *CheckoutServiceClient) ConfirmPayment(ctx context.Context, in *ConfirmPaymentRequest, opts ...grpc.CallOption) (*ConfirmPaymentResponse, error) {
	return invoke[ConfirmPaymentResponse](ctx, c.cc, MethodConfirmPayment, in, opts)
}

func (c *CheckoutServiceClient) ShipOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodShipOrder, in, opts)
}

func (c *CheckoutServiceClient) DeliverOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodDeliverOrder, in, opts)
}
