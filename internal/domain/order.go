package domain

import "time"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// Заказ создан, товар зарезервирован, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// Платёж подтверждён проверенным callback'ом шлюза.
	OrderStatusPaid OrderStatus = "paid"
	// Заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// Заказ доставлен, терминальный статус.
	OrderStatusDelivered OrderStatus = "delivered"
	// Заказ отменён, терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// Ссылка на вариант товара на складе.
	VariantID string
	// Количество единиц товара.
	Qty int64
	// Снимок цены на момент создания заказа, в минимальных единицах.
	UnitPriceMinor int64
}

// LineTotal возвращает стоимость позиции.
func (i OrderItem) LineTotal() int64 {
	return i.Qty * i.UnitPriceMinor
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID             string
	CustomerID     string
	Status         OrderStatus
	Currency       string
	Items          []OrderItem
	AddressID      string
	SubtotalMinor  int64
	DiscountMinor  int64
	ShippingMinor  int64
	TotalMinor     int64
	PromoCode      string
	IdempotencyKey string
	CancelReason   string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CancelledAt    *time.Time
}

// Clone возвращает глубокую копию заказа, чтобы хранилища не делили слайсы с вызывающим кодом.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	out.PaidAt = cloneTime(o.PaidAt)
	out.ShippedAt = cloneTime(o.ShippedAt)
	out.DeliveredAt = cloneTime(o.DeliveredAt)
	out.CancelledAt = cloneTime(o.CancelledAt)
	return out
}

// OwnedBy сообщает, принадлежит ли заказ пользователю.
func (o Order) OwnedBy(userID string) bool {
	return userID != "" && o.CustomerID == userID
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	var subtotal int64
	for _, item := range o.Items {
		if item.VariantID == "" {
			errs = append(errs, ErrVariantRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		subtotal += item.LineTotal()
	}

	// total == subtotal - discount + shipping, всегда >= 0.
	if subtotal != o.SubtotalMinor || o.DiscountMinor < 0 || o.ShippingMinor < 0 ||
		o.DiscountMinor > o.SubtotalMinor ||
		o.TotalMinor != o.SubtotalMinor-o.DiscountMinor+o.ShippingMinor {
		errs = append(errs, ErrAmountMismatch)
	}
	if o.TotalMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}

// OrderUpdate перечисляет поля, которые можно изменить вместе со сменой статуса.
// Nil-поля не трогаются.
type OrderUpdate struct {
	PaidAt       *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	CancelReason *string
}

// ApplyTo переносит заданные поля на заказ.
func (u OrderUpdate) ApplyTo(o *Order) {
	if u.PaidAt != nil {
		o.PaidAt = cloneTime(u.PaidAt)
	}
	if u.ShippedAt != nil {
		o.ShippedAt = cloneTime(u.ShippedAt)
	}
	if u.DeliveredAt != nil {
		o.DeliveredAt = cloneTime(u.DeliveredAt)
	}
	if u.CancelledAt != nil {
		o.CancelledAt = cloneTime(u.CancelledAt)
	}
	if u.CancelReason != nil {
		o.CancelReason = *u.CancelReason
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
