package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с позициями.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// GetForUpdate читает заказ и держит блокировку строки до конца транзакции.
	// Операции, сверяющие сумму заказа с платежами, читают заказ только так.
	GetForUpdate(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// UpdateStatus пишет статус to только если текущий статус равен from.
	// false без ошибки означает, что guard не прошёл (гонку выиграл другой запрос).
	UpdateStatus(ctx context.Context, id string, from, to OrderStatus, update OrderUpdate, at time.Time) (bool, error)
	// ApplyDiscount фиксирует скидку промокода на pending-заказе и пересчитывает total.
	// false означает, что заказ уже не pending или на нём другой код.
	ApplyDiscount(ctx context.Context, id, code string, discountMinor int64, at time.Time) (bool, error)
	// ListPendingBefore возвращает pending-заказы, созданные раньше before.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)
}

// InventoryRepository — складской учёт на условных обновлениях.
// Методы Reserve/Release/Commit/Restock возвращают false, если условие WHERE не выполнилось.
type InventoryRepository interface {
	Get(ctx context.Context, variantID string) (InventoryRecord, error)
	Upsert(ctx context.Context, record InventoryRecord) error
	Reserve(ctx context.Context, variantID string, qty int64) (bool, error)
	Release(ctx context.Context, variantID string, qty int64) (bool, error)
	Commit(ctx context.Context, variantID string, qty int64) (bool, error)
	Restock(ctx context.Context, variantID string, qty int64) (bool, error)

	CreateHold(ctx context.Context, hold StockHold) error
	ListHolds(ctx context.Context, orderID string) ([]StockHold, error)
	UpdateHoldStatus(ctx context.Context, holdID string, from, to HoldStatus, at time.Time) (bool, error)
}

// PaymentUpdate перечисляет поля платежа, меняемые вместе со статусом.
type PaymentUpdate struct {
	ExternalPaymentID *string
	SignatureVerified *bool
	FailureReason     *string
}

// PaymentRepository хранит попытки оплаты.
type PaymentRepository interface {
	// Create возвращает ErrPaymentInProgress, если у заказа уже есть открытый платёж.
	Create(ctx context.Context, payment Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	GetByIntent(ctx context.Context, intentID string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	ListByStatus(ctx context.Context, status PaymentStatus, limit int) ([]Payment, error)
	SetIntent(ctx context.Context, id, intentID, clientSecret string, at time.Time) error
	// UpdateStatus переводит платёж в to только из одного из статусов from.
	UpdateStatus(ctx context.Context, id string, from []PaymentStatus, to PaymentStatus, update PaymentUpdate, at time.Time) (bool, error)
}

// PromoRepository хранит промокоды и usage-log.
type PromoRepository interface {
	Get(ctx context.Context, code string) (Promo, error)
	Upsert(ctx context.Context, promo Promo) error
	Update(ctx context.Context, code string, patch PromoPatch, at time.Time) (Promo, error)
	// IncrementUsage увеличивает used_count, только если лимит ещё не исчерпан.
	IncrementUsage(ctx context.Context, code string, at time.Time) (bool, error)
	GetRedemption(ctx context.Context, orderID string) (PromoRedemption, error)
	// CreateRedemption возвращает ErrDuplicate при нарушении уникальности (code, order_id) или order_id.
	CreateRedemption(ctx context.Context, redemption PromoRedemption) error
}

// IdempotencyRepository хранит отпечатки запросов создания заказа.
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Create возвращает ErrDuplicate, если ключ уже занят.
	Create(ctx context.Context, record IdempotencyRecord) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// CatalogRepository отдаёт цены вариантов для снимка в позициях заказа.
type CatalogRepository interface {
	Prices(ctx context.Context, variantIDs []string) (map[string]CatalogPrice, error)
	UpsertPrice(ctx context.Context, price CatalogPrice) error
}

// Tx — набор репозиториев, работающих в одной атомарной единице.
type Tx interface {
	Orders() OrderRepository
	Inventory() InventoryRepository
	Payments() PaymentRepository
	Promos() PromoRepository
	Idempotency() IdempotencyRepository
	Outbox() OutboxRepository
	Timeline() TimelineRepository
	Catalog() CatalogRepository
}

// Store — транзакционное хранилище. Методы Tx вне WithinTx работают в режиме autocommit.
type Store interface {
	Tx
	// WithinTx выполняет fn атомарно: ошибка fn откатывает все изменения.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// IntentRequest — запрос на открытие платёжного intent у шлюза.
type IntentRequest struct {
	OrderID     string
	PaymentID   string
	AmountMinor int64
	Currency    string
}

// PaymentGateway — внешний платёжный процессор.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (GatewayIntent, error)
	// FetchPayment возвращает авторитетный статус платежа по intent.
	FetchPayment(ctx context.Context, intentID string) (GatewayPayment, error)
	Refund(ctx context.Context, payment Payment) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
