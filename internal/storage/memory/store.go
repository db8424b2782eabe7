package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// state — все таблицы in-memory хранилища.
type state struct {
	orders      map[string]domain.Order
	inventory   map[string]domain.InventoryRecord
	holds       map[string]domain.StockHold
	payments    map[string]domain.Payment
	promos      map[string]domain.Promo
	redemptions map[string]domain.PromoRedemption // ключ — order_id
	idempotency map[string]domain.IdempotencyRecord
	outbox      map[string]outboxRecord
	outboxSeq   int64
	timeline    map[string][]domain.TimelineEvent
	prices      map[string]domain.CatalogPrice
}

// Store — in-memory реализация domain.Store для локальной разработки и тестов.
// Транзакции сериализуются одним мьютексом, откат идёт по журналу undo.
type Store struct {
	mu   sync.Mutex
	data *state
	auto *session
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	s := &Store{
		data: &state{
			orders:      make(map[string]domain.Order),
			inventory:   make(map[string]domain.InventoryRecord),
			holds:       make(map[string]domain.StockHold),
			payments:    make(map[string]domain.Payment),
			promos:      make(map[string]domain.Promo),
			redemptions: make(map[string]domain.PromoRedemption),
			idempotency: make(map[string]domain.IdempotencyRecord),
			outbox:      make(map[string]outboxRecord),
			timeline:    make(map[string][]domain.TimelineEvent),
			prices:      make(map[string]domain.CatalogPrice),
		},
	}
	s.auto = &session{store: s}
	return s
}

// session — контекст выполнения репозиториев: autocommit или открытая транзакция.
type session struct {
	store *Store
	inTx  bool
	undo  []func()
}

// lock берёт мьютекс хранилища в autocommit-режиме. В транзакции он уже захвачен.
func (s *session) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.store.mu.Lock()
	return s.store.mu.Unlock
}

func (s *session) record(fn func()) {
	if s.inTx {
		s.undo = append(s.undo, fn)
	}
}

func (s *session) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

// put записывает значение и запоминает, как вернуть прежнее.
func put[K comparable, V any](s *session, m map[K]V, key K, value V) {
	prev, existed := m[key]
	s.record(func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
	m[key] = value
}

func remove[K comparable, V any](s *session, m map[K]V, key K) {
	prev, existed := m[key]
	if !existed {
		return
	}
	s.record(func() { m[key] = prev })
	delete(m, key)
}

// WithinTx выполняет fn под глобальной блокировкой. Ошибка или паника fn откатывает изменения.
// Внутри fn нельзя обращаться к репозиториям самого Store: только к tx.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &session{store: s, inTx: true}
	defer func() {
		if r := recover(); r != nil {
			sess.rollback()
			panic(r)
		}
	}()

	if err = fn(txView{sess: sess}); err != nil {
		sess.rollback()
		return err
	}
	return nil
}

// Ping всегда успешен.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Orders() domain.OrderRepository           { return txView{sess: s.auto}.Orders() }
func (s *Store) Inventory() domain.InventoryRepository     { return txView{sess: s.auto}.Inventory() }
func (s *Store) Payments() domain.PaymentRepository        { return txView{sess: s.auto}.Payments() }
func (s *Store) Promos() domain.PromoRepository            { return txView{sess: s.auto}.Promos() }
func (s *Store) Idempotency() domain.IdempotencyRepository { return txView{sess: s.auto}.Idempotency() }
func (s *Store) Outbox() domain.OutboxRepository           { return txView{sess: s.auto}.Outbox() }
func (s *Store) Timeline() domain.TimelineRepository       { return txView{sess: s.auto}.Timeline() }
func (s *Store) Catalog() domain.CatalogRepository         { return txView{sess: s.auto}.Catalog() }

// txView раздаёт репозитории, привязанные к одной сессии.
type txView struct {
	sess *session
}

func (v txView) Orders() domain.OrderRepository           { return &orderRepository{sess: v.sess} }
func (v txView) Inventory() domain.InventoryRepository     { return &inventoryRepository{sess: v.sess} }
func (v txView) Payments() domain.PaymentRepository        { return &paymentRepository{sess: v.sess} }
func (v txView) Promos() domain.PromoRepository            { return &promoRepository{sess: v.sess} }
func (v txView) Idempotency() domain.IdempotencyRepository { return &idempotencyRepository{sess: v.sess} }
func (v txView) Outbox() domain.OutboxRepository           { return &outboxRepository{sess: v.sess} }
func (v txView) Timeline() domain.TimelineRepository       { return &timelineRepository{sess: v.sess} }
func (v txView) Catalog() domain.CatalogRepository         { return &catalogRepository{sess: v.sess} }

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = txView{}
)
