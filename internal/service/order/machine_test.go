package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newMachine() *Machine {
	return NewMachine(WithClock(func() time.Time { return fixedNow }))
}

func pendingOrder(id string) domain.Order {
	return domain.Order{
		ID:         id,
		CustomerID: "customer-1",
		Currency:   "USD",
		Items: []domain.OrderItem{
			{ID: id + "-1", VariantID: "v-1", Qty: 2, UnitPriceMinor: 500},
		},
		SubtotalMinor: 1000,
		ShippingMinor: 100,
		TotalMinor:    1100,
	}
}

func createOrder(t *testing.T, store *memory.Store, m *Machine, id string) domain.Order {
	t.Helper()
	created, err := m.Create(context.Background(), store, pendingOrder(id))
	require.NoError(t, err)
	return created
}

func TestMachine_Create(t *testing.T) {
	store := memory.NewStore()
	m := newMachine()

	created := createOrder(t, store, m, "order-1")
	require.Equal(t, domain.OrderStatusPending, created.Status)
	require.Equal(t, fixedNow, created.CreatedAt)

	stored, err := store.Orders().Get(context.Background(), "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stored.Status)
}

func TestMachine_CreateRejectsInvalidOrders(t *testing.T) {
	store := memory.NewStore()
	m := newMachine()
	ctx := context.Background()

	paid := pendingOrder("order-paid")
	paid.Status = domain.OrderStatusPaid
	_, err := m.Create(ctx, store, paid)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	broken := pendingOrder("order-broken")
	broken.TotalMinor = 1
	_, err = m.Create(ctx, store, broken)
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	_, err = store.Orders().Get(ctx, "order-broken")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMachine_Transition(t *testing.T) {
	tests := []struct {
		name        string
		path        []domain.OrderStatus
		to          domain.OrderStatus
		wantChanged bool
		wantErr     error
		wantStatus  domain.OrderStatus
	}{
		{name: "pending to paid", to: domain.OrderStatusPaid, wantChanged: true, wantStatus: domain.OrderStatusPaid},
		{name: "pending to cancelled", to: domain.OrderStatusCancelled, wantChanged: true, wantStatus: domain.OrderStatusCancelled},
		{name: "paid to cancelled", path: []domain.OrderStatus{domain.OrderStatusPaid}, to: domain.OrderStatusCancelled, wantChanged: true, wantStatus: domain.OrderStatusCancelled},
		{name: "paid to shipped", path: []domain.OrderStatus{domain.OrderStatusPaid}, to: domain.OrderStatusShipped, wantChanged: true, wantStatus: domain.OrderStatusShipped},
		{name: "shipped to delivered", path: []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusShipped}, to: domain.OrderStatusDelivered, wantChanged: true, wantStatus: domain.OrderStatusDelivered},
		{name: "same status is no-op", path: []domain.OrderStatus{domain.OrderStatusPaid}, to: domain.OrderStatusPaid, wantStatus: domain.OrderStatusPaid},
		{name: "cancelled twice is no-op", path: []domain.OrderStatus{domain.OrderStatusCancelled}, to: domain.OrderStatusCancelled, wantStatus: domain.OrderStatusCancelled},
		{name: "pending to shipped denied", to: domain.OrderStatusShipped, wantErr: domain.ErrInvalidTransition, wantStatus: domain.OrderStatusPending},
		{name: "shipped to cancelled denied", path: []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusShipped}, to: domain.OrderStatusCancelled, wantErr: domain.ErrInvalidTransition, wantStatus: domain.OrderStatusShipped},
		{name: "cancelled to paid denied", path: []domain.OrderStatus{domain.OrderStatusCancelled}, to: domain.OrderStatusPaid, wantErr: domain.ErrInvalidTransition, wantStatus: domain.OrderStatusCancelled},
		{name: "delivered is terminal", path: []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusShipped, domain.OrderStatusDelivered}, to: domain.OrderStatusCancelled, wantErr: domain.ErrInvalidTransition, wantStatus: domain.OrderStatusDelivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			m := newMachine()
			ctx := context.Background()
			createOrder(t, store, m, "order-1")

			for _, step := range tt.path {
				_, err := m.Transition(ctx, store, "order-1", step, domain.OrderUpdate{})
				require.NoError(t, err)
			}

			result, err := m.Transition(ctx, store, "order-1", tt.to, domain.OrderUpdate{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var transitionErr *domain.TransitionError
				require.ErrorAs(t, err, &transitionErr)
				require.Equal(t, tt.to, transitionErr.To)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantChanged, result.Changed)
			require.Equal(t, tt.wantStatus, result.Order.Status)

			stored, err := store.Orders().Get(ctx, "order-1")
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, stored.Status)
		})
	}
}

func TestMachine_TransitionStampsTimestamps(t *testing.T) {
	store := memory.NewStore()
	m := newMachine()
	ctx := context.Background()
	createOrder(t, store, m, "order-1")

	reason := "changed mind"
	result, err := m.Transition(ctx, store, "order-1", domain.OrderStatusCancelled, domain.OrderUpdate{CancelReason: &reason})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, domain.OrderStatusPending, result.From)
	require.NotNil(t, result.Order.CancelledAt)
	require.Equal(t, fixedNow, *result.Order.CancelledAt)
	require.Equal(t, reason, result.Order.CancelReason)
	require.EqualValues(t, 1, result.Order.Version)

	stored, _ := store.Orders().Get(ctx, "order-1")
	require.Equal(t, reason, stored.CancelReason)
	require.NotNil(t, stored.CancelledAt)
}

func TestMachine_TransitionUnknownOrder(t *testing.T) {
	_, err := newMachine().Transition(context.Background(), memory.NewStore(), "missing", domain.OrderStatusPaid, domain.OrderUpdate{})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = newMachine().Transition(context.Background(), memory.NewStore(), "missing", domain.OrderStatus("bogus"), domain.OrderUpdate{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMachine_TransitionLostRace(t *testing.T) {
	tests := []struct {
		name        string
		racedTo     domain.OrderStatus
		to          domain.OrderStatus
		wantErr     error
		wantChanged bool
		wantStatus  domain.OrderStatus
	}{
		{
			name:       "winner already reached target",
			racedTo:    domain.OrderStatusPaid,
			to:         domain.OrderStatusPaid,
			wantStatus: domain.OrderStatusPaid,
		},
		{
			name:       "cancel won over payment",
			racedTo:    domain.OrderStatusCancelled,
			to:         domain.OrderStatusPaid,
			wantErr:    domain.ErrInvalidTransition,
			wantStatus: domain.OrderStatusCancelled,
		},
		{
			name:        "payment won over cancel",
			racedTo:     domain.OrderStatusPaid,
			to:          domain.OrderStatusCancelled,
			wantChanged: true,
			wantStatus:  domain.OrderStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			m := newMachine()
			ctx := context.Background()
			createOrder(t, store, m, "order-1")

			tx := &racingTx{Tx: store, racedTo: tt.racedTo}
			result, err := m.Transition(ctx, tx, "order-1", tt.to, domain.OrderUpdate{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantChanged, result.Changed)
			require.Equal(t, tt.wantStatus, result.Order.Status)
		})
	}
}

func TestMachine_TransitionFrom(t *testing.T) {
	store := memory.NewStore()
	m := newMachine()
	ctx := context.Background()
	createOrder(t, store, m, "order-1")

	_, err := m.Transition(ctx, store, "order-1", domain.OrderStatusPaid, domain.OrderUpdate{})
	require.NoError(t, err)

	result, err := m.TransitionFrom(ctx, store, "order-1", domain.OrderStatusPending, domain.OrderStatusCancelled, domain.OrderUpdate{})
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, domain.OrderStatusPaid, result.Order.Status)

	result, err = m.TransitionFrom(ctx, store, "order-1", domain.OrderStatusPaid, domain.OrderStatusCancelled, domain.OrderUpdate{})
	require.NoError(t, err)
	require.True(t, result.Changed)

	_, err = m.TransitionFrom(ctx, store, "order-1", domain.OrderStatusPending, domain.OrderStatusDelivered, domain.OrderUpdate{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMachine_TransitionFromLostRace(t *testing.T) {
	store := memory.NewStore()
	m := newMachine()
	ctx := context.Background()
	createOrder(t, store, m, "order-1")

	tx := &racingTx{Tx: store, racedTo: domain.OrderStatusPaid}
	result, err := m.TransitionFrom(ctx, tx, "order-1", domain.OrderStatusPending, domain.OrderStatusCancelled, domain.OrderUpdate{})
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, domain.OrderStatusPaid, result.Order.Status)
}

// racingTx имитирует конкурентный запрос: первый UpdateStatus сначала
// переводит заказ в racedTo в обход машины и возвращает false.
type racingTx struct {
	domain.Tx
	racedTo domain.OrderStatus
	fired   bool
}

func (r *racingTx) Orders() domain.OrderRepository {
	return &racingOrders{OrderRepository: r.Tx.Orders(), tx: r}
}

type racingOrders struct {
	domain.OrderRepository
	tx *racingTx
}

func (r *racingOrders) UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, update domain.OrderUpdate, at time.Time) (bool, error) {
	if !r.tx.fired {
		r.tx.fired = true
		ok, err := r.OrderRepository.UpdateStatus(ctx, id, from, r.tx.racedTo, domain.OrderUpdate{}, at)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errors.New("race setup failed")
		}
		return false, nil
	}
	return r.OrderRepository.UpdateStatus(ctx, id, from, to, update, at)
}
