package checkout

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

func TestConfirmPayment_PaysOrderAndCommitsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 2))
	cb := f.pay(t, alice, order.ID)

	res, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, res.Outcome)
	require.Equal(t, domain.OrderStatusPaid, res.Order.Status)
	require.NotNil(t, res.Order.PaidAt)
	require.Equal(t, domain.PaymentStatusCaptured, res.Payment.Status)
	require.True(t, res.Payment.SignatureVerified)
	require.Equal(t, cb.ExternalPaymentID, res.Payment.ExternalPaymentID)

	rec := f.stock(t, "v-1")
	require.Equal(t, int64(8), rec.Total)
	require.Zero(t, rec.Reserved)

	holds, err := f.store.Inventory().ListHolds(ctx, order.ID)
	require.NoError(t, err)
	for _, h := range holds {
		require.Equal(t, domain.HoldStatusCommitted, h.Status)
	}
}

func TestConfirmPayment_DoubleCallbackPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 2))
	cb := f.pay(t, alice, order.ID)

	first, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, first.Outcome)

	second, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyPaid, second.Outcome)
	require.Equal(t, domain.OrderStatusPaid, second.Order.Status)
	require.Equal(t, first.Order.Version, second.Order.Version)

	require.Equal(t, int64(8), f.stock(t, "v-1").Total)
}

func TestConfirmPayment_ConcurrentCallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 3))
	cb := f.pay(t, alice, order.ID)

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]ConfirmOutcome, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
			outcomes[i], errs[i] = res.Outcome, err
		}(i)
	}
	wg.Wait()

	paid := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomePaid {
			paid++
		}
	}
	require.Equal(t, 1, paid)
	require.Equal(t, int64(7), f.stock(t, "v-1").Total)
}

func TestConfirmPayment_TamperedExternalIDIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 2))
	cb := f.pay(t, alice, order.ID)

	_, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, "ch_forged", cb.Signature)
	require.ErrorIs(t, err, domain.ErrPaymentVerificationFailed)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
	require.Equal(t, domain.KindPaymentVerificationFailed, domain.KindOf(err))
	require.NotContains(t, err.Error(), testSecret)

	current, err := f.store.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, current.Status)
	require.Equal(t, int64(2), f.stock(t, "v-1").Reserved)

	payments, err := f.store.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, domain.PaymentStatusCreated, payments[0].Status)
}

func TestConfirmPayment_UnknownIntent(t *testing.T) {
	f := newFixture(t)
	sig := f.bridge.Sign("pi_unknown", "ch_1")

	_, err := f.coordinator.ConfirmPayment(context.Background(), "pi_unknown", "ch_1", sig)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestConfirmPayment_AfterCancelSchedulesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 2))
	cb := f.pay(t, alice, order.ID)

	_, err := f.coordinator.CancelOrder(ctx, alice, order.ID, "changed my mind")
	require.NoError(t, err)

	res, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomeRefundScheduled, res.Outcome)
	require.Equal(t, domain.OrderStatusCancelled, res.Order.Status)
	require.Equal(t, domain.PaymentStatusRefundPending, res.Payment.Status)

	rec := f.stock(t, "v-1")
	require.Equal(t, int64(10), rec.Total)
	require.Zero(t, rec.Reserved)

	again, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomeRefundScheduled, again.Outcome)
}

func TestConfirmPayment_LateCallbackAfterGatewayTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 1))
	cb := f.pay(t, alice, order.ID)

	// попытка помечена failed, но шлюз всё же провёл списание
	payments, err := f.store.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	reason := "gateway timeout"
	ok, err := f.store.Payments().UpdateStatus(ctx, payments[0].ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated}, domain.PaymentStatusFailed,
		domain.PaymentUpdate{FailureReason: &reason}, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, res.Outcome)
}

func TestConfirmPayment_AmountMismatchSchedulesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPromo(t, domain.Promo{Code: "FIVE", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(100), Active: true})
	order := f.createOrder(t, alice, line("v-1", 2))
	stale := f.pay(t, alice, order.ID)

	// попытка на 1500 помечена failed, после чего скидка снизила total до 1400
	payments, err := f.store.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), payments[0].AmountMinor)
	reason := "gateway timeout"
	ok, err := f.store.Payments().UpdateStatus(ctx, payments[0].ID,
		[]domain.PaymentStatus{domain.PaymentStatusCreated}, domain.PaymentStatusFailed,
		domain.PaymentUpdate{FailureReason: &reason}, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	discounted, err := f.coordinator.ApplyPromo(ctx, alice, order.ID, "FIVE")
	require.NoError(t, err)
	require.Equal(t, int64(1400), discounted.TotalMinor)

	res, err := f.coordinator.ConfirmPayment(ctx, stale.IntentID, stale.ExternalPaymentID, stale.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomeRefundScheduled, res.Outcome)
	require.Equal(t, domain.OrderStatusPending, res.Order.Status)
	require.Equal(t, domain.PaymentStatusRefundPending, res.Payment.Status)
	require.Equal(t, int64(2), f.stock(t, "v-1").Reserved)

	// оплата на актуальную сумму проходит
	fresh := f.pay(t, alice, order.ID)
	paid, err := f.coordinator.ConfirmPayment(ctx, fresh.IntentID, fresh.ExternalPaymentID, fresh.Signature)
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, paid.Outcome)
	require.Equal(t, int64(1400), paid.Payment.AmountMinor)
}

func TestConfirmPayment_RacesWithCancel(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		ctx := context.Background()
		order := f.createOrder(t, alice, line("v-1", 2))
		cb := f.pay(t, alice, order.ID)

		var (
			wg         sync.WaitGroup
			start      = make(chan struct{})
			confirmRes ConfirmResult
			confirmErr error
			cancelErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			confirmRes, confirmErr = f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.coordinator.CancelOrder(ctx, alice, order.ID, "changed my mind")
		}()
		close(start)
		wg.Wait()

		require.NoError(t, confirmErr)
		require.NoError(t, cancelErr)
		// pending покидает ровно один: либо оплата, либо отмена
		require.Contains(t, []ConfirmOutcome{OutcomePaid, OutcomeRefundScheduled}, confirmRes.Outcome)

		final, err := f.store.Orders().Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCancelled, final.Status)

		rec := f.stock(t, "v-1")
		require.Equal(t, int64(10), rec.Total)
		require.Zero(t, rec.Reserved)

		payments, err := f.store.Payments().ListByOrder(ctx, order.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		require.Equal(t, domain.PaymentStatusRefundPending, payments[0].Status)

		timeline, err := f.store.Timeline().List(ctx, order.ID)
		require.NoError(t, err)
		paidEvents := 0
		for _, ev := range timeline {
			if ev.Type == domain.EventOrderPaid {
				paidEvents++
			}
		}
		if confirmRes.Outcome == OutcomePaid {
			require.Equal(t, 1, paidEvents)
		} else {
			require.Zero(t, paidEvents)
		}
	}
}
