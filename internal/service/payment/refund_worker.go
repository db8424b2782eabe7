package payment

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/lock"
)

const (
	defaultRefundInterval  = 30 * time.Second
	defaultRefundBatchSize = 50

	refundLockName = "payment-refunds"
)

var refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shop_payment_refunds_total",
	Help: "Refund executions grouped by result.",
}, []string{"result"})

// RefundWorkerOption настраивает RefundWorker.
type RefundWorkerOption func(*RefundWorker)

func WithRefundLogger(logger *log.Entry) RefundWorkerOption {
	return func(w *RefundWorker) {
		w.logger = logger
	}
}

func WithRefundInterval(interval time.Duration) RefundWorkerOption {
	return func(w *RefundWorker) {
		w.interval = interval
	}
}

func WithRefundBatchSize(size int) RefundWorkerOption {
	return func(w *RefundWorker) {
		w.batchSize = size
	}
}

func WithRefundLocker(locker lock.Locker) RefundWorkerOption {
	return func(w *RefundWorker) {
		w.locker = locker
	}
}

// RefundWorker исполняет возвраты по платежам в статусе refund_pending.
type RefundWorker struct {
	store     domain.Store
	bridge    *Bridge
	logger    *log.Entry
	locker    lock.Locker
	interval  time.Duration
	batchSize int
}

func NewRefundWorker(store domain.Store, bridge *Bridge, options ...RefundWorkerOption) *RefundWorker {
	w := &RefundWorker{
		store:     store,
		bridge:    bridge,
		interval:  defaultRefundInterval,
		batchSize: defaultRefundBatchSize,
	}
	for _, option := range options {
		option(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "refund-worker")
	}
	if w.interval <= 0 {
		w.interval = defaultRefundInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultRefundBatchSize
	}
	if w.locker == nil {
		w.locker = lock.Local{}
	}
	return w
}

// Run обрабатывает очередь возвратов до отмены ctx.
func (w *RefundWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *RefundWorker) tick(ctx context.Context) {
	release, ok, err := w.locker.TryAcquire(ctx, refundLockName, w.interval)
	if err != nil {
		w.logger.WithError(err).Warn("refund lock failed")
		return
	}
	if !ok {
		return
	}
	defer release()

	if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.WithError(err).Warn("refund batch failed")
	}
}

// ProcessOnce обрабатывает одну пачку и возвращает число выполненных возвратов.
// Неудачный возврат остаётся в refund_pending и будет повторён.
func (w *RefundWorker) ProcessOnce(ctx context.Context) (int, error) {
	pending, err := w.store.Payments().ListByStatus(ctx, domain.PaymentStatusRefundPending, w.batchSize)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, payment := range pending {
		if err := ctx.Err(); err != nil {
			return refunded, err
		}

		if err := w.bridge.Refund(ctx, payment); err != nil {
			refundsTotal.WithLabelValues("error").Inc()
			w.logger.WithError(err).WithFields(log.Fields{
				"payment_id": payment.ID,
				"order_id":   payment.OrderID,
			}).Warn("refund attempt failed")
			continue
		}

		if err := w.markRefunded(ctx, payment); err != nil {
			refundsTotal.WithLabelValues("error").Inc()
			w.logger.WithError(err).WithField("payment_id", payment.ID).Error("failed to record refund")
			continue
		}
		refundsTotal.WithLabelValues("ok").Inc()
		refunded++
	}
	return refunded, nil
}

func (w *RefundWorker) markRefunded(ctx context.Context, payment domain.Payment) error {
	now := w.bridge.now()
	return w.store.WithinTx(ctx, func(tx domain.Tx) error {
		ok, err := tx.Payments().UpdateStatus(ctx, payment.ID,
			[]domain.PaymentStatus{domain.PaymentStatusRefundPending},
			domain.PaymentStatusRefunded,
			domain.PaymentUpdate{},
			now,
		)
		if err != nil || !ok {
			return err
		}

		payment.Status = domain.PaymentStatusRefunded
		msg, err := domain.NewPaymentEvent(domain.EventPaymentRefunded, payment, now)
		if err != nil {
			return err
		}
		if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return err
		}
		return tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  payment.OrderID,
			Type:     domain.EventPaymentRefunded,
			Actor:    "gateway",
			Occurred: now,
		})
	})
}
