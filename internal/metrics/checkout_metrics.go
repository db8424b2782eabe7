package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики транзакционного ядра магазина.
type CheckoutMetrics struct {
	ordersCreated     *prometheus.CounterVec
	paymentsConfirmed *prometheus.CounterVec
	ordersCancelled   *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	promoApplied      *prometheus.CounterVec
	stockRejected     prometheus.Counter
	txRetries         prometheus.Counter

	operationDuration *prometheus.HistogramVec

	inFlight prometheus.Gauge
}

// NewCheckoutMetrics регистрирует метрики в default registry (или переиспользует уже зарегистрированные).
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer позволяет тестам использовать изолированный registry.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		ordersCreated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_checkout_orders_created_total",
			Help: "CreateOrder outcomes grouped by result (created, replayed, failed).",
		}, []string{"result"}),
		paymentsConfirmed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_checkout_payments_confirmed_total",
			Help: "ConfirmPayment outcomes (paid, already_paid, refund_scheduled, rejected).",
		}, []string{"outcome"}),
		ordersCancelled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_checkout_orders_cancelled_total",
			Help: "Cancelled orders grouped by initiator.",
		}, []string{"initiator"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_order_transitions_total",
			Help: "Applied order status transitions.",
		}, []string{"from", "to"}),
		promoApplied: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_promo_applications_total",
			Help: "Promo application attempts grouped by result.",
		}, []string{"result"}),
		stockRejected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_inventory_insufficient_stock_total",
			Help: "Reservations rejected because of insufficient stock.",
		}),
		txRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_checkout_tx_retries_total",
			Help: "Transactions retried after a concurrent update conflict.",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_checkout_operation_duration_seconds",
			Help:    "Duration of coordinator operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation", "result"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_checkout_operations_in_flight",
			Help: "Number of coordinator operations currently executing.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// ObserveOperation фиксирует длительность операции и уменьшает счётчик in-flight.
// Вызывается через defer после StartOperation.
func (m *CheckoutMetrics) ObserveOperation(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operationDuration.WithLabelValues(operation, result).Observe(time.Since(started).Seconds())
	m.inFlight.Dec()
}

// StartOperation отмечает начало операции и возвращает время старта.
func (m *CheckoutMetrics) StartOperation() time.Time {
	if m != nil {
		m.inFlight.Inc()
	}
	return time.Now()
}

// RecordOrderCreated считает попытки создания: created, replayed или kind ошибки.
func (m *CheckoutMetrics) RecordOrderCreated(result string) {
	if m != nil {
		m.ordersCreated.WithLabelValues(result).Inc()
	}
}

// RecordPaymentConfirmation считает исходы подтверждения оплаты.
func (m *CheckoutMetrics) RecordPaymentConfirmation(outcome string) {
	if m != nil {
		m.paymentsConfirmed.WithLabelValues(outcome).Inc()
	}
}

// RecordOrderCancelled считает отмены; initiator = customer, staff или system.
func (m *CheckoutMetrics) RecordOrderCancelled(initiator string) {
	if m != nil {
		m.ordersCancelled.WithLabelValues(initiator).Inc()
	}
}

func (m *CheckoutMetrics) RecordTransition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *CheckoutMetrics) RecordPromoApplication(result string) {
	if m != nil {
		m.promoApplied.WithLabelValues(result).Inc()
	}
}

func (m *CheckoutMetrics) RecordInsufficientStock() {
	if m != nil {
		m.stockRejected.Inc()
	}
}

func (m *CheckoutMetrics) RecordTxRetry() {
	if m != nil {
		m.txRetries.Inc()
	}
}
