package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	metric := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestCheckoutMetrics_Counters(t *testing.T) {
	m := NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOrderCreated("created")
	m.RecordOrderCreated("created")
	m.RecordOrderCreated("replayed")
	m.RecordPaymentConfirmation("already_paid")
	m.RecordOrderCancelled("system")
	m.RecordTransition("pending", "paid")
	m.RecordPromoApplication("applied")

	if got := counterValue(t, m.ordersCreated, "created"); got != 2 {
		t.Fatalf("created counter = %v, want 2", got)
	}
	if got := counterValue(t, m.ordersCreated, "replayed"); got != 1 {
		t.Fatalf("replayed counter = %v, want 1", got)
	}
	if got := counterValue(t, m.paymentsConfirmed, "already_paid"); got != 1 {
		t.Fatalf("already_paid counter = %v, want 1", got)
	}
	if got := counterValue(t, m.transitions, "pending", "paid"); got != 1 {
		t.Fatalf("transition counter = %v, want 1", got)
	}
}

func TestCheckoutMetrics_OperationLifecycle(t *testing.T) {
	m := NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	started := m.StartOperation()
	gauge := &dto.Metric{}
	if err := m.inFlight.Write(gauge); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if gauge.GetGauge().GetValue() != 1 {
		t.Fatalf("in-flight = %v, want 1", gauge.GetGauge().GetValue())
	}

	m.ObserveOperation("create_order", started, errors.New("boom"))

	gauge = &dto.Metric{}
	_ = m.inFlight.Write(gauge)
	if gauge.GetGauge().GetValue() != 0 {
		t.Fatalf("in-flight after observe = %v, want 0", gauge.GetGauge().GetValue())
	}

	hist := &dto.Metric{}
	observer := m.operationDuration.WithLabelValues("create_order", "error")
	if err := observer.(prometheus.Histogram).Write(hist); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if hist.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("sample count = %d, want 1", hist.GetHistogram().GetSampleCount())
	}
}

func TestCheckoutMetrics_ReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewCheckoutMetricsWithRegisterer(reg)
	second := NewCheckoutMetricsWithRegisterer(reg)

	first.RecordTxRetry()
	metric := &dto.Metric{}
	if err := second.txRetries.Write(metric); err != nil {
		t.Fatalf("write: %v", err)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Fatal("second instance must reuse the registered collector")
	}
}

func TestCheckoutMetrics_NilSafe(t *testing.T) {
	var m *CheckoutMetrics
	started := m.StartOperation()
	m.ObserveOperation("noop", started, nil)
	m.RecordOrderCreated("created")
	m.RecordInsufficientStock()
}
