package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var msg PaymentCallbackMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return err
		}
		if msg.IntentID != "pi_1" {
			t.Errorf("unexpected intent id %q", msg.IntentID)
		}
		return nil
	})

	producer := NewProducerFromSync(mockProducer)
	err := producer.PublishEvent(TopicPaymentCallbacks, "pi_1", PaymentCallbackMessage{IntentID: "pi_1", ExternalPaymentID: "ch_1", Signature: "sig"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewProducerFromSync(mockProducer)
	if err := producer.PublishEvent(TopicOrderEvents, "order-1", map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer)

	if err := producer.PublishEvent(TopicOrderEvents, "k", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewProducer_InvalidBroker(t *testing.T) {
	if _, err := NewProducer([]string{"127.0.0.1:1"}, "shop-test"); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestParsePaymentCallback(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "valid", value: `{"intent_id":"pi_1","external_payment_id":"ch_1","signature":"abc"}`},
		{name: "broken json", value: `{`, wantErr: true},
		{name: "missing signature", value: `{"intent_id":"pi_1","external_payment_id":"ch_1"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParsePaymentCallback([]byte(tt.value))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cb := msg.Callback(); cb.IntentID != "pi_1" || cb.ExternalPaymentID != "ch_1" || cb.Signature != "abc" {
				t.Fatalf("unexpected callback: %+v", cb)
			}
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"id":"1","aggregate_id":"order-1","event_type":"order.paid","payload":{"status":"paid"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.EventType != "order.paid" || string(env.Payload) != `{"status":"paid"}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := ParseEnvelope([]byte("{")); err == nil {
		t.Fatal("expected parse error")
	}
}
