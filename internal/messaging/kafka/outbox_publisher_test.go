package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		env, err := ParseEnvelope(value)
		if err != nil {
			return err
		}
		if env.EventType != domain.EventOrderPaid || env.AggregateID != "order-123" {
			t.Errorf("unexpected envelope: %+v", env)
		}
		if string(env.Payload) != `{"status":"paid"}` {
			t.Errorf("payload must be embedded as JSON, got %s", env.Payload)
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer), TopicOrderEvents)
	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventOrderPaid,
		Payload:       []byte(`{"status":"paid"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer), "")
	if publisher.topic != TopicOrderEvents {
		t.Fatalf("expected default topic, got %s", publisher.topic)
	}
	err := publisher.Publish(domain.OutboxMessage{ID: "outbox-2", AggregateID: "order-234", EventType: domain.EventOrderCancelled, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
