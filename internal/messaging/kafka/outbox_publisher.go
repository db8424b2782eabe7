package kafka

import (
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher публикует события outbox в один топик.
// Ключ сообщения — агрегат, поэтому события одного заказа идут в одну партицию по порядку.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}

	return p.producer.PublishEvent(p.topic, key, Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishedAt:   p.producer.now(),
	}, sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte(event.EventType)})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
