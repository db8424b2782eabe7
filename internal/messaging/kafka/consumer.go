package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
)

// MessageHandler обрабатывает одно сообщение.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ направляет необработанные сообщения в dead letter топик.
func WithDLQ(producer *Producer) ConsumerOption {
	return func(c *Consumer) {
		c.dlqProducer = producer
	}
}

// WithMaxAttempts задаёт число попыток обработки сообщения внутри процесса.
func WithMaxAttempts(attempts int) ConsumerOption {
	return func(c *Consumer) {
		c.maxAttempts = attempts
	}
}

func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = delay
	}
}

// WithPermanent задаёт, какие ошибки не имеет смысла повторять.
func WithPermanent(fn func(error) bool) ConsumerOption {
	return func(c *Consumer) {
		c.permanent = fn
	}
}

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// Consumer читает топики consumer group с повторами и DLQ.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	dlqProducer *Producer
	maxAttempts int
	retryDelay  time.Duration
	permanent   func(error) bool
	wg          sync.WaitGroup
}

// NewConsumer подключается к consumer group.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, options...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "kafka-consumer")
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.permanent == nil {
		c.permanent = func(error) bool { return false }
	}
	return c
}

// Start запускает чтение в фоне до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// после rebalance Consume возвращается, его нужно вызвать снова
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("consume failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim помечает сообщение обработанным после успеха или отправки в DLQ.
// Сообщение без DLQ остаётся непомеченным и будет перечитано после рестарта.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			entry.Debug("received message")

			if err := c.handle(session.Context(), message); err != nil {
				entry.WithError(err).Error("message processing failed")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handle вызывает обработчик до maxAttempts раз. Постоянная ошибка сразу уходит в DLQ.
func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempts := retryCount(message)
	var err error
	for attempts < c.maxAttempts {
		attempts++
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if c.permanent(err) {
			break
		}
		if attempts >= c.maxAttempts || c.retryDelay <= 0 {
			continue
		}
		timer := time.NewTimer(c.retryDelay * time.Duration(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err == nil {
		err = errors.New("retry budget exhausted before processing")
	}

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(message, err, attempts); dlqErr != nil {
		return fmt.Errorf("send to dlq: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":    message.Topic,
		"attempts": attempts,
	}).Warn("message sent to DLQ")
	return nil
}

// retryCount читает число попыток, уже сделанных до переотправки сообщения.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil && count >= 0 {
				return count
			}
		}
	}
	return 0
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, attempts int) error {
	failedAt := c.dlqProducer.now()
	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, string(message.Key), DeadLetterMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		Attempts:          attempts,
		FailedAt:          failedAt,
	},
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(attempts))},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(failedAt.Format(time.RFC3339))},
	)
}
