// Команда dlq-replay возвращает сообщения из shop.dlq в исходные топики.
// По умолчанию работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shopcore/internal/service/outbox"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "SHOP_KAFKA_BROKERS"
	clientID           = "shopcore-dlq-replay"
)

var errNotReplayable = errors.New("dead letter has no original payload")

type config struct {
	brokers     []string
	source      string
	eventsTopic string
	onlyTopic   string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replay — сообщение, готовое к повторной публикации.
type replay struct {
	topic string
	key   string
	value []byte
}

type offsets interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type publisher interface {
	Publish(topic, key string, value []byte, headers ...sarama.RecordHeader) error
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s saramaSource) Close() error { return s.consumer.Close() }

type dependencies struct {
	offsets   offsets
	source    partitionSource
	publisher publisher
}

func (d dependencies) close() {
	if d.publisher != nil {
		_ = d.publisher.Close()
	}
	if d.source != nil {
		_ = d.source.Close()
	}
	if d.offsets != nil {
		_ = d.offsets.Close()
	}
}

var connect = func(cfg config) (dependencies, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = clientID
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return dependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return dependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := dependencies{offsets: client, source: saramaSource{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, clientID)
	if err != nil {
		deps.close()
		return dependencies{}, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.publisher = producer
	return deps, nil
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokers string
		cfg     config
	)

	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.source, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&cfg.eventsTopic, "events-topic", kafka.TopicOrderEvents, "topic for replayed outbox events")
	fs.StringVar(&cfg.onlyTopic, "only-topic", "", "replay only dead letters that came from this topic")
	fs.IntVar(&cfg.limit, "limit", defaultLimit, "max number of dead letters to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replays; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest dead letters first")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this idle period")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envKafkaBrokers)
	}
	cfg.brokers = splitList(brokers)
	cfg.source = strings.TrimSpace(cfg.source)
	cfg.eventsTopic = strings.TrimSpace(cfg.eventsTopic)
	cfg.onlyTopic = strings.TrimSpace(cfg.onlyTopic)

	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers))
	}
	if cfg.source == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if cfg.eventsTopic == "" {
		errs = append(errs, errors.New("events-topic is required"))
	}
	if cfg.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decode разбирает запись DLQ. Поддерживаются два формата:
// kafka.DeadLetterMessage от консьюмера callback'ов и конверт outbox с outbox.DeadLetter внутри.
func decode(msg *sarama.ConsumerMessage, eventsTopic string, now time.Time) (replay, error) {
	var consumed kafka.DeadLetterMessage
	if err := json.Unmarshal(msg.Value, &consumed); err == nil && consumed.OriginalValue != "" {
		topic := strings.TrimSpace(consumed.OriginalTopic)
		if topic == "" {
			topic = headerValue(msg, kafka.HeaderOriginalTopic)
		}
		if topic == "" {
			return replay{}, errors.New("consumer dead letter has no original topic")
		}
		return replay{topic: topic, key: consumed.OriginalKey, value: []byte(consumed.OriginalValue)}, nil
	}

	envelope, err := kafka.ParseEnvelope(msg.Value)
	if err != nil || len(envelope.Payload) == 0 {
		return replay{}, errNotReplayable
	}
	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return replay{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(letter.Payload) == 0 {
		return replay{}, errNotReplayable
	}

	restored := kafka.Envelope{
		ID:            firstNonEmpty(letter.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(letter.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(letter.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(letter.EventType, envelope.EventType),
		Payload:       letter.Payload,
		PublishedAt:   now,
	}
	value, err := json.Marshal(restored)
	if err != nil {
		return replay{}, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replay{topic: eventsTopic, key: firstNonEmpty(restored.AggregateID, restored.ID), value: value}, nil
}

func headerValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type stats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *stats) add(other stats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg    config
	deps   dependencies
	logger *log.Entry
	now    func() time.Time
}

func (r *replayer) run(ctx context.Context) (stats, error) {
	var total stats
	if r.deps.offsets == nil || r.deps.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.deps.publisher == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.deps.offsets.Partitions(r.cfg.source)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.source, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.scanned >= r.cfg.limit {
			break
		}
		got, err := r.scanPartition(ctx, partition, r.cfg.limit-total.scanned)
		total.add(got)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// scanPartition читает партицию до отметки newest, зафиксированной на старте, чтобы не догонять собственные записи.
func (r *replayer) scanPartition(ctx context.Context, partition int32, budget int) (stats, error) {
	var st stats

	oldest, err := r.deps.offsets.GetOffset(r.cfg.source, partition, sarama.OffsetOldest)
	if err != nil {
		return st, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.deps.offsets.GetOffset(r.cfg.source, partition, sarama.OffsetNewest)
	if err != nil {
		return st, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return st, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(budget), oldest)
	}

	stream, err := r.deps.source.ConsumePartition(r.cfg.source, partition, start)
	if err != nil {
		return st, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for st.scanned < budget {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-idle.C:
			return st, nil
		case cerr := <-stream.Errors():
			if cerr != nil {
				return st, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return st, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.idleTimeout)

			st.scanned++
			if err := r.handle(msg, &st); err != nil {
				return st, err
			}
			if msg.Offset+1 >= newest {
				return st, nil
			}
		}
	}
	return st, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage, st *stats) error {
	entry := r.logger.WithFields(log.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	rep, err := decode(msg, r.cfg.eventsTopic, r.now().UTC())
	if err != nil {
		st.skipped++
		entry.WithError(err).Warn("skip dead letter")
		return nil
	}
	if r.cfg.onlyTopic != "" && rep.topic != r.cfg.onlyTopic {
		st.skipped++
		return nil
	}

	entry = entry.WithFields(log.Fields{"target_topic": rep.topic, "key": rep.key})
	if !r.cfg.execute {
		st.replayed++
		entry.Info("replay candidate")
		return nil
	}
	// Счётчик попыток не переносится: консьюмер начнёт обработку заново.
	if err := r.deps.publisher.Publish(rep.topic, rep.key, rep.value); err != nil {
		return fmt.Errorf("publish replay of offset %d: %w", msg.Offset, err)
	}
	st.replayed++
	entry.Debug("dead letter replayed")
	return nil
}

func run(ctx context.Context, cfg config, logger *log.Entry) (stats, error) {
	deps, err := connect(cfg)
	if err != nil {
		return stats{}, err
	}
	defer deps.close()

	r := &replayer{cfg: cfg, deps: deps, logger: logger, now: time.Now}
	return r.run(ctx)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "dlq-replay")

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("invalid arguments")
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	logger = logger.WithFields(log.Fields{"source_topic": cfg.source, "mode": mode})

	st, err := run(context.Background(), cfg, logger)
	fields := log.Fields{"scanned": st.scanned, "replayed": st.replayed, "skipped": st.skipped}
	if err != nil {
		logger.WithError(err).WithFields(fields).Fatal("dlq replay failed")
	}
	logger.WithFields(fields).Info("dlq replay finished")
}
