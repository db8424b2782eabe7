package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/lock"
	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/postgres"
)

const kafkaClientID = "shopcore"

// runtimeDependencies — внешние ресурсы процесса. close освобождает их в обратном порядке.
type runtimeDependencies struct {
	store    domain.Store
	locker   lock.Locker
	redis    *lock.Redis
	producer *kafka.Producer
	closers  []func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{locker: lock.Local{}}

	store, closeStore, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.store = store
	if closeStore != nil {
		deps.closers = append(deps.closers, closeStore)
	}

	// без Redis воркеры работают в каждой реплике; все их операции идемпотентны
	if cfg.RedisAddr != "" {
		redisLocker, err := lock.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			logger.WithError(err).Warn("failed to connect to redis, background workers fall back to local locks")
		} else {
			deps.redis = redisLocker
			deps.locker = redisLocker
			deps.closers = append(deps.closers, redisLocker.Close)
			logger.WithField("addr", cfg.RedisAddr).Info("redis locker initialized")
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, kafkaClientID)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		} else {
			deps.producer = producer
			deps.closers = append(deps.closers, producer.Close)
			logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
		}
	}

	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (domain.Store, func() error, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		if cfg.SeedDemo {
			if err := seedDemo(ctx, store, cfg.Currency); err != nil {
				return nil, nil, fmt.Errorf("seed demo data: %w", err)
			}
			logger.Info("demo catalog seeded")
		}
		logger.Warn("using in-memory storage, data is lost on restart")
		return store, nil, nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres storage requires SHOP_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		logger.Info("postgres storage initialized")
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// loggingPublisher используется без Kafka: события outbox только пишутся в лог.
type loggingPublisher struct {
	logger *log.Entry
}

func (p loggingPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	}).Debug("outbox event")
	return nil
}
