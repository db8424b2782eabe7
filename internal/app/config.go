package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	envPrefix = "SHOP_"
)

// Config описывает настройки запуска сервиса. Значения читаются из переменных SHOP_*.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	WebhookAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	SeedDemo            bool

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyBucket           time.Duration
	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	ReservationHoldTTL time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	RefundInterval     time.Duration

	PaymentSecret      string
	GatewayTimeout     time.Duration
	ConfirmWithGateway bool

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	KafkaBrokers       []string
	KafkaCallbackTopic string
	KafkaGroupID       string

	RedisAddr     string
	RedisPassword string

	Currency                   string
	ShippingFlatMinor          int64
	FreeShippingThresholdMinor int64
}

// DefaultConfig возвращает настройки для локального запуска на memory-хранилище.
// Секреты по умолчанию пустые и должны быть заданы явно.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		WebhookAddr: ":8080",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyBucket:           time.Minute,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		ReservationHoldTTL: 30 * time.Minute,
		SweepInterval:      time.Minute,
		SweepBatchSize:     100,
		RefundInterval:     30 * time.Second,

		GatewayTimeout: 5 * time.Second,

		JWTIssuer:   "shop-auth",
		JWTAudience: "shopcore",

		KafkaCallbackTopic: kafka.TopicPaymentCallbacks,
		KafkaGroupID:       "shopcore-payment-callbacks",

		Currency:                   "USD",
		ShippingFlatMinor:          500,
		FreeShippingThresholdMinor: 10000,
	}
}

// LoadConfigFromEnv накладывает переменные окружения на DefaultConfig и проверяет результат.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	p := envParser{}

	cfg.GRPCAddr = p.str("GRPC_ADDR", cfg.GRPCAddr)
	cfg.MetricsAddr = p.str("METRICS_ADDR", cfg.MetricsAddr)
	cfg.WebhookAddr = p.str("WEBHOOK_ADDR", cfg.WebhookAddr)

	cfg.StorageDriver = strings.ToLower(p.str("STORAGE_DRIVER", cfg.StorageDriver))
	cfg.PostgresDSN = p.str("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.PostgresAutoMigrate = p.boolean("POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate)
	cfg.SeedDemo = p.boolean("SEED_DEMO", cfg.SeedDemo)

	cfg.OutboxPollInterval = p.duration("OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = p.integer("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = p.integer("OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.OutboxRetryDelay = p.duration("OUTBOX_RETRY_DELAY", cfg.OutboxRetryDelay)

	cfg.IdempotencyBucket = p.duration("IDEMPOTENCY_BUCKET", cfg.IdempotencyBucket)
	cfg.IdempotencyTTL = p.duration("IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.IdempotencyCleanupInterval = p.duration("IDEMPOTENCY_CLEANUP_INTERVAL", cfg.IdempotencyCleanupInterval)
	cfg.IdempotencyCleanupBatchSize = p.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", cfg.IdempotencyCleanupBatchSize)

	cfg.ReservationHoldTTL = p.duration("RESERVATION_HOLD_TTL", cfg.ReservationHoldTTL)
	cfg.SweepInterval = p.duration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SweepBatchSize = p.integer("SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.RefundInterval = p.duration("REFUND_INTERVAL", cfg.RefundInterval)

	cfg.PaymentSecret = p.str("PAYMENT_SECRET", cfg.PaymentSecret)
	cfg.GatewayTimeout = p.duration("GATEWAY_TIMEOUT", cfg.GatewayTimeout)
	cfg.ConfirmWithGateway = p.boolean("CONFIRM_WITH_GATEWAY", cfg.ConfirmWithGateway)

	cfg.JWTSecret = p.str("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = p.str("JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = p.str("JWT_AUDIENCE", cfg.JWTAudience)

	cfg.KafkaBrokers = p.list("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaCallbackTopic = p.str("KAFKA_CALLBACK_TOPIC", cfg.KafkaCallbackTopic)
	cfg.KafkaGroupID = p.str("KAFKA_GROUP_ID", cfg.KafkaGroupID)

	cfg.RedisAddr = p.str("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = p.str("REDIS_PASSWORD", cfg.RedisPassword)

	cfg.Currency = strings.ToUpper(p.str("CURRENCY", cfg.Currency))
	cfg.ShippingFlatMinor = p.integer64("SHIPPING_FLAT_MINOR", cfg.ShippingFlatMinor)
	cfg.FreeShippingThresholdMinor = p.integer64("FREE_SHIPPING_THRESHOLD_MINOR", cfg.FreeShippingThresholdMinor)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("SHOP_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.PaymentSecret == "" {
		errs = append(errs, errors.New("SHOP_PAYMENT_SECRET is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("SHOP_JWT_SECRET is required"))
	}
	if c.Currency == "" {
		errs = append(errs, errors.New("SHOP_CURRENCY must not be empty"))
	}
	if c.ShippingFlatMinor < 0 || c.FreeShippingThresholdMinor < 0 {
		errs = append(errs, errors.New("shipping amounts must be non-negative"))
	}
	if c.ReservationHoldTTL <= 0 {
		errs = append(errs, errors.New("SHOP_RESERVATION_HOLD_TTL must be positive"))
	}
	if c.SeedDemo && c.StorageDriver != StorageDriverMemory {
		errs = append(errs, errors.New("SHOP_SEED_DEMO is supported only with memory storage"))
	}
	return errors.Join(errs...)
}

// envParser собирает ошибки разбора, чтобы сообщить обо всех сразу.
type envParser struct {
	errs []error
}

func (p *envParser) lookup(name string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (p *envParser) str(name, fallback string) string {
	if value, ok := p.lookup(name); ok {
		return value
	}
	return fallback
}

func (p *envParser) list(name string, fallback []string) []string {
	value, ok := p.lookup(name)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *envParser) boolean(name string, fallback bool) bool {
	value, ok := p.lookup(name)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return fallback
	}
	return parsed
}

func (p *envParser) integer(name string, fallback int) int {
	value, ok := p.lookup(name)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s%s: expected positive integer, got %q", envPrefix, name, value))
		return fallback
	}
	return parsed
}

func (p *envParser) integer64(name string, fallback int64) int64 {
	value, ok := p.lookup(name)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return fallback
	}
	return parsed
}

func (p *envParser) duration(name string, fallback time.Duration) time.Duration {
	value, ok := p.lookup(name)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s%s: expected positive duration, got %q", envPrefix, name, value))
		return fallback
	}
	return parsed
}
