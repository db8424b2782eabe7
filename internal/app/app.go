// Package app собирает сервис: хранилище, ядро оформления заказа, транспорты и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/shopcore/internal/auth"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/shopcore/internal/health"
	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/retry"
	"github.com/vladislavdragonenkov/shopcore/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/shopcore/internal/service/grpc"
	"github.com/vladislavdragonenkov/shopcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/shopcore/internal/service/outbox"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
	"github.com/vladislavdragonenkov/shopcore/internal/service/webhook"
	"github.com/vladislavdragonenkov/shopcore/internal/version"
)

const (
	shutdownTimeout     = 5 * time.Second
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или падения gRPC-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	coordinator, bridge, err := buildCheckout(cfg, deps.store)
	if err != nil {
		return err
	}
	tokens, err := auth.NewHS256(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return err
	}

	grpcServer, grpcHealth := newGRPCServer(coordinator, tokens, logger)
	healthHandler := newHealthHandler(deps)
	metricsSrv := newMetricsServer(cfg.MetricsAddr, healthHandler)
	webhookSrv := &http.Server{
		Addr:              cfg.WebhookAddr,
		Handler:           webhook.NewRouter(webhook.NewHandler(coordinator, log.WithField("component", "payment-webhook"))),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers sync.WaitGroup
	startWorkers(workerCtx, &workers, cfg, deps, coordinator, bridge)

	consumer := startCallbackConsumer(workerCtx, cfg, deps, coordinator, logger)

	serveHTTP(metricsSrv, "metrics", logger)
	serveHTTP(webhookSrv, "webhook", logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthHandler.MarkShuttingDown()
	grpcHealth.Shutdown()
	stopGRPC(grpcServer, logger)
	shutdownHTTP(webhookSrv, logger)
	shutdownHTTP(metricsSrv, logger)

	stopWorkers()
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	workers.Wait()
	logger.Info("сервис остановлен")
	return runErr
}

func buildCheckout(cfg Config, store domain.Store) (*checkout.Coordinator, *payment.Bridge, error) {
	gateway := payment.NewSandboxGateway(cfg.PaymentSecret)
	bridge, err := payment.NewBridge(store, gateway, cfg.PaymentSecret,
		payment.WithLogger(log.WithField("component", "payment-bridge")),
		payment.WithGatewayTimeout(cfg.GatewayTimeout),
		payment.WithBreaker(payment.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, log.WithField("component", "payment-breaker"))),
		payment.WithConfirmWithGateway(cfg.ConfirmWithGateway),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create payment bridge: %w", err)
	}

	coordinator, err := checkout.NewCoordinator(store, bridge,
		checkout.WithConfig(checkout.Config{
			Currency:                   cfg.Currency,
			ShippingFlatMinor:          cfg.ShippingFlatMinor,
			FreeShippingThresholdMinor: cfg.FreeShippingThresholdMinor,
			ReservationHoldTTL:         cfg.ReservationHoldTTL,
			Retry:                      retry.DefaultConfig(),
		}),
		checkout.WithLogger(log.WithField("component", "checkout")),
		checkout.WithMetrics(metrics.NewCheckoutMetrics()),
		checkout.WithKeyer(idempotency.NewKeyer(
			idempotency.WithBucket(cfg.IdempotencyBucket),
			idempotency.WithTTL(cfg.IdempotencyTTL),
		)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create checkout coordinator: %w", err)
	}
	return coordinator, bridge, nil
}

func newGRPCServer(coordinator *checkout.Coordinator, tokens *auth.HS256, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.LoggingInterceptor(log.WithField("component", "grpc")),
		grpcsvc.AuthInterceptor(tokens),
	))
	grpcsvc.RegisterCheckoutServiceServer(server, grpcsvc.NewCheckoutService(coordinator, log.WithField("component", "checkout-service")))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}

func newHealthHandler(deps *runtimeDependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	handler.RegisterChecker("storage", healthcheck.NewFuncChecker("storage", deps.store.Ping))
	if deps.redis != nil {
		handler.RegisterChecker("redis", healthcheck.NewFuncChecker("redis", deps.redis.Ping, healthcheck.Optional()))
	}
	return handler
}

func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg Config, deps *runtimeDependencies, coordinator *checkout.Coordinator, bridge *payment.Bridge) {
	var publisher, dlq domain.OutboxPublisher = loggingPublisher{logger: log.WithField("component", "outbox-log")}, nil
	if deps.producer != nil {
		publisher = kafka.NewOutboxPublisher(deps.producer, kafka.TopicOrderEvents)
		dlq = kafka.NewOutboxPublisher(deps.producer, kafka.TopicDeadLetterQueue)
	}

	outboxOptions := []outbox.Option{
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithLocker(deps.locker),
	}
	if dlq != nil {
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(dlq))
	}

	runners := []func(context.Context){
		outbox.NewWorker(deps.store.Outbox(), publisher, outboxOptions...).Run,
		idempotency.NewCleanupWorker(deps.store.Idempotency(),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			idempotency.WithLocker(deps.locker),
		).Run,
		checkout.NewReservationSweeper(coordinator,
			checkout.WithSweepInterval(cfg.SweepInterval),
			checkout.WithSweepBatchSize(cfg.SweepBatchSize),
			checkout.WithSweepLocker(deps.locker),
		).Run,
		payment.NewRefundWorker(deps.store, bridge,
			payment.WithRefundInterval(cfg.RefundInterval),
			payment.WithRefundLocker(deps.locker),
		).Run,
	}
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
}

// startCallbackConsumer подписывается на callback'и шлюза из Kafka, если брокеры заданы.
func startCallbackConsumer(ctx context.Context, cfg Config, deps *runtimeDependencies, coordinator *checkout.Coordinator, logger *log.Entry) *kafka.Consumer {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}
	confirm := func(ctx context.Context, cb domain.PaymentCallback) error {
		_, err := coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
		return err
	}

	options := []kafka.ConsumerOption{
		kafka.WithPermanent(kafka.PermanentCallbackError),
		kafka.WithConsumerLogger(log.WithField("component", "payment-callback-consumer")),
	}
	if deps.producer != nil {
		options = append(options, kafka.WithDLQ(deps.producer))
	}

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.KafkaCallbackTopic},
		kafka.NewPaymentCallbackHandler(confirm, nil), options...)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, payment callbacks accepted over HTTP only")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start kafka consumer")
		return nil
	}
	return consumer
}

func newMetricsServer(addr string, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
}

func serveHTTP(srv *http.Server, name string, logger *log.Entry) {
	go func() {
		logger.Infof("%s HTTP сервер слушает %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("server", name).Warn("http server failed")
		}
	}()
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
