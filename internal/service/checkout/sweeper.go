package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/lock"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100

	sweepLockName = "reservation-sweep"
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_reservation_sweep_runs_total",
		Help: "Reservation expiry sweep runs grouped by result.",
	}, []string{"result"})
	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shop_reservation_sweep_expired_total",
		Help: "Pending orders cancelled because their reservation expired.",
	})
)

// SweeperOption настраивает ReservationSweeper.
type SweeperOption func(*ReservationSweeper)

func WithSweepLogger(logger *log.Entry) SweeperOption {
	return func(s *ReservationSweeper) {
		s.logger = logger
	}
}

func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *ReservationSweeper) {
		s.interval = interval
	}
}

func WithSweepBatchSize(size int) SweeperOption {
	return func(s *ReservationSweeper) {
		s.batchSize = size
	}
}

// WithSweepLocker включает выбор лидера между репликами.
func WithSweepLocker(locker lock.Locker) SweeperOption {
	return func(s *ReservationSweeper) {
		s.locker = locker
	}
}

// ReservationSweeper периодически отменяет неоплаченные заказы с истёкшим резервом.
type ReservationSweeper struct {
	coordinator *Coordinator
	logger      *log.Entry
	locker      lock.Locker
	interval    time.Duration
	batchSize   int
}

func NewReservationSweeper(coordinator *Coordinator, options ...SweeperOption) *ReservationSweeper {
	s := &ReservationSweeper{
		coordinator: coordinator,
		interval:    defaultSweepInterval,
		batchSize:   defaultSweepBatchSize,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "reservation-sweeper")
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultSweepBatchSize
	}
	if s.locker == nil {
		s.locker = lock.Local{}
	}
	return s
}

// Run запускает sweep до отмены ctx.
func (s *ReservationSweeper) Run(ctx context.Context) {
	if s.coordinator == nil {
		s.logger.Warn("reservation sweeper is disabled: coordinator is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ReservationSweeper) tick(ctx context.Context) {
	release, ok, err := s.locker.TryAcquire(ctx, sweepLockName, s.interval)
	if err != nil {
		s.logger.WithError(err).Warn("reservation sweep lock failed")
		return
	}
	if !ok {
		return
	}
	defer release()

	if _, err := s.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("reservation sweep failed")
	}
}

// ProcessOnce выполняет один проход, пока находятся просроченные заказы.
func (s *ReservationSweeper) ProcessOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := s.coordinator.ExpireReservations(ctx, s.coordinator.now(), s.batchSize)
		total += expired
		if expired > 0 {
			sweepExpiredTotal.Add(float64(expired))
		}
		if err != nil {
			sweepRunsTotal.WithLabelValues("error").Inc()
			return total, err
		}
		// неполная порция или заказы, которые не удалось отменить: ждём следующего тика
		if expired < s.batchSize {
			sweepRunsTotal.WithLabelValues("ok").Inc()
			return total, nil
		}
	}
}
