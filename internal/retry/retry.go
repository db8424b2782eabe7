// Package retry повторяет транзакции, проигравшие гонку на условном обновлении.
package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// Config — параметры повторов.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultConfig — одна повторная попытка: конфликт на условном UPDATE почти всегда
// разрешается перечитыванием состояния.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   2,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// OnRetry вызывается перед каждой повторной попыткой.
type OnRetry func(attempt int, err error)

// Do выполняет fn, повторяя её только для ошибок конфликта (domain.IsRetryable).
// Бизнес-ошибки возвращаются сразу.
func Do(ctx context.Context, cfg Config, logger *log.Entry, operation string, fn func(ctx context.Context) error, hooks ...OnRetry) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = log.WithField("component", "retry")
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{
					"operation": operation,
					"attempt":   attempt,
				}).Debug("operation succeeded after retry")
			}
			return nil
		}
		if !domain.IsRetryable(err) || attempt == cfg.MaxAttempts {
			return err
		}

		for _, hook := range hooks {
			hook(attempt, err)
		}
		logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Debug("operation conflicted, retrying")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}
