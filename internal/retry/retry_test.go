package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 2 {
		t.Fatalf("unexpected MaxAttempts: %d", cfg.MaxAttempts)
	}
	if cfg.BackoffFactor <= 1 {
		t.Fatalf("backoff factor should be > 1: %f", cfg.BackoffFactor)
	}
}

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	t.Run("retry conflict then success", func(t *testing.T) {
		attempts := 0
		retries := 0
		err := Do(context.Background(), cfg, nil, "op", func(context.Context) error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("wrapped: %w", domain.ErrConflict)
			}
			return nil
		}, func(int, error) { retries++ })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 || retries != 2 {
			t.Fatalf("attempts=%d retries=%d", attempts, retries)
		}
	})

	t.Run("business error is not retried", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), cfg, nil, "op", func(context.Context) error {
			attempts++
			return domain.ErrInsufficientStock
		})
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 1 {
			t.Fatalf("expected single attempt, got %d", attempts)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), cfg, nil, "op", func(context.Context) error {
			attempts++
			return domain.ErrConflict
		})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Fatalf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		attempts := 0
		_ = Do(context.Background(), Config{}, nil, "op", func(context.Context) error {
			attempts++
			return domain.ErrConflict
		})
		if attempts != 1 {
			t.Fatalf("expected 1 attempt, got %d", attempts)
		}
	})
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour, BackoffFactor: 2}

	err := Do(ctx, cfg, nil, "op", func(context.Context) error {
		cancel()
		return domain.ErrConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
