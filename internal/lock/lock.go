// Package lock выбирает одну реплику для фоновых воркеров (sweep, refund, cleanup).
package lock

import (
	"context"
	"time"
)

// Locker выдаёт эксклюзивную аренду по имени.
// ok=false без ошибки — аренда занята другой репликой.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local — Locker для одного процесса: аренда выдаётся всегда.
type Local struct{}

func (Local) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

var _ Locker = Local{}
