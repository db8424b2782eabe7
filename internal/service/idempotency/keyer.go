// Package idempotency вычисляет отпечатки запросов создания заказа и чистит просроченные.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const (
	defaultBucket = time.Minute
	defaultTTL    = 24 * time.Hour

	maxClientKeyLen = 128
)

// Cart — содержимое запроса, по которому строится отпечаток.
type Cart struct {
	AddressID string
	Lines     []domain.StockLine
}

// Key — итог разрешения ключа идемпотентности.
type Key struct {
	// Первичный ключ записи идемпотентности (hex sha256).
	Value string
	// Хеш корзины без временного бакета.
	RequestHash    string
	ClientSupplied bool
}

// KeyerOption настраивает Keyer.
type KeyerOption func(*Keyer)

// WithBucket задаёт ширину временного окна для выведенных ключей.
func WithBucket(bucket time.Duration) KeyerOption {
	return func(k *Keyer) {
		k.bucket = bucket
	}
}

// WithTTL задаёт срок жизни записи идемпотентности.
func WithTTL(ttl time.Duration) KeyerOption {
	return func(k *Keyer) {
		k.ttl = ttl
	}
}

// Keyer выводит и проверяет ключи идемпотентности. Без состояния, безопасен для конкурентного использования.
type Keyer struct {
	bucket time.Duration
	ttl    time.Duration
}

func NewKeyer(options ...KeyerOption) *Keyer {
	k := &Keyer{bucket: defaultBucket, ttl: defaultTTL}
	for _, option := range options {
		option(k)
	}
	if k.bucket <= 0 {
		k.bucket = defaultBucket
	}
	if k.ttl <= 0 {
		k.ttl = defaultTTL
	}
	return k
}

// DeriveKey строит ключ из пользователя, корзины и временного бакета.
// Повтор той же корзины в пределах бакета даёт тот же ключ.
func (k *Keyer) DeriveKey(userID string, cart Cart, now time.Time) string {
	bucket := now.UTC().Truncate(k.bucket).Unix()
	return digest(userID + "|" + cart.AddressID + "|" + strconv.FormatInt(bucket, 10) + "|" + canonicalLines(cart.Lines))
}

// RequestHash: отпечаток содержимого корзины без времени.
func (k *Keyer) RequestHash(cart Cart) string {
	return digest(cart.AddressID + "|" + canonicalLines(cart.Lines))
}

// Resolve выбирает ключ: клиентский, если передан, иначе выведенный.
// Клиентский ключ изолирован по пользователю, чтобы чужой ключ не открывал чужой заказ.
func (k *Keyer) Resolve(userID, clientKey string, cart Cart, now time.Time) (Key, error) {
	requestHash := k.RequestHash(cart)

	if clientKey == "" {
		return Key{Value: k.DeriveKey(userID, cart, now), RequestHash: requestHash}, nil
	}

	trimmed := strings.TrimSpace(clientKey)
	if !validClientKey(trimmed) {
		return Key{}, domain.ErrIdempotencyKeyBad
	}

	return Key{
		Value:          digest("client|" + userID + "|" + trimmed),
		RequestHash:    requestHash,
		ClientSupplied: true,
	}, nil
}

// ExpiresAt возвращает момент, когда запись перестаёт защищать от повторов.
func (k *Keyer) ExpiresAt(now time.Time) time.Time {
	return now.Add(k.ttl)
}

func validClientKey(key string) bool {
	if key == "" || len(key) > maxClientKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

func canonicalLines(lines []domain.StockLine) string {
	merged := domain.MergeLines(lines)

	var b strings.Builder
	for i, line := range merged {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(line.VariantID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(line.Qty, 10))
	}
	return b.String()
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
