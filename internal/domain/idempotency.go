package domain

import "time"

// IdempotencyRecord связывает отпечаток запроса с созданным заказом на ограниченное окно.
type IdempotencyRecord struct {
	// Отпечаток (hex sha256), первичный ключ.
	Key string
	// Владелец ключа; чужой ключ никогда не резолвится в заказ другого пользователя.
	UserID string
	// Хеш содержимого корзины без временного бакета.
	RequestHash string
	OrderID     string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired сообщает, что окно идемпотентности закрыто и запрос считается новым.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
