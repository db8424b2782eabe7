package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID string
	Type    string
	Reason  string
	// Кто инициировал событие: user id, "system" или "gateway".
	Actor    string
	Occurred time.Time
}
