package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type timelineRepository struct {
	sess *session
}

// Append добавляет событие, сохраняя хронологический порядок.
func (r *timelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	defer r.sess.lock()()

	timeline := r.sess.store.data.timeline
	events := append(append([]domain.TimelineEvent(nil), timeline[event.OrderID]...), event)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	put(r.sess, timeline, event.OrderID, events)
	return nil
}

// List возвращает события заказа в хронологическом порядке.
func (r *timelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	defer r.sess.lock()()

	events := r.sess.store.data.timeline[orderID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
