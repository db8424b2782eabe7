package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type paymentRepository struct {
	sess *session
}

// Create отклоняет второй открытый платёж по заказу, как частичный уникальный индекс в Postgres.
func (r *paymentRepository) Create(_ context.Context, payment domain.Payment) error {
	if errs := payment.Validate(); len(errs) > 0 {
		return errs[0]
	}
	defer r.sess.lock()()

	payments := r.sess.store.data.payments
	if _, exists := payments[payment.ID]; exists {
		return domain.ErrDuplicate
	}
	for _, existing := range payments {
		if existing.OrderID == payment.OrderID && existing.Status.Open() && payment.Status.Open() {
			return domain.ErrPaymentInProgress
		}
		if payment.IntentID != "" && existing.IntentID == payment.IntentID {
			return domain.ErrDuplicate
		}
	}
	put(r.sess, payments, payment.ID, payment)
	return nil
}

func (r *paymentRepository) Get(_ context.Context, id string) (domain.Payment, error) {
	defer r.sess.lock()()

	payment, ok := r.sess.store.data.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (r *paymentRepository) GetByIntent(_ context.Context, intentID string) (domain.Payment, error) {
	if intentID == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	defer r.sess.lock()()

	for _, payment := range r.sess.store.data.payments {
		if payment.IntentID == intentID {
			return payment, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (r *paymentRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	defer r.sess.lock()()

	result := make([]domain.Payment, 0)
	for _, payment := range r.sess.store.data.payments {
		if payment.OrderID == orderID {
			result = append(result, payment)
		}
	}
	sortPayments(result)
	return result, nil
}

func (r *paymentRepository) ListByStatus(_ context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	defer r.sess.lock()()

	result := make([]domain.Payment, 0)
	for _, payment := range r.sess.store.data.payments {
		if payment.Status == status {
			result = append(result, payment)
		}
	}
	sortPayments(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *paymentRepository) SetIntent(_ context.Context, id, intentID, clientSecret string, at time.Time) error {
	defer r.sess.lock()()

	payments := r.sess.store.data.payments
	payment, ok := payments[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	for otherID, other := range payments {
		if otherID != id && other.IntentID == intentID {
			return domain.ErrDuplicate
		}
	}
	payment.IntentID = intentID
	payment.ClientSecret = clientSecret
	payment.UpdatedAt = at
	put(r.sess, payments, id, payment)
	return nil
}

func (r *paymentRepository) UpdateStatus(_ context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, update domain.PaymentUpdate, at time.Time) (bool, error) {
	defer r.sess.lock()()

	payments := r.sess.store.data.payments
	payment, ok := payments[id]
	if !ok {
		return false, domain.ErrPaymentNotFound
	}
	if !containsStatus(from, payment.Status) {
		return false, nil
	}

	payment.Status = to
	payment.UpdatedAt = at
	if update.ExternalPaymentID != nil {
		payment.ExternalPaymentID = *update.ExternalPaymentID
	}
	if update.SignatureVerified != nil {
		payment.SignatureVerified = *update.SignatureVerified
	}
	if update.FailureReason != nil {
		payment.FailureReason = *update.FailureReason
	}
	put(r.sess, payments, id, payment)
	return true, nil
}

func containsStatus(list []domain.PaymentStatus, status domain.PaymentStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func sortPayments(list []domain.Payment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
