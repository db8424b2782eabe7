package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const (
	paymentColumns = `
		id, order_id, COALESCE(intent_id, ''), client_secret, external_payment_id,
		amount_minor, currency, status, signature_verified, failure_reason, created_at, updated_at`

	// Частичный уникальный индекс: одна открытая попытка оплаты на заказ.
	openPaymentConstraint = "payments_one_open_per_order"
)

type paymentRepository struct {
	q querier
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		payment domain.Payment
		status  string
	)
	err := row.Scan(
		&payment.ID, &payment.OrderID, &payment.IntentID, &payment.ClientSecret, &payment.ExternalPaymentID,
		&payment.AmountMinor, &payment.Currency, &status, &payment.SignatureVerified, &payment.FailureReason,
		&payment.CreatedAt, &payment.UpdatedAt,
	)
	if err != nil {
		return domain.Payment{}, err
	}
	payment.Status = domain.PaymentStatus(status)
	return payment, nil
}

func (r *paymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	if errs := payment.Validate(); len(errs) > 0 {
		return errs[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (
			id, order_id, intent_id, client_secret, external_payment_id,
			amount_minor, currency, status, signature_verified, failure_reason, created_at, updated_at
		) VALUES ($1,$2,NULLIF($3, ''),$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		payment.ID, payment.OrderID, payment.IntentID, payment.ClientSecret, payment.ExternalPaymentID,
		payment.AmountMinor, payment.Currency, string(payment.Status), payment.SignatureVerified, payment.FailureReason,
		payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		if uniqueConstraint(err) == openPaymentConstraint {
			return domain.ErrPaymentInProgress
		}
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *paymentRepository) GetByIntent(ctx context.Context, intentID string) (domain.Payment, error) {
	if intentID == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id = $1`, intentID)
}

func (r *paymentRepository) getOne(ctx context.Context, query string, arg string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return payment, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at ASC, id ASC`, orderID)
}

func (r *paymentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2`, string(status), limit)
}

func (r *paymentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

func (r *paymentRepository) SetIntent(ctx context.Context, id, intentID, clientSecret string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET intent_id = $2, client_secret = $3, updated_at = $4
		WHERE id = $1
	`, id, intentID, clientSecret, at)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("set payment intent: %w", err)
	}
	changed, err := rowsChanged(res, "payment intent")
	if err != nil {
		return err
	}
	if !changed {
		return domain.ErrPaymentNotFound
	}
	return nil
}

// UpdateStatus переводит платёж в to, только если текущий статус входит в from.
func (r *paymentRepository) UpdateStatus(ctx context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, update domain.PaymentUpdate, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fromRaw := make([]string, 0, len(from))
	for _, s := range from {
		fromRaw = append(fromRaw, string(s))
	}

	var (
		external sql.NullString
		verified sql.NullBool
		reason   sql.NullString
	)
	if update.ExternalPaymentID != nil {
		external = sql.NullString{String: *update.ExternalPaymentID, Valid: true}
	}
	if update.SignatureVerified != nil {
		verified = sql.NullBool{Bool: *update.SignatureVerified, Valid: true}
	}
	if update.FailureReason != nil {
		reason = sql.NullString{String: *update.FailureReason, Valid: true}
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $3,
		    updated_at = $4,
		    external_payment_id = COALESCE($5, external_payment_id),
		    signature_verified = COALESCE($6, signature_verified),
		    failure_reason = COALESCE($7, failure_reason)
		WHERE id = $1
		  AND status = ANY($2::text[])
	`, id, fromRaw, string(to), at, external, verified, reason)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}

	changed, err := rowsChanged(res, "payment status")
	if err != nil || changed {
		return changed, err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
