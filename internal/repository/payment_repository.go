package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

var (
	ErrNotFound       = errors.New("payment not found")
	ErrConflict       = errors.New("payment status changed concurrently")
	ErrDuplicateOrder = errors.New("payment for gateway order already exists")
)

const uniqueViolation = "23505"

const paymentColumns = `id, order_id, gateway_order_id, gateway_payment_id, gateway_signature, payment_method,
	amount, currency, status, failure_reason, refund_id, refund_reason, refunded_amount, notes,
	student_id, event_id, registration_id, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	notes, err := json.Marshal(notesOrEmpty(p.Notes))
	if err != nil {
		return nil, fmt.Errorf("failed to encode notes: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, order_id, gateway_order_id, amount, currency, status, notes,
			student_id, event_id, registration_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+paymentColumns,
		p.ID, p.OrderID, p.GatewayOrderID, p.Amount, p.Currency, p.Status, string(notes),
		p.StudentID, p.EventID, p.RegistrationID, p.CreatedAt,
	)
	created, err := scanPayment(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, p.GatewayOrderID)
		}
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}
	return created, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *PaymentRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, gatewayOrderID)
}

func (r *PaymentRepository) FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_payment_id = $1`, gatewayPaymentID)
}

// CompareAndSetStatus writes update only while the stored status still
// equals expected. gateway_payment_id, refund_id and refunded_amount keep
// their first non-null value.
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, id string, expected models.PaymentStatus, u models.StatusUpdate) (*models.Payment, error) {
	refunded := decimal.NullDecimal{}
	if u.RefundedAmount != nil {
		refunded = decimal.NewNullDecimal(*u.RefundedAmount)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE payments SET
			status             = $3,
			gateway_payment_id = COALESCE(gateway_payment_id, NULLIF($4, '')),
			gateway_signature  = COALESCE(NULLIF($5, ''), gateway_signature),
			payment_method     = COALESCE(NULLIF($6, ''), payment_method),
			failure_reason     = COALESCE(NULLIF($7, ''), failure_reason),
			refund_id          = COALESCE(refund_id, NULLIF($8, '')),
			refund_reason      = COALESCE(NULLIF($9, ''), refund_reason),
			refunded_amount    = COALESCE(refunded_amount, $10),
			updated_at         = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, expected, u.Status, u.GatewayPaymentID, u.GatewaySignature, u.PaymentMethod,
		u.FailureReason, u.RefundID, u.RefundReason, refunded,
	)
	updated, err := scanPayment(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update payment %s: %w", id, err)
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to re-read payment %s: %w", id, err)
	}
	return nil, fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, current)
}

func (r *PaymentRepository) ListByStudent(ctx context.Context, studentID string, filter models.ListFilter) ([]models.Payment, int, error) {
	return r.list(ctx, "student_id", studentID, filter)
}

func (r *PaymentRepository) ListByEvent(ctx context.Context, eventID string, filter models.ListFilter) ([]models.Payment, int, error) {
	return r.list(ctx, "event_id", eventID, filter)
}

// column is always one of the fixed names above.
func (r *PaymentRepository) list(ctx context.Context, column, value string, filter models.ListFilter) ([]models.Payment, int, error) {
	where := ` WHERE ` + column + ` = $1 AND ($2 = '' OR status = $2)`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`+where, value, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments`+where+` ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		value, string(filter.Status), filter.Limit, filter.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]models.Payment, 0, filter.Limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, total, nil
}

func (r *PaymentRepository) findOne(ctx context.Context, query string, arg string) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*models.Payment, error) {
	var (
		p                                           models.Payment
		gatewayPaymentID, signature, method, reason sql.NullString
		refundID, refundReason                      sql.NullString
		refunded                                    decimal.NullDecimal
		notes                                       []byte
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.GatewayOrderID, &gatewayPaymentID, &signature, &method,
		&p.Amount, &p.Currency, &p.Status, &reason, &refundID, &refundReason, &refunded, &notes,
		&p.StudentID, &p.EventID, &p.RegistrationID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.GatewayPaymentID = gatewayPaymentID.String
	p.GatewaySignature = signature.String
	p.PaymentMethod = method.String
	p.FailureReason = reason.String
	p.RefundID = refundID.String
	p.RefundReason = refundReason.String
	if refunded.Valid {
		amt := refunded.Decimal
		p.RefundedAmount = &amt
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &p.Notes); err != nil {
			return nil, fmt.Errorf("failed to decode notes: %w", err)
		}
	}
	return &p, nil
}

func notesOrEmpty(notes map[string]string) map[string]string {
	if notes == nil {
		return map[string]string{}
	}
	return notes
}
