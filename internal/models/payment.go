package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusCreated  PaymentStatus = "created"
	StatusPending  PaymentStatus = "pending"
	StatusPaid     PaymentStatus = "paid"
	StatusFailed   PaymentStatus = "failed"
	StatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusPaid, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Payment is the durable record of one gateway order and its outcome.
// Status, GatewayPaymentID and the refund fields are only written through
// a repository compare-and-set.
type Payment struct {
	ID               string            `json:"paymentId"`
	OrderID          string            `json:"orderId"`
	GatewayOrderID   string            `json:"gatewayOrderId"`
	GatewayPaymentID string            `json:"gatewayPaymentId,omitempty"`
	GatewaySignature string            `json:"-"`
	PaymentMethod    string            `json:"paymentMethod,omitempty"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           PaymentStatus     `json:"status"`
	FailureReason    string            `json:"failureReason,omitempty"`
	RefundID         string            `json:"refundId,omitempty"`
	RefundReason     string            `json:"refundReason,omitempty"`
	RefundedAmount   *decimal.Decimal  `json:"refundedAmount,omitempty"`
	Notes            map[string]string `json:"notes"`
	StudentID        string            `json:"studentId"`
	EventID          string            `json:"eventId"`
	RegistrationID   string            `json:"registrationId"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// StatusUpdate carries the fields written together with a status change.
// Empty strings leave the stored value untouched.
type StatusUpdate struct {
	Status           PaymentStatus
	GatewayPaymentID string
	GatewaySignature string
	PaymentMethod    string
	FailureReason    string
	RefundID         string
	RefundReason     string
	RefundedAmount   *decimal.Decimal
}

// Apply returns a copy of p with the update applied using the same
// write-once rules the repositories enforce.
func (u StatusUpdate) Apply(p Payment, now time.Time) Payment {
	p.Status = u.Status
	if p.GatewayPaymentID == "" {
		p.GatewayPaymentID = u.GatewayPaymentID
	}
	if u.GatewaySignature != "" {
		p.GatewaySignature = u.GatewaySignature
	}
	if u.PaymentMethod != "" {
		p.PaymentMethod = u.PaymentMethod
	}
	if u.FailureReason != "" {
		p.FailureReason = u.FailureReason
	}
	if p.RefundID == "" {
		p.RefundID = u.RefundID
	}
	if u.RefundReason != "" {
		p.RefundReason = u.RefundReason
	}
	if p.RefundedAmount == nil && u.RefundedAmount != nil {
		amt := *u.RefundedAmount
		p.RefundedAmount = &amt
	}
	p.UpdatedAt = now
	return p
}

type ListFilter struct {
	Status PaymentStatus
	Page   int
	Limit  int
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// PaymentStateChanged is published after every applied transition.
type PaymentStateChanged struct {
	PaymentID        string        `json:"payment_id"`
	OrderID          string        `json:"order_id"`
	GatewayOrderID   string        `json:"gateway_order_id"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	State            PaymentStatus `json:"state"`
	PreviousState    PaymentStatus `json:"previous_state"`
	Source           string        `json:"source"`
	StudentID        string        `json:"student_id"`
	EventID          string        `json:"event_id"`
	RegistrationID   string        `json:"registration_id"`
	Amount           string        `json:"amount"`
	Currency         string        `json:"currency"`
	Timestamp        time.Time     `json:"timestamp"`
}
