package models

import (
	"github.com/shopspring/decimal"
)

// Request schemas validated at the HTTP boundary before they reach the
// service. Validate returns the list of offending fields, empty when valid.

type CreateOrderRequest struct {
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	StudentID      string            `json:"studentId"`
	EventID        string            `json:"eventId"`
	RegistrationID string            `json:"registrationId"`
	Notes          map[string]string `json:"notes"`
}

func (r CreateOrderRequest) Validate() []string {
	var fields []string
	if !RoundAmount(r.Amount).IsPositive() {
		fields = append(fields, "amount must be a positive number")
	}
	if r.StudentID == "" {
		fields = append(fields, "studentId is required")
	}
	if r.EventID == "" {
		fields = append(fields, "eventId is required")
	}
	if r.RegistrationID == "" {
		fields = append(fields, "registrationId is required")
	}
	return fields
}

type VerifyRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
}

func (r VerifyRequest) Validate() []string {
	var fields []string
	if r.GatewayOrderID == "" {
		fields = append(fields, "gatewayOrderId")
	}
	if r.GatewayPaymentID == "" {
		fields = append(fields, "gatewayPaymentId")
	}
	if r.Signature == "" {
		fields = append(fields, "signature")
	}
	return fields
}

type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func (r RefundRequest) Validate() []string {
	if r.Amount != nil && !RoundAmount(*r.Amount).IsPositive() {
		return []string{"amount must be a positive number"}
	}
	return nil
}

// OrderCreated is returned to the client to open the gateway checkout.
type OrderCreated struct {
	GatewayOrderID string `json:"orderId"`
	AmountMinor    int64  `json:"amount"`
	Currency       string `json:"currency"`
	KeyID          string `json:"keyId"`
	PaymentID      string `json:"paymentId"`
}

type VerifyResult struct {
	Verified bool
	Payment  *Payment
}

type RefundResult struct {
	RefundID string
	Amount   decimal.Decimal
	Status   string
	Payment  *Payment
}

type WebhookResult struct {
	Event     string
	Applied   bool
	Duplicate bool
}
