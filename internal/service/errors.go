package service

import (
	"fmt"
	"strings"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
)

// ValidationError reports missing or malformed request fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}

// NotFoundError reports an unknown payment for the given lookup key.
type NotFoundError struct {
	Key   string
	Value string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("payment not found by %s %q", e.Key, e.Value)
}

func (e *NotFoundError) Unwrap() error {
	return repository.ErrNotFound
}

// InvalidStateError is returned when an operation needs a different status.
type InvalidStateError struct {
	Op      string
	Current models.PaymentStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in status %s", e.Op, e.Current)
}

// SignatureError is an authenticity failure on an inbound message.
type SignatureError struct {
	Path string
	Err  error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s signature: %v", e.Path, e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// ConflictError means the compare-and-set lost twice in a row.
type ConflictError struct {
	PaymentID string
	Err       error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment %s: concurrent update not resolved: %v", e.PaymentID, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

type DuplicateOrderError struct {
	GatewayOrderID string
	Err            error
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("duplicate gateway order %s", e.GatewayOrderID)
}

func (e *DuplicateOrderError) Unwrap() error {
	return e.Err
}

// GatewayError wraps a failed call to the payment gateway. No local state
// was changed by the failed operation.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
