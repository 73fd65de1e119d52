package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// PaymentRepository defines the contract for payment data access.
// CompareAndSetStatus is the only way to change a stored payment.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) (*models.Payment, error)
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error)
	FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error)
	CompareAndSetStatus(ctx context.Context, id string, expected models.PaymentStatus, update models.StatusUpdate) (*models.Payment, error)
	ListByStudent(ctx context.Context, studentID string, filter models.ListFilter) ([]models.Payment, int, error)
	ListByEvent(ctx context.Context, eventID string, filter models.ListFilter) ([]models.Payment, int, error)
}
