package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// GatewayClient is the external payment gateway boundary.
type GatewayClient interface {
	CreateOrder(ctx context.Context, req models.GatewayOrderRequest) (*models.GatewayOrder, error)
	Refund(ctx context.Context, gatewayPaymentID string, req models.GatewayRefundRequest) (*models.GatewayRefund, error)
}
