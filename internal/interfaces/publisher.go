package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// StatePublisher announces applied payment transitions.
type StatePublisher interface {
	PublishStateChanged(ctx context.Context, event models.PaymentStateChanged) error
}

// WebhookDeduplicator remembers webhook event ids that were fully processed.
type WebhookDeduplicator interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}
