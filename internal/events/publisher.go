package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Notifier is the subset of *nats.Conn the publisher needs.
type Notifier interface {
	Publish(subject string, data []byte) error
}

// NotificationSubject returns the NATS subject for a payment status, e.g.
// "payments.paid". Notification and email services subscribe per status.
func NotificationSubject(status models.PaymentStatus) string {
	return "payments." + string(status)
}

// Publisher fans a state change out to the Kafka state topic, keyed by
// payment id so per-payment ordering holds, and to a NATS subject.
// Either sink may be nil.
type Publisher struct {
	writer   MessageWriter
	notifier Notifier
	logger   *zap.Logger
}

func NewPublisher(writer MessageWriter, notifier Notifier, logger *zap.Logger) *Publisher {
	return &Publisher{
		writer:   writer,
		notifier: notifier,
		logger:   logger,
	}
}

func (p *Publisher) PublishStateChanged(ctx context.Context, event models.PaymentStateChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode state change: %w", err)
	}

	var errs []error
	if p.writer != nil {
		err := p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.PaymentID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("payment.state.changed")},
				{Key: "source", Value: []byte(event.Source)},
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if p.notifier != nil {
		if err := p.notifier.Publish(NotificationSubject(event.State), payload); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.logger.Debug("Payment state change published",
		zap.String("payment_id", event.PaymentID),
		zap.String("state", string(event.State)),
	)
	return nil
}
