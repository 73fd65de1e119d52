package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const (
	SourceVerify  = "verify"
	SourceWebhook = "webhook"
	SourceRefund  = "refund"
)

const publishTimeout = 5 * time.Second

var transitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.StatusCreated: {models.StatusPending, models.StatusPaid, models.StatusFailed},
	models.StatusPending: {models.StatusPaid, models.StatusFailed},
	models.StatusFailed:  {models.StatusPaid},
	models.StatusPaid:    {models.StatusRefunded},
}

// CanTransition reports whether p may move to the proposed status. A failed
// payment may still become paid, but only while no gateway payment id has
// been bound to it.
func CanTransition(p models.Payment, to models.PaymentStatus) bool {
	if p.Status == models.StatusFailed && to == models.StatusPaid && p.GatewayPaymentID != "" {
		return false
	}
	for _, next := range transitions[p.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// Lookup selects which key a confirmation uses to find its payment.
type Lookup struct {
	key   string
	value string
}

func ByID(id string) Lookup {
	return Lookup{key: "id", value: id}
}

func ByGatewayOrderID(id string) Lookup {
	return Lookup{key: "gatewayOrderId", value: id}
}

func ByGatewayPaymentID(id string) Lookup {
	return Lookup{key: "gatewayPaymentId", value: id}
}

// Outcome is a proposed status plus the fields recorded with it.
type Outcome struct {
	Status           models.PaymentStatus
	Source           string
	GatewayPaymentID string
	Signature        string
	PaymentMethod    string
	FailureReason    string
	RefundID         string
	RefundReason     string
	RefundedAmount   *decimal.Decimal
}

func (o Outcome) update() models.StatusUpdate {
	u := models.StatusUpdate{Status: o.Status}
	switch o.Status {
	case models.StatusPaid:
		u.GatewayPaymentID = o.GatewayPaymentID
		u.GatewaySignature = o.Signature
		u.PaymentMethod = o.PaymentMethod
	case models.StatusFailed:
		u.FailureReason = o.FailureReason
	case models.StatusRefunded:
		u.RefundID = o.RefundID
		u.RefundReason = o.RefundReason
		u.RefundedAmount = o.RefundedAmount
	}
	return u
}

type Result struct {
	Payment  *models.Payment
	Previous models.PaymentStatus
	Applied  bool
}

// Reconciler applies outcomes to payments. It holds no locks: the
// repository compare-and-set decides which of two racing writers wins.
type Reconciler struct {
	repo      interfaces.PaymentRepository
	publisher interfaces.StatePublisher
	timeout   time.Duration
	logger    *zap.Logger
}

func NewReconciler(repo interfaces.PaymentRepository, publisher interfaces.StatePublisher, timeout time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:      repo,
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
	}
}

// ApplyOutcome moves the payment found by lookup to outcome.Status when that
// is a legal forward step. Re-proposing the current status, or a status not
// reachable from it, succeeds without writing. A lost compare-and-set is
// re-evaluated once against the fresh record.
func (r *Reconciler) ApplyOutcome(ctx context.Context, lookup Lookup, outcome Outcome) (*Result, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "reconciler.ApplyOutcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.lookup", lookup.key),
		attribute.String("payment.proposed_status", string(outcome.Status)),
		attribute.String("payment.outcome_source", outcome.Source),
	)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := r.find(ctx, lookup)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.logger.Warn("Outcome references unknown payment",
					zap.String("lookup", lookup.key),
					zap.String("value", lookup.value),
					zap.String("source", outcome.Source),
					zap.String("proposed_status", string(outcome.Status)),
				)
			}
			return nil, err
		}

		if current.Status == outcome.Status {
			return r.noop(current, outcome, "same_state"), nil
		}
		if !CanTransition(*current, outcome.Status) {
			return r.noop(current, outcome, "not_reachable"), nil
		}

		updated, err := r.compareAndSet(ctx, current, outcome)
		if errors.Is(err, repository.ErrConflict) {
			r.logger.Info("Payment changed concurrently, re-evaluating",
				zap.String("payment_id", current.ID),
				zap.String("expected_status", string(current.Status)),
				zap.Int("attempt", attempt+1),
			)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		r.afterTransition(ctx, current.Status, updated, outcome.Source)
		span.SetAttributes(attribute.Bool("payment.applied", true))
		return &Result{Payment: updated, Previous: current.Status, Applied: true}, nil
	}

	return nil, &ConflictError{PaymentID: lookup.value, Err: lastErr}
}

func (r *Reconciler) find(ctx context.Context, lookup Lookup) (*models.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		p   *models.Payment
		err error
	)
	switch lookup.key {
	case "id":
		p, err = r.repo.FindByID(ctx, lookup.value)
	case "gatewayPaymentId":
		p, err = r.repo.FindByGatewayPaymentID(ctx, lookup.value)
	default:
		p, err = r.repo.FindByGatewayOrderID(ctx, lookup.value)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Key: lookup.key, Value: lookup.value}
	}
	return p, err
}

func (r *Reconciler) compareAndSet(ctx context.Context, current *models.Payment, outcome Outcome) (*models.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.repo.CompareAndSetStatus(ctx, current.ID, current.Status, outcome.update())
}

func (r *Reconciler) noop(current *models.Payment, outcome Outcome, reason string) *Result {
	telemetry.OutcomeNoops.WithLabelValues(outcome.Source, reason).Inc()
	r.logger.Info("Outcome already satisfied or not applicable",
		zap.String("payment_id", current.ID),
		zap.String("current_status", string(current.Status)),
		zap.String("proposed_status", string(outcome.Status)),
		zap.String("source", outcome.Source),
		zap.String("reason", reason),
	)
	return &Result{Payment: current, Previous: current.Status, Applied: false}
}

// afterTransition runs side effects for a transition this process won. The
// write is already committed, so publish failures are logged only.
func (r *Reconciler) afterTransition(ctx context.Context, from models.PaymentStatus, p *models.Payment, source string) {
	telemetry.StateTransitions.WithLabelValues(string(from), string(p.Status)).Inc()
	r.logger.Info("Payment state transition",
		zap.String("payment_id", p.ID),
		zap.String("gateway_order_id", p.GatewayOrderID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(p.Status)),
		zap.String("source", source),
	)

	if r.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := models.PaymentStateChanged{
		PaymentID:        p.ID,
		OrderID:          p.OrderID,
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: p.GatewayPaymentID,
		State:            p.Status,
		PreviousState:    from,
		Source:           source,
		StudentID:        p.StudentID,
		EventID:          p.EventID,
		RegistrationID:   p.RegistrationID,
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		Timestamp:        p.UpdatedAt,
	}
	if err := r.publisher.PublishStateChanged(pubCtx, event); err != nil {
		r.logger.Error("Failed to publish payment state change",
			zap.String("payment_id", p.ID),
			zap.String("state", string(p.Status)),
			zap.Error(err),
		)
	}
}
