package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/signature"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const (
	defaultRefundReason  = "Requested by user"
	invalidSignature     = "Invalid signature"
	defaultFailureReason = "Payment failed"

	defaultPageLimit = 10
	maxPageLimit     = 50
)

type Options struct {
	KeyID             string
	DefaultCurrency   string
	RepositoryTimeout time.Duration
}

type PaymentService struct {
	repo       interfaces.PaymentRepository
	gateway    interfaces.GatewayClient
	reconciler *Reconciler
	verifier   *signature.Verifier
	dedup      interfaces.WebhookDeduplicator
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewPaymentService wires the service. dedup may be nil.
func NewPaymentService(
	repo interfaces.PaymentRepository,
	gateway interfaces.GatewayClient,
	publisher interfaces.StatePublisher,
	verifier *signature.Verifier,
	dedup interfaces.WebhookDeduplicator,
	opts Options,
	logger *zap.Logger,
) *PaymentService {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "INR"
	}
	if opts.RepositoryTimeout <= 0 {
		opts.RepositoryTimeout = 5 * time.Second
	}
	return &PaymentService{
		repo:       repo,
		gateway:    gateway,
		reconciler: NewReconciler(repo, publisher, opts.RepositoryTimeout, logger.With(zap.String("component", "Reconciler"))),
		verifier:   verifier,
		dedup:      dedup,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateOrder opens a gateway order and records it as created. Nothing is
// stored when the gateway call fails.
func (s *PaymentService) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.OrderCreated, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "PaymentService.CreateOrder")
	defer span.End()

	if fields := req.Validate(); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	amount := models.RoundAmount(req.Amount)
	orderID := s.generateOrderID()

	gatewayNotes := make(map[string]string, len(req.Notes)+3)
	for k, v := range req.Notes {
		gatewayNotes[k] = v
	}
	gatewayNotes["studentId"] = req.StudentID
	gatewayNotes["eventId"] = req.EventID
	gatewayNotes["registrationId"] = req.RegistrationID

	s.logger.Info("Creating payment order",
		zap.String("order_id", orderID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("student_id", req.StudentID),
		zap.String("event_id", req.EventID),
		zap.String("registration_id", req.RegistrationID),
	)

	order, err := s.gateway.CreateOrder(ctx, models.GatewayOrderRequest{
		AmountMinor: models.ToMinorUnits(amount),
		Currency:    currency,
		Receipt:     orderID,
		Notes:       gatewayNotes,
	})
	if err != nil {
		s.logger.Error("Gateway order creation failed", zap.String("order_id", orderID), zap.Error(err))
		return nil, &GatewayError{Op: "create_order", Err: err}
	}
	span.SetAttributes(attribute.String("payment.gateway_order_id", order.ID))

	now := s.now().UTC()
	payment := &models.Payment{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		GatewayOrderID: order.ID,
		Amount:         amount,
		Currency:       currency,
		Status:         models.StatusCreated,
		Notes:          req.Notes,
		StudentID:      req.StudentID,
		EventID:        req.EventID,
		RegistrationID: req.RegistrationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	repoCtx, cancel := context.WithTimeout(ctx, s.opts.RepositoryTimeout)
	defer cancel()
	saved, err := s.repo.Create(repoCtx, payment)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			return nil, &DuplicateOrderError{GatewayOrderID: order.ID, Err: err}
		}
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}

	s.logger.Info("Payment record saved",
		zap.String("payment_id", saved.ID),
		zap.String("gateway_order_id", saved.GatewayOrderID),
	)

	currencyOut := order.Currency
	if currencyOut == "" {
		currencyOut = currency
	}
	return &models.OrderCreated{
		GatewayOrderID: order.ID,
		AmountMinor:    order.AmountMinor,
		Currency:       currencyOut,
		KeyID:          s.opts.KeyID,
		PaymentID:      saved.ID,
	}, nil
}

// VerifyPayment handles the checkout callback. A signature mismatch is
// recorded as a failed outcome and reported with Verified=false.
func (s *PaymentService) VerifyPayment(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "PaymentService.VerifyPayment")
	defer span.End()

	if fields := req.Validate(); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	lookup := ByGatewayOrderID(req.GatewayOrderID)

	err := s.verifier.VerifyPayment(req.GatewayOrderID, req.GatewayPaymentID, req.Signature)
	if errors.Is(err, signature.ErrSecretNotConfigured) {
		return nil, err
	}
	if err != nil {
		telemetry.SignatureFailures.WithLabelValues(SourceVerify).Inc()
		s.logger.Warn("Payment signature verification failed",
			zap.String("gateway_order_id", req.GatewayOrderID),
			zap.String("gateway_payment_id", req.GatewayPaymentID),
		)
		res, err := s.reconciler.ApplyOutcome(ctx, lookup, Outcome{
			Status:        models.StatusFailed,
			Source:        SourceVerify,
			FailureReason: invalidSignature,
		})
		if err != nil {
			return nil, err
		}
		return &models.VerifyResult{Verified: false, Payment: res.Payment}, nil
	}

	res, err := s.reconciler.ApplyOutcome(ctx, lookup, Outcome{
		Status:           models.StatusPaid,
		Source:           SourceVerify,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		return nil, err
	}
	return &models.VerifyResult{Verified: true, Payment: res.Payment}, nil
}

// HandleWebhook authenticates the raw body and applies the event. Unknown
// events are acknowledged without change. eventID, when present, lets
// re-deliveries of a processed event short-circuit.
func (s *PaymentService) HandleWebhook(ctx context.Context, rawBody []byte, sig, eventID string) (*models.WebhookResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	if err := s.verifier.VerifyWebhook(rawBody, sig); err != nil {
		if errors.Is(err, signature.ErrSecretNotConfigured) {
			return nil, err
		}
		telemetry.SignatureFailures.WithLabelValues(SourceWebhook).Inc()
		telemetry.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		return nil, &SignatureError{Path: SourceWebhook, Err: err}
	}

	var envelope models.WebhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, &ValidationError{Fields: []string{"body"}}
	}
	if envelope.Event == "" {
		return nil, &ValidationError{Fields: []string{"event"}}
	}
	span.SetAttributes(attribute.String("webhook.event", envelope.Event))
	result := &models.WebhookResult{Event: envelope.Event}

	if s.alreadyProcessed(ctx, eventID) {
		telemetry.WebhookEvents.WithLabelValues(envelope.Event, "duplicate").Inc()
		result.Duplicate = true
		return result, nil
	}

	lookup, outcome, known, err := webhookOutcome(envelope)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(envelope.Event, "invalid").Inc()
		return nil, err
	}
	if !known {
		s.logger.Info("Unhandled webhook event", zap.String("event", envelope.Event))
		telemetry.WebhookEvents.WithLabelValues("unhandled", "ignored").Inc()
		return result, nil
	}

	res, err := s.reconciler.ApplyOutcome(ctx, lookup, outcome)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(envelope.Event, "error").Inc()
		return nil, err
	}
	result.Applied = res.Applied

	if eventID != "" && s.dedup != nil {
		if err := s.dedup.MarkProcessed(ctx, eventID); err != nil {
			s.logger.Warn("Failed to record processed webhook", zap.String("event_id", eventID), zap.Error(err))
		}
	}

	label := "noop"
	if res.Applied {
		label = "applied"
	}
	telemetry.WebhookEvents.WithLabelValues(envelope.Event, label).Inc()
	return result, nil
}

func (s *PaymentService) alreadyProcessed(ctx context.Context, eventID string) bool {
	if eventID == "" || s.dedup == nil {
		return false
	}
	seen, err := s.dedup.Seen(ctx, eventID)
	if err != nil {
		s.logger.Warn("Webhook dedup lookup failed, processing anyway", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return seen
}

func webhookOutcome(env models.WebhookEnvelope) (Lookup, Outcome, bool, error) {
	switch env.Event {
	case models.WebhookPaymentAuthorized, models.WebhookPaymentCaptured, models.WebhookPaymentFailed:
		if env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
			return Lookup{}, Outcome{}, true, &ValidationError{Fields: []string{"payload.payment.entity.order_id"}}
		}
		entity := env.Payload.Payment.Entity
		lookup := ByGatewayOrderID(entity.OrderID)

		switch env.Event {
		case models.WebhookPaymentAuthorized:
			return lookup, Outcome{Status: models.StatusPending, Source: SourceWebhook}, true, nil
		case models.WebhookPaymentCaptured:
			if entity.ID == "" {
				return Lookup{}, Outcome{}, true, &ValidationError{Fields: []string{"payload.payment.entity.id"}}
			}
			return lookup, Outcome{
				Status:           models.StatusPaid,
				Source:           SourceWebhook,
				GatewayPaymentID: entity.ID,
				PaymentMethod:    entity.Method,
			}, true, nil
		default:
			reason := entity.ErrorDescription
			if reason == "" {
				reason = defaultFailureReason
			}
			return lookup, Outcome{Status: models.StatusFailed, Source: SourceWebhook, FailureReason: reason}, true, nil
		}

	case models.WebhookRefundProcessed:
		if env.Payload.Refund == nil || env.Payload.Refund.Entity.PaymentID == "" || env.Payload.Refund.Entity.ID == "" {
			return Lookup{}, Outcome{}, true, &ValidationError{Fields: []string{"payload.refund.entity.id", "payload.refund.entity.payment_id"}}
		}
		entity := env.Payload.Refund.Entity
		outcome := Outcome{Status: models.StatusRefunded, Source: SourceWebhook, RefundID: entity.ID}
		if entity.AmountMinor > 0 {
			amt := models.FromMinorUnits(entity.AmountMinor)
			outcome.RefundedAmount = &amt
		}
		return ByGatewayPaymentID(entity.PaymentID), outcome, true, nil
	}

	return Lookup{}, Outcome{}, false, nil
}

// Refund issues a gateway refund for a paid payment and records it. A
// gateway failure leaves the payment paid; the request may be retried with
// the same idempotency key.
func (s *PaymentService) Refund(ctx context.Context, paymentID string, req models.RefundRequest) (*models.RefundResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "PaymentService.Refund")
	defer span.End()

	if fields := req.Validate(); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.StatusPaid {
		return nil, &InvalidStateError{Op: "refund", Current: payment.Status}
	}
	if payment.GatewayPaymentID == "" {
		return nil, &ValidationError{Fields: []string{"payment has no gateway payment id"}}
	}

	refundAmount := payment.Amount
	if req.Amount != nil && req.Amount.LessThan(payment.Amount) {
		refundAmount = models.RoundAmount(*req.Amount)
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultRefundReason
	}

	s.logger.Info("Processing refund",
		zap.String("payment_id", payment.ID),
		zap.String("gateway_payment_id", payment.GatewayPaymentID),
		zap.String("amount", refundAmount.StringFixed(2)),
	)

	refund, err := s.gateway.Refund(ctx, payment.GatewayPaymentID, models.GatewayRefundRequest{
		AmountMinor: models.ToMinorUnits(refundAmount),
		Notes: map[string]string{
			"reason":          reason,
			"refund_date":     s.now().UTC().Format(time.RFC3339),
			"original_amount": payment.Amount.StringFixed(2),
		},
		IdempotencyKey: payment.OrderID,
	})
	if err != nil {
		s.logger.Error("Gateway refund failed, payment remains paid",
			zap.String("payment_id", payment.ID),
			zap.Error(err),
		)
		return nil, &GatewayError{Op: "refund", Err: err}
	}

	refunded := refundAmount
	if refund.AmountMinor > 0 {
		refunded = models.FromMinorUnits(refund.AmountMinor)
	}

	res, err := s.reconciler.ApplyOutcome(ctx, ByID(payment.ID), Outcome{
		Status:         models.StatusRefunded,
		Source:         SourceRefund,
		RefundID:       refund.ID,
		RefundReason:   reason,
		RefundedAmount: &refunded,
	})
	if err != nil {
		// The gateway refunded; the refund.processed webhook will reconcile.
		s.logger.Error("Refund issued but local record not updated",
			zap.String("payment_id", payment.ID),
			zap.String("refund_id", refund.ID),
			zap.Error(err),
		)
		return nil, err
	}

	return &models.RefundResult{
		RefundID: refund.ID,
		Amount:   refunded,
		Status:   refund.Status,
		Payment:  res.Payment,
	}, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RepositoryTimeout)
	defer cancel()

	p, err := s.repo.FindByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Key: "id", Value: paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment %s: %w", paymentID, err)
	}
	return p, nil
}

type Page struct {
	Payments []models.Payment
	Total    int
	Page     int
	Limit    int
}

func (p Page) TotalPages() int {
	if p.Limit == 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

func (s *PaymentService) ListByStudent(ctx context.Context, studentID string, filter models.ListFilter) (*Page, error) {
	return s.list(ctx, filter, func(ctx context.Context, f models.ListFilter) ([]models.Payment, int, error) {
		return s.repo.ListByStudent(ctx, studentID, f)
	})
}

func (s *PaymentService) ListByEvent(ctx context.Context, eventID string, filter models.ListFilter) (*Page, error) {
	return s.list(ctx, filter, func(ctx context.Context, f models.ListFilter) ([]models.Payment, int, error) {
		return s.repo.ListByEvent(ctx, eventID, f)
	})
}

func (s *PaymentService) list(ctx context.Context, filter models.ListFilter, query func(context.Context, models.ListFilter) ([]models.Payment, int, error)) (*Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Fields: []string{"status"}}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageLimit
	}
	if filter.Limit > maxPageLimit {
		filter.Limit = maxPageLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RepositoryTimeout)
	defer cancel()

	payments, total, err := query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return &Page{Payments: payments, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

func (s *PaymentService) generateOrderID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("order_%d_%s", s.now().UnixMilli(), random)
}
