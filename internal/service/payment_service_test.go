package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/signature"
)

const (
	testKeySecret     = "key_secret"
	testWebhookSecret = "whsec"
)

type fixture struct {
	svc   *PaymentService
	repo  *repository.MemoryPaymentRepository
	gw    *mockGateway
	pub   *recordingPublisher
	dedup *memoryDedup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  repository.NewMemoryPaymentRepository(),
		gw:    &mockGateway{},
		pub:   &recordingPublisher{},
		dedup: newMemoryDedup(),
	}
	f.svc = NewPaymentService(
		f.repo,
		f.gw,
		f.pub,
		signature.NewVerifier(testKeySecret, testWebhookSecret, false),
		f.dedup,
		Options{KeyID: "rzp_test_key", DefaultCurrency: "INR", RepositoryTimeout: time.Second},
		zap.NewNop(),
	)
	return f
}

func (f *fixture) createOrder(t *testing.T, gatewayOrderID string) *models.OrderCreated {
	t.Helper()
	f.gw.On("CreateOrder", mock.Anything, mock.Anything).
		Return(&models.GatewayOrder{ID: gatewayOrderID, AmountMinor: 50000, Currency: "INR"}, nil).Once()
	created, err := f.svc.CreateOrder(context.Background(), models.CreateOrderRequest{
		Amount:         decimal.RequireFromString("500"),
		StudentID:      "s1",
		EventID:        "e1",
		RegistrationID: "r1",
	})
	require.NoError(t, err)
	return created
}

func webhookBody(t *testing.T, event string, payload map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	require.NoError(t, err)
	return body
}

func paymentEntity(orderID, paymentID string) map[string]any {
	return map[string]any{"payment": map[string]any{"entity": map[string]any{
		"id":       paymentID,
		"order_id": orderID,
		"amount":   50000,
		"currency": "INR",
		"method":   "upi",
	}}}
}

func (f *fixture) webhook(t *testing.T, body []byte, eventID string) (*models.WebhookResult, error) {
	t.Helper()
	return f.svc.HandleWebhook(context.Background(), body, signature.Sign(body, testWebhookSecret), eventID)
}

func verifyRequest(orderID, paymentID string) models.VerifyRequest {
	return models.VerifyRequest{
		GatewayOrderID:   orderID,
		GatewayPaymentID: paymentID,
		Signature:        signature.Sign(signature.PaymentPayload(orderID, paymentID), testKeySecret),
	}
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	f.gw.On("CreateOrder", mock.Anything, mock.MatchedBy(func(r models.GatewayOrderRequest) bool {
		return r.AmountMinor == 50050 &&
			r.Currency == "INR" &&
			r.Notes["studentId"] == "s1" &&
			r.Notes["eventId"] == "e1" &&
			r.Notes["registrationId"] == "r1" &&
			r.Notes["source"] == "web"
	})).Return(&models.GatewayOrder{ID: "order_abc", AmountMinor: 50050, Currency: "INR"}, nil)

	created, err := f.svc.CreateOrder(context.Background(), models.CreateOrderRequest{
		Amount:         decimal.RequireFromString("500.499"),
		StudentID:      "s1",
		EventID:        "e1",
		RegistrationID: "r1",
		Notes:          map[string]string{"source": "web", "studentId": "spoofed"},
	})
	require.NoError(t, err)
	f.gw.AssertExpectations(t)

	assert.Equal(t, "order_abc", created.GatewayOrderID)
	assert.Equal(t, int64(50050), created.AmountMinor)
	assert.Equal(t, "rzp_test_key", created.KeyID)

	p, err := f.svc.GetPayment(context.Background(), created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, p.Status)
	assert.Regexp(t, `^order_\d+_[0-9a-f]{9}$`, p.OrderID)
	assert.True(t, decimal.RequireFromString("500.50").Equal(p.Amount))
	assert.Equal(t, "INR", p.Currency)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), models.CreateOrderRequest{Amount: decimal.NewFromInt(-1)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "amount must be a positive number")
	assert.Contains(t, verr.Fields, "studentId is required")
	f.gw.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestCreateOrderRejectsAmountRoundingToZero(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), models.CreateOrderRequest{
		Amount:         decimal.RequireFromString("0.004"),
		StudentID:      "s1",
		EventID:        "e1",
		RegistrationID: "r1",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"amount must be a positive number"}, verr.Fields)
	f.gw.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.repo.Writes())
}

func TestCreateOrderGatewayFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.gw.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("gateway down"))

	_, err := f.svc.CreateOrder(context.Background(), models.CreateOrderRequest{
		Amount:         decimal.NewFromInt(100),
		StudentID:      "s1",
		EventID:        "e1",
		RegistrationID: "r1",
	})
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "create_order", gerr.Op)
	assert.Equal(t, 0, f.repo.Writes())
}

func TestCreateOrderDuplicateGatewayOrder(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")

	f.gw.On("CreateOrder", mock.Anything, mock.Anything).
		Return(&models.GatewayOrder{ID: "order_abc", AmountMinor: 50000, Currency: "INR"}, nil).Once()
	_, err := f.svc.CreateOrder(context.Background(), models.CreateOrderRequest{
		Amount:         decimal.NewFromInt(500),
		StudentID:      "s2",
		EventID:        "e1",
		RegistrationID: "r2",
	})
	var dup *DuplicateOrderError
	assert.ErrorAs(t, err, &dup)
}

func TestVerifyPaymentMarksPaid(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")

	res, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_abc", "pay_1"))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, models.StatusPaid, res.Payment.Status)
	assert.Equal(t, "pay_1", res.Payment.GatewayPaymentID)
	assert.NotEmpty(t, res.Payment.GatewaySignature)
}

func TestVerifyPaymentInvalidSignatureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")

	req := verifyRequest("order_abc", "pay_1")
	req.Signature = signature.Sign(signature.PaymentPayload("order_abc", "pay_1"), "wrong")

	res, err := f.svc.VerifyPayment(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, models.StatusFailed, res.Payment.Status)
	assert.Equal(t, "Invalid signature", res.Payment.FailureReason)
	assert.Empty(t, res.Payment.GatewayPaymentID)
}

func TestVerifyPaymentUnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_missing", "pay_1"))
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestVerifyPaymentMissingFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.VerifyPayment(context.Background(), models.VerifyRequest{GatewayOrderID: "order_abc"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"gatewayPaymentId", "signature"}, verr.Fields)
}

func TestVerifyAndWebhookRaceSingleTransition(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")
	body := webhookBody(t, models.WebhookPaymentCaptured, paymentEntity("order_abc", "pay_1"))

	errs := make(chan error, 2)
	go func() {
		_, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_abc", "pay_1"))
		errs <- err
	}()
	go func() {
		_, err := f.webhook(t, body, "")
		errs <- err
	}()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, 2, f.repo.Writes())
	require.Len(t, f.pub.Events(), 1)
	assert.Equal(t, models.StatusPaid, f.pub.Events()[0].State)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")
	body := webhookBody(t, models.WebhookPaymentCaptured, paymentEntity("order_abc", "pay_1"))

	_, err := f.svc.HandleWebhook(context.Background(), body, signature.Sign(body, "other"), "")
	var serr *SignatureError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	p, err := f.repo.FindByGatewayOrderID(context.Background(), "order_abc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, p.Status)
}

func TestWebhookAuthorizedThenFailedThenCaptured(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")

	res, err := f.webhook(t, webhookBody(t, models.WebhookPaymentAuthorized, paymentEntity("order_abc", "pay_1")), "")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	p, _ := f.repo.FindByGatewayOrderID(context.Background(), "order_abc")
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Empty(t, p.GatewayPaymentID)

	failed := paymentEntity("order_abc", "pay_1")
	failed["payment"].(map[string]any)["entity"].(map[string]any)["error_description"] = "Card declined"
	_, err = f.webhook(t, webhookBody(t, models.WebhookPaymentFailed, failed), "")
	require.NoError(t, err)

	p, _ = f.repo.FindByGatewayOrderID(context.Background(), "order_abc")
	assert.Equal(t, models.StatusFailed, p.Status)
	assert.Equal(t, "Card declined", p.FailureReason)

	res, err = f.webhook(t, webhookBody(t, models.WebhookPaymentCaptured, paymentEntity("order_abc", "pay_2")), "")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	p, _ = f.repo.FindByGatewayOrderID(context.Background(), "order_abc")
	assert.Equal(t, models.StatusPaid, p.Status)
	assert.Equal(t, "pay_2", p.GatewayPaymentID)
	assert.Equal(t, "upi", p.PaymentMethod)
}

func TestWebhookFailedDefaultReason(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")

	_, err := f.webhook(t, webhookBody(t, models.WebhookPaymentFailed, paymentEntity("order_abc", "pay_1")), "")
	require.NoError(t, err)

	p, _ := f.repo.FindByGatewayOrderID(context.Background(), "order_abc")
	assert.Equal(t, "Payment failed", p.FailureReason)
}

func TestWebhookDuplicateEventID(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_abc")
	body := webhookBody(t, models.WebhookPaymentCaptured, paymentEntity("order_abc", "pay_1"))

	res, err := f.webhook(t, body, "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	writes := f.repo.Writes()

	res, err = f.webhook(t, body, "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Applied)
	assert.Equal(t, writes, f.repo.Writes())
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	f := newFixture(t)

	res, err := f.webhook(t, webhookBody(t, "order.paid", map[string]any{}), "")
	require.NoError(t, err)
	assert.Equal(t, "order.paid", res.Event)
	assert.False(t, res.Applied)
	assert.Equal(t, 0, f.repo.Writes())
}

func TestWebhookMalformed(t *testing.T) {
	f := newFixture(t)

	_, err := f.webhook(t, []byte("not json"), "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.webhook(t, webhookBody(t, models.WebhookPaymentCaptured, map[string]any{}), "")
	assert.ErrorAs(t, err, &verr)
}

func TestWebhookUnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.webhook(t, webhookBody(t, models.WebhookPaymentCaptured, paymentEntity("order_missing", "pay_1")), "evt_9")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	seen, _ := f.dedup.Seen(context.Background(), "evt_9")
	assert.False(t, seen)
}

func TestRefundRequiresPaid(t *testing.T) {
	tests := []struct {
		name   string
		status models.PaymentStatus
		reach  func(t *testing.T, f *fixture)
	}{
		{"created", models.StatusCreated, func(t *testing.T, f *fixture) {}},
		{"pending", models.StatusPending, func(t *testing.T, f *fixture) {
			_, err := f.webhook(t, webhookBody(t, models.WebhookPaymentAuthorized, paymentEntity("order_abc", "pay_1")), "")
			require.NoError(t, err)
		}},
		{"failed", models.StatusFailed, func(t *testing.T, f *fixture) {
			_, err := f.webhook(t, webhookBody(t, models.WebhookPaymentFailed, paymentEntity("order_abc", "pay_1")), "")
			require.NoError(t, err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			created := f.createOrder(t, "order_abc")
			tt.reach(t, f)

			_, err := f.svc.Refund(context.Background(), created.PaymentID, models.RefundRequest{})
			var ierr *InvalidStateError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, tt.status, ierr.Current)
			f.gw.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRefundRejectsAmountRoundingToZero(t *testing.T) {
	f := newFixture(t)
	created := f.createOrder(t, "order_abc")
	_, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_abc", "pay_1"))
	require.NoError(t, err)

	tiny := decimal.RequireFromString("0.001")
	_, err = f.svc.Refund(context.Background(), created.PaymentID, models.RefundRequest{Amount: &tiny})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	f.gw.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)

	p, err := f.svc.GetPayment(context.Background(), created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, p.Status)
}

func TestRefundUnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Refund(context.Background(), "2b0c8a52-5a07-4a41-9d43-1c1f4f1a0c11", models.RefundRequest{})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRefundGatewayFailureLeavesPaid(t *testing.T) {
	f := newFixture(t)
	created := f.createOrder(t, "order_abc")
	_, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_abc", "pay_1"))
	require.NoError(t, err)

	f.gw.On("Refund", mock.Anything, "pay_1", mock.Anything).Return(nil, errors.New("timeout"))

	_, err = f.svc.Refund(context.Background(), created.PaymentID, models.RefundRequest{})
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)

	p, err := f.svc.GetPayment(context.Background(), created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, p.Status)
}

func TestRefundPartialAmountCapped(t *testing.T) {
	f := newFixture(t)
	created := f.createOrder(t, "order_abc")
	_, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_abc", "pay_1"))
	require.NoError(t, err)

	f.gw.On("Refund", mock.Anything, "pay_1", mock.MatchedBy(func(r models.GatewayRefundRequest) bool {
		return r.AmountMinor == 50000
	})).Return(&models.GatewayRefund{ID: "rfnd_1", PaymentID: "pay_1", Status: "processed"}, nil)

	over := decimal.NewFromInt(900)
	res, err := f.svc.Refund(context.Background(), created.PaymentID, models.RefundRequest{Amount: &over})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(res.Amount))
	f.gw.AssertExpectations(t)
}

func TestPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gw.On("CreateOrder", mock.Anything, mock.MatchedBy(func(r models.GatewayOrderRequest) bool {
		return r.AmountMinor == 50000 && r.Currency == "INR"
	})).Return(&models.GatewayOrder{ID: "order_abc", AmountMinor: 50000, Currency: "INR"}, nil)

	created, err := f.svc.CreateOrder(ctx, models.CreateOrderRequest{
		Amount:         decimal.RequireFromString("500.00"),
		Currency:       "INR",
		StudentID:      "s1",
		EventID:        "e1",
		RegistrationID: "r1",
	})
	require.NoError(t, err)

	verified, err := f.svc.VerifyPayment(ctx, verifyRequest("order_abc", "pay_1"))
	require.NoError(t, err)
	require.True(t, verified.Verified)

	res, err := f.webhook(t, webhookBody(t, models.WebhookPaymentCaptured, paymentEntity("order_abc", "pay_1")), "evt_cap")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	stored, err := f.svc.GetPayment(ctx, created.PaymentID)
	require.NoError(t, err)
	f.gw.On("Refund", mock.Anything, "pay_1", mock.MatchedBy(func(r models.GatewayRefundRequest) bool {
		return r.AmountMinor == 50000 &&
			r.IdempotencyKey == stored.OrderID &&
			r.Notes["reason"] == "Requested by user" &&
			r.Notes["original_amount"] == "500.00"
	})).Return(&models.GatewayRefund{ID: "rfnd_1", PaymentID: "pay_1", AmountMinor: 50000, Status: "processed"}, nil)

	refund, err := f.svc.Refund(ctx, created.PaymentID, models.RefundRequest{})
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", refund.RefundID)
	assert.Equal(t, models.StatusRefunded, refund.Payment.Status)
	assert.Equal(t, "Requested by user", refund.Payment.RefundReason)

	// the gateway's refund.processed echo is a no-op
	res, err = f.webhook(t, webhookBody(t, models.WebhookRefundProcessed, map[string]any{
		"refund": map[string]any{"entity": map[string]any{"id": "rfnd_1", "payment_id": "pay_1", "amount": 50000}},
	}), "evt_ref")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusPaid, events[0].State)
	assert.Equal(t, models.StatusRefunded, events[1].State)
	f.gw.AssertExpectations(t)
}

func TestRefundProcessedWebhook(t *testing.T) {
	f := newFixture(t)
	created := f.createOrder(t, "order_abc")
	_, err := f.svc.VerifyPayment(context.Background(), verifyRequest("order_abc", "pay_1"))
	require.NoError(t, err)

	res, err := f.webhook(t, webhookBody(t, models.WebhookRefundProcessed, map[string]any{
		"refund": map[string]any{"entity": map[string]any{"id": "rfnd_7", "payment_id": "pay_1", "amount": 25000}},
	}), "")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	p, err := f.svc.GetPayment(context.Background(), created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, p.Status)
	assert.Equal(t, "rfnd_7", p.RefundID)
	require.NotNil(t, p.RefundedAmount)
	assert.True(t, decimal.NewFromInt(250).Equal(*p.RefundedAmount))
}

func TestListByStudent(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "order_1")
	f.createOrder(t, "order_2")

	page, err := f.svc.ListByStudent(context.Background(), "s1", models.ListFilter{Page: 0, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.Limit)
	assert.Equal(t, 1, page.TotalPages())

	_, err = f.svc.ListByEvent(context.Background(), "e1", models.ListFilter{Status: "bogus"})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
