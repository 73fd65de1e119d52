package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/service"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const (
	SignatureHeader = "X-Razorpay-Signature"
	EventIDHeader   = "X-Razorpay-Event-Id"
)

type PaymentHandler struct {
	service     *service.PaymentService
	showDetails bool
}

// NewPaymentHandler builds the HTTP surface. showDetails exposes internal
// error messages in 500 responses and is meant for development only.
func NewPaymentHandler(svc *service.PaymentService, showDetails bool) *PaymentHandler {
	return &PaymentHandler{
		service:     svc,
		showDetails: showDetails,
	}
}

func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Error decoding create order request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	created, err := h.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"orderId":   created.GatewayOrderID,
		"amount":    created.AmountMinor,
		"currency":  created.Currency,
		"keyId":     created.KeyID,
		"paymentId": created.PaymentID,
	})
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	var req models.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.service.VerifyPayment(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to verify payment", err)
		return
	}

	if !res.Verified {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":  false,
			"verified": false,
			"error":    "Invalid payment signature",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"verified":  true,
		"paymentId": res.Payment.ID,
		"status":    res.Payment.Status,
		"message":   "Payment verified successfully",
	})
}

// Webhook must authenticate the body exactly as received, so it reads the
// raw bytes instead of binding JSON.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	res, err := h.service.HandleWebhook(
		c.Request.Context(),
		body,
		c.GetHeader(SignatureHeader),
		c.GetHeader(EventIDHeader),
	)
	if err != nil {
		h.writeError(c, "Failed to process webhook", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"event":     res.Event,
		"duplicate": res.Duplicate,
	})
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req models.RefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	res, err := h.service.Refund(c.Request.Context(), c.Param("paymentId"), req)
	if err != nil {
		h.writeError(c, "Failed to process refund", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"refundId": res.RefundID,
		"amount":   res.Amount.StringFixed(2),
		"status":   res.Status,
	})
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		h.writeError(c, "Failed to fetch payment", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "payment": p})
}

func (h *PaymentHandler) ListByStudent(c *gin.Context) {
	page, err := h.service.ListByStudent(c.Request.Context(), c.Param("studentId"), listFilter(c))
	if err != nil {
		h.writeError(c, "Failed to list payments", err)
		return
	}
	writePage(c, page)
}

func (h *PaymentHandler) ListByEvent(c *gin.Context) {
	page, err := h.service.ListByEvent(c.Request.Context(), c.Param("eventId"), listFilter(c))
	if err != nil {
		h.writeError(c, "Failed to list payments", err)
		return
	}
	writePage(c, page)
}

func listFilter(c *gin.Context) models.ListFilter {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return models.ListFilter{
		Status: models.PaymentStatus(c.Query("status")),
		Page:   page,
		Limit:  limit,
	}
}

func writePage(c *gin.Context, page *service.Page) {
	payments := page.Payments
	if payments == nil {
		payments = []models.Payment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"payments": payments,
		"pagination": gin.H{
			"page":       page.Page,
			"limit":      page.Limit,
			"total":      page.Total,
			"totalPages": page.TotalPages(),
		},
	})
}

func (h *PaymentHandler) writeError(c *gin.Context, msg string, err error) {
	var (
		validation *service.ValidationError
		notFound   *service.NotFoundError
		invalid    *service.InvalidStateError
		sig        *service.SignatureError
		conflict   *service.ConflictError
		duplicate  *service.DuplicateOrderError
		gateway    *service.GatewayError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": validation.Fields})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error(), "currentStatus": invalid.Current})
	case errors.As(err, &sig):
		telemetry.Logger.Warn("Rejected unauthenticated request", zap.String("path", sig.Path), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
	case errors.As(err, &conflict):
		telemetry.Logger.Warn("Unresolved concurrent update", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment is being updated, retry later"})
	case errors.As(err, &duplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "Order already exists"})
	case errors.As(err, &gateway):
		telemetry.Logger.Error(msg, zap.String("op", gateway.Op), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	default:
		telemetry.Logger.Error(msg, zap.Error(err))
		body := gin.H{"error": msg}
		if h.showDetails {
			body["details"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}
