package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

func NewRouter(paymentHandler *handlers.PaymentHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-reconciler"})
	})

	// Payment routes
	payments := r.Group("/api/payments")
	payments.POST("/create-order", paymentHandler.CreateOrder)
	payments.POST("/verify", paymentHandler.VerifyPayment)
	payments.POST("/webhook", paymentHandler.Webhook)
	payments.GET("/student/:studentId", paymentHandler.ListByStudent)
	payments.GET("/event/:eventId", paymentHandler.ListByEvent)
	payments.POST("/:paymentId/refund", paymentHandler.Refund)
	payments.GET("/:paymentId", paymentHandler.GetPayment)

	return r
}
