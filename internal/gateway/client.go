package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrRefundNotAllowed   = errors.New("refund not allowed by payment gateway")
)

// APIError is the decoded error body returned by the gateway. It wraps one
// of the sentinel errors above.
type APIError struct {
	StatusCode  int
	Code        string `json:"code"`
	Description string `json:"description"`
	kind        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: status %d %s: %s", e.kind, e.StatusCode, e.Code, e.Description)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, keyID, keySecret string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) CreateOrder(ctx context.Context, req models.GatewayOrderRequest) (*models.GatewayOrder, error) {
	var order models.GatewayOrder
	if err := c.do(ctx, "create_order", "/v1/orders", req, "", &order); err != nil {
		return nil, err
	}
	c.logger.Info("Gateway order created",
		zap.String("gateway_order_id", order.ID),
		zap.String("receipt", req.Receipt),
	)
	return &order, nil
}

// Refund issues a refund for a captured payment. IdempotencyKey is sent so a
// retry after a timeout cannot refund twice.
func (c *Client) Refund(ctx context.Context, gatewayPaymentID string, req models.GatewayRefundRequest) (*models.GatewayRefund, error) {
	path := "/v1/payments/" + url.PathEscape(gatewayPaymentID) + "/refund"

	var refund models.GatewayRefund
	err := c.do(ctx, "refund", path, req, req.IdempotencyKey, &refund)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && apiErr.Code == "BAD_REQUEST_ERROR" {
			apiErr.kind = ErrRefundNotAllowed
		}
		return nil, err
	}
	c.logger.Info("Gateway refund issued",
		zap.String("gateway_payment_id", gatewayPaymentID),
		zap.String("refund_id", refund.ID),
	)
	return &refund, nil
}

func (c *Client) do(ctx context.Context, op, path string, body any, idempotencyKey string, out any) (err error) {
	ctx, span := telemetry.Tracer.Start(ctx, "gateway."+op)
	defer span.End()

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		telemetry.GatewayRequestDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A timeout is not proof the gateway did nothing; callers must re-check state.
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", ErrGatewayUnavailable, op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: status %d", ErrGatewayUnavailable, op, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s: malformed response: %v", ErrGatewayUnavailable, op, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	var envelope struct {
		Error APIError `json:"error"`
	}
	apiErr := &APIError{}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr = &envelope.Error
	}
	apiErr.StatusCode = status
	apiErr.kind = ErrGatewayRejected
	return apiErr
}
