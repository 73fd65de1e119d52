package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_state_transitions_total",
		Help: "Applied payment state transitions.",
	}, []string{"from", "to"})

	OutcomeNoops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_outcome_noops_total",
		Help: "Outcomes accepted without a write, by source and reason.",
	}, []string{"source", "reason"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Webhook deliveries by event name and handling result.",
	}, []string{"event", "result"})

	SignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_signature_failures_total",
		Help: "Signature verification failures by ingress path.",
	}, []string{"path"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_request_duration_seconds",
		Help:    "Latency of calls to the payment gateway.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})
)
