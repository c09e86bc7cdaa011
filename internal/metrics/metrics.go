// Package metrics holds the Prometheus collectors for the portal. Everything
// registers against the default registry and is served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panel"

var (
	// CreditsApplied counts ledger credits by source (payment, admin_grant).
	CreditsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "credits_applied_total",
		Help:      "Ledger credit entries recorded, by source.",
	}, []string{"source"})

	// DeductionsRecorded counts ledger deductions by reason
	// (negative_balance, order, usage).
	DeductionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "deductions_recorded_total",
		Help:      "Ledger deduction entries recorded, by reason.",
	}, []string{"reason"})

	// WebhookEvents counts incoming payment webhooks by provider and outcome
	// (applied, duplicate, ignored, invalid).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries, by provider and result.",
	}, []string{"provider", "result"})

	// UpstreamRequestDuration observes hosting platform API call latency.
	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Hosting platform API request latency, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// ProvisionJobs counts settled provisioning jobs by result
	// (success, failed).
	ProvisionJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provisioning",
		Name:      "jobs_total",
		Help:      "Provisioning job outcomes.",
	}, []string{"result"})
)
