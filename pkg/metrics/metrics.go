package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts evaluated scans by resolved base state.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_verifications_total",
		Help: "Total number of evaluated scans by resolved state",
	}, []string{"state"})

	// SuspiciousOverlays counts scans tagged with the suspicious-pattern overlay.
	SuspiciousOverlays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authenticity_suspicious_overlays_total",
		Help: "Total number of scans tagged as suspicious pattern",
	})

	// EnhancerDegraded counts AI risk service calls that fell back to rule-based scoring.
	EnhancerDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authenticity_risk_enhancer_degraded_total",
		Help: "Total number of AI risk enhancer failures that degraded to rule-based scoring",
	})

	// RiskAlertsCreated counts product risk alerts by level.
	RiskAlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_risk_alerts_created_total",
		Help: "Total number of risk alerts created by level",
	}, []string{"level"})

	// WebhookAttempts counts individual webhook delivery attempts by outcome.
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts by outcome",
	}, []string{"agency", "outcome"})

	// WebhookAttemptDuration measures one HTTP delivery attempt.
	WebhookAttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authenticity_webhook_attempt_duration_seconds",
		Help:    "Duration of a single webhook delivery attempt in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Escalations counts final escalation outcomes (sent, failed, deferred, noop).
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_escalations_total",
		Help: "Total number of agency notifications by final outcome",
	}, []string{"outcome"})

	// RateLimitDecisions counts rate limiter decisions per agency.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_rate_limit_decisions_total",
		Help: "Total number of rate limiter decisions by agency and result",
	}, []string{"agency", "result"})

	// JobRuns counts scheduled job runs by job name and status.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_job_runs_total",
		Help: "Total number of scheduled job runs by job and status",
	}, []string{"job", "status"})

	// TrustScore exposes the last computed trust score per manufacturer.
	TrustScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "authenticity_trust_score",
		Help: "Last computed trust score per manufacturer",
	}, []string{"manufacturer_id"})

	// BrokerHealthy is 1 while the alert event broker connection is up.
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "authenticity_broker_healthy",
		Help: "Whether the alert event broker connection is healthy (1) or not (0)",
	})

	// BrokerPublishes counts alert event publishes by result.
	BrokerPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticity_broker_publishes_total",
		Help: "Total number of alert events published to the broker by result",
	}, []string{"result"})
)
