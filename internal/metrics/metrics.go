// Package metrics holds the Prometheus collectors shared by the security core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_tokens_issued_total",
		Help: "Credentials issued, by token type.",
	}, []string{"type"})

	TokenVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_token_verifications_total",
		Help: "Credential verifications, by result kind.",
	}, []string{"result"})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authcore_sessions_active",
		Help: "Sessions currently in the live table.",
	})

	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_sessions_swept_total",
		Help: "Expired or terminated sessions removed by the sweep.",
	})

	SecurityEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_security_events_total",
		Help: "Security events emitted by the threat engine.",
	}, []string{"category", "severity"})

	ResponseActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_response_actions_total",
		Help: "Automated response actions executed, by action and outcome.",
	}, []string{"action", "outcome"})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authcore_threat_sweep_duration_seconds",
		Help:    "Duration of the threat engine sweep.",
		Buckets: prometheus.DefBuckets,
	})

	SweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_threat_sweep_failures_total",
		Help: "Sweep ticks that returned an error or panicked.",
	})

	SecretOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_secret_operations_total",
		Help: "Credential store operations, by operation and outcome.",
	}, []string{"op", "outcome"})

	AuditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_audit_events_total",
		Help: "Audit events written, by category.",
	}, []string{"category"})

	SealStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authcore_seal_status",
		Help: "Master key seal status: 0=sealed, 1=unsealed.",
	})
)

func init() {
	prometheus.MustRegister(
		TokensIssued, TokenVerifications,
		SessionsActive, SessionsSwept,
		SecurityEvents, ResponseActions, SweepDuration, SweepFailures,
		SecretOps, AuditEvents, SealStatus,
	)
}

// Outcome maps an error to the outcome label used by the counters.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
