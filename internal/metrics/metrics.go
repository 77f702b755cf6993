// Package metrics exposes Prometheus counters for licensing operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensord_activations_total",
			Help: "Total activation attempts by outcome",
		},
		[]string{"outcome"},
	)

	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensord_refreshes_total",
			Help: "Total token refreshes by outcome",
		},
		[]string{"outcome"},
	)

	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensord_validations_total",
			Help: "Total token validations by outcome",
		},
		[]string{"outcome"},
	)

	RevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licensord_revocations_total",
			Help: "Total token revocations",
		},
	)

	TrialTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensord_trial_transitions_total",
			Help: "Total trial lifecycle transitions by target state",
		},
		[]string{"state"},
	)
)

// Outcome labels shared by the counters above.
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeQuota       = "quota_exceeded"
	OutcomeInactive    = "license_inactive"
	OutcomeNotFound    = "not_found"
	OutcomeInvalid     = "invalid_token"
	OutcomeRevoked     = "revoked"
	OutcomeError       = "error"
)
