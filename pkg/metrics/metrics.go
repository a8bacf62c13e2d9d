// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "healthguard"

var (
	// EventsIngestedTotal counts ingestion calls by outcome (ok, invalid, error).
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of ingested events by outcome.",
		},
		[]string{"outcome"},
	)

	// TelemetryIngestedTotal counts agent telemetry payloads by outcome (ok, invalid, error).
	TelemetryIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_ingested_total",
			Help:      "Total number of ingested agent telemetry payloads by outcome.",
		},
		[]string{"outcome"},
	)

	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Total number of alerts persisted.",
		},
		[]string{"triggered_by", "severity"},
	)

	// AnomalyPredictionsTotal counts detector verdicts (anomaly, normal, no_model, disabled).
	AnomalyPredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_predictions_total",
			Help:      "Total number of anomaly predictions by result.",
		},
		[]string{"result"},
	)

	ModelTrainingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_trainings_total",
			Help:      "Total number of tenant model training attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ModelTrainingSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_training_seconds",
			Help:      "Tenant model training duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 10),
		},
	)

	RiskRecomputationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_recomputations_total",
			Help:      "Total number of endpoint risk records recomputed.",
		},
	)
)
