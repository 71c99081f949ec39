// Package telemetry exposes the prometheus instruments the pipeline reports:
// queue depth, consumer lag, stage throughput and shield/converge decisions.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's prometheus instruments around one registry.
type Metrics struct {
	Registry *prometheus.Registry

	PointsEmitted     *prometheus.CounterVec
	AnomaliesDetected *prometheus.CounterVec
	AlertsOpened      prometheus.Counter
	AlertsRecovered   prometheus.Counter
	AlertsClosed      prometheus.Counter
	ActionsDispatched *prometheus.CounterVec
	ShieldDecisions   *prometheus.CounterVec
	ProcessingErrors  *prometheus.CounterVec
	InvalidInput      *prometheus.CounterVec
	SkippedQoS        *prometheus.CounterVec
	QueueBacklog      *prometheus.GaugeVec
	LockContention    *prometheus.CounterVec
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		PointsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "access_points_emitted_total",
			Help:      "Points emitted by the access stage per strategy.",
		}, []string{"strategy_id"}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "detect_anomalies_total",
			Help:      "Anomaly points produced per strategy and algorithm type.",
		}, []string{"strategy_id", "algorithm"}),
		AlertsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "alerts_opened_total",
			Help:      "Alerts opened by the alert manager.",
		}),
		AlertsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "alerts_recovered_total",
			Help:      "Alerts auto-recovered.",
		}),
		AlertsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "alerts_closed_total",
			Help:      "Alerts closed by TTL or strategy policy.",
		}),
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "actions_dispatched_total",
			Help:      "Action instances by plugin type and terminal status.",
		}, []string{"plugin_type", "status"}),
		ShieldDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "shield_decisions_total",
			Help:      "Shield/converge suppressions by shielder.",
		}, []string{"shielder"}),
		ProcessingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "processing_errors_total",
			Help:      "Errors per stage.",
		}, []string{"stage"}),
		InvalidInput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "invalid_input_total",
			Help:      "Malformed payloads dropped to the dead-letter stream.",
		}, []string{"stage"}),
		SkippedQoS: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "skipped_due_to_qos_total",
			Help:      "Access cycles skipped because the downstream backlog crossed the high watermark.",
		}, []string{"strategy_id"}),
		QueueBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bkmonitor",
			Name:      "queue_backlog",
			Help:      "Consumer lag per topic.",
		}, []string{"topic"}),
		LockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bkmonitor",
			Name:      "lock_contention_total",
			Help:      "Tasks yielded because the strategy or fingerprint lock was held.",
		}, []string{"scope"}),
	}

	registry.MustRegister(
		m.PointsEmitted,
		m.AnomaliesDetected,
		m.AlertsOpened,
		m.AlertsRecovered,
		m.AlertsClosed,
		m.ActionsDispatched,
		m.ShieldDecisions,
		m.ProcessingErrors,
		m.InvalidInput,
		m.SkippedQoS,
		m.QueueBacklog,
		m.LockContention,
	)
	return m
}
