package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters are registered once on the default registry; the /metrics
// endpoint in the HTTP API exposes them.
var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_sessions_created_total",
		Help: "Sessions created (pending payment)",
	})
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_sessions_started_total",
		Help: "Sessions activated after payment",
	})
	sessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_sessions_completed_total",
		Help: "Sessions ended normally",
	})
	sessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_sessions_failed_total",
		Help: "Sessions ended abnormally",
	})
	revenueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_revenue_total",
		Help: "Revenue from completed sessions",
	})
	deadlineExpiries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_deadline_expiries_total",
		Help: "Sessions closed by the server-side deadline instead of a device report",
	})
	emergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_emergency_stops_total",
		Help: "Emergency stops issued by operators",
	})
	maintenanceDiversions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_maintenance_diversions_total",
		Help: "Machines taken out of service at the maintenance interval",
	})
	statusEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_status_events_total",
		Help: "Relay status events consumed from the fleet",
	})
	relayFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_relay_faults_total",
		Help: "Relay error events by error code",
	}, []string{"code"})

	machinesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stationd_machines_online",
		Help: "Machines currently online or in use",
	})
	heartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_heartbeats_total",
		Help: "Heartbeats consumed from the fleet",
	})
	paymentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_payments_processed_total",
		Help: "Payment notifications by outcome",
	}, []string{"status"})
)
