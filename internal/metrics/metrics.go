// Package metrics defines the Prometheus collectors exported by the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every gateway collector plus the Go and process collectors.
	Registry = prometheus.NewRegistry()

	// SessionState reports the current session state: 1 for the active state label, 0 otherwise.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluelink_session_state",
			Help: "Current upstream session state (1 for the active state).",
		},
		[]string{"state"},
	)

	// LoginAttemptsTotal counts initialization attempts by result.
	LoginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelink_login_attempts_total",
			Help: "Total number of upstream login and vehicle discovery attempts.",
		},
		[]string{"result"}, // result: ready/failed
	)

	// ActionsTotal counts vehicle actions by action name and result.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluelink_actions_total",
			Help: "Total number of vehicle actions dispatched upstream.",
		},
		[]string{"action", "result"}, // result: success/error/timeout
	)

	// ActionDuration records upstream action latency.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bluelink_action_duration_seconds",
			Help:    "Latency of vehicle actions sent upstream.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionState,
		LoginAttemptsTotal,
		ActionsTotal,
		ActionDuration,
	)
}

// SetSessionState marks state as the only active session state.
func SetSessionState(state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		SessionState.WithLabelValues(s).Set(value)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
