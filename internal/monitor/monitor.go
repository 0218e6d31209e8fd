// Package monitor exposes Prometheus instrumentation for the SSH layer.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProbeRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servox_metrics_probe_rounds_total",
		Help: "Metrics probe rounds by outcome.",
	}, []string{"outcome"})

	TerminalSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "servox_terminal_open_sockets",
		Help: "Open terminal WebSocket connections.",
	})

	TerminalAttaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servox_terminal_attaches_total",
		Help: "Terminal attach operations.",
	})

	PaymentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servox_payments_processed_total",
		Help: "Payment webhook events by resulting status.",
	}, []string{"status"})
)

// RegisterPoolGauge wires a live connection-count callback into the
// default registry. Called once from main after the pool exists.
func RegisterPoolGauge(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "servox_ssh_pool_connections",
		Help: "Live pooled SSH connections.",
	}, func() float64 { return float64(count()) })
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
