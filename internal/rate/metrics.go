package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	blockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frostbridge_rate_blocked_total",
			Help: "Requests refused client-side by the rate guard",
		},
	)
	cooldownSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frostbridge_rate_cooldown_seconds",
			Help: "Length of the last vendor-imposed cooldown",
		},
	)
)

// MetricsCollectors returns collectors for the rate guard.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{blockedTotal, cooldownSeconds}
}
