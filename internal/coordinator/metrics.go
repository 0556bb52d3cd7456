package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frostbridge_refresh_cycles_total",
			Help: "Refresh cycles by outcome",
		},
		[]string{"result"},
	)
	refreshInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frostbridge_refresh_interval_seconds",
			Help: "Current scheduled refresh interval, including backoff",
		},
	)
	deviceFresh = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frostbridge_device_fresh",
			Help: "Per-device freshness (1=confirmed by latest poll, 0=stale)",
		},
		[]string{"device_id"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frostbridge_commands_total",
			Help: "Submitted commands by outcome",
		},
		[]string{"result"},
	)
	halted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frostbridge_halted",
			Help: "Whether refresh scheduling is halted pending re-authentication",
		},
	)
)

// MetricsCollectors returns collectors for the coordinator module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		refreshCycles,
		refreshInterval,
		deviceFresh,
		commandsTotal,
		halted,
	}
}
