package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frostbridge_auth_refresh_success_total",
			Help: "Successful token refreshes",
		},
	)
	refreshFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frostbridge_auth_refresh_failure_total",
			Help: "Failed token refreshes",
		},
		[]string{"class"},
	)
	tokenValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frostbridge_auth_token_valid",
			Help: "Access token validity (1=valid, 0=invalid)",
		},
	)
	remotePersistOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frostbridge_auth_remote_persist_ok",
			Help: "Remote blob persistence health (1=ok, 0=error)",
		},
	)
)

// MetricsCollectors returns collectors for the auth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		refreshSuccess,
		refreshFailure,
		tokenValid,
		remotePersistOK,
	}
}
