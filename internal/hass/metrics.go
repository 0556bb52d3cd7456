package hass

import "github.com/prometheus/client_golang/prometheus"

var (
	mqttPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frostbridge_mqtt_publish_total",
			Help: "MQTT publishes by result",
		},
		[]string{"result"},
	)
	mqttConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "frostbridge_mqtt_connected",
			Help: "Whether the broker session is up",
		},
	)
	notificationsSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frostbridge_notifications_total",
			Help: "Vendor alarm notifications surfaced, by type",
		},
		[]string{"type"},
	)
)

// MetricsCollectors returns collectors for the bridge module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{mqttPublishes, mqttConnected, notificationsSeen}
}
