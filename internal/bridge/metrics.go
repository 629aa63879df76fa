package bridge

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Commands processed by the bridge, by result.",
		},
		[]string{"result"},
	)
	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconnect_attempts_total",
		Help: "Broker connection attempts.",
	})
	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_heartbeats_total",
			Help: "Periodic device state publishes, by result.",
		},
		[]string{"result"},
	)
	linkState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_link_state",
		Help: "0 healthy, 1 broker down, 2 network down.",
	})
)

func init() {
	prometheus.MustRegister(commandsTotal, reconnectAttempts, heartbeatsTotal, linkState)
}
