package hook

import "github.com/prometheus/client_golang/prometheus"

var hookEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "off_context_hook_events_total",
		Help: "Hook events handled grouped by event and outcome",
	},
	[]string{"event", "outcome"},
)

// Collectors returns the hook metrics for registration by the admin server.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{hookEvents}
}
