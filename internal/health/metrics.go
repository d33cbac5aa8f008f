package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"modelhostd/pkg/types"
)

var (
	metricValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modelhostd",
			Subsystem: "health",
			Name:      "metric_value",
			Help:      "Last sampled value per health metric",
		},
		[]string{"metric"},
	)

	metricStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modelhostd",
			Subsystem: "health",
			Name:      "metric_status",
			Help:      "Classified status per metric (0=healthy 1=unknown 2=warning 3=critical)",
		},
		[]string{"metric"},
	)

	overallStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelhostd",
			Subsystem: "health",
			Name:      "overall_status",
			Help:      "Worst metric status this tick (0=healthy 1=unknown 2=warning 3=critical)",
		},
	)

	alertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelhostd",
			Subsystem: "health",
			Name:      "alerts_total",
			Help:      "Total ticks with a critical overall status",
		},
	)
)

func init() {
	prometheus.MustRegister(metricValue, metricStatus, overallStatus, alertsTotal)
}

func observeMetric(name string, value float64, st types.HealthState) {
	metricValue.WithLabelValues(name).Set(value)
	metricStatus.WithLabelValues(name).Set(float64(severity[st]))
}

func observeOverall(st types.HealthState) {
	overallStatus.Set(float64(severity[st]))
}

func incrAlerts() {
	alertsTotal.Inc()
}
