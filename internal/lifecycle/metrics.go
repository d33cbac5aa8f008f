package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelhostd",
			Subsystem: "lifecycle",
			Name:      "loads_total",
			Help:      "Load operations by result",
		},
		[]string{"result"},
	)

	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelhostd",
			Subsystem: "lifecycle",
			Name:      "stops_total",
			Help:      "Stop operations by result",
		},
		[]string{"result"},
	)

	cleanupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelhostd",
			Subsystem: "lifecycle",
			Name:      "cleanups_total",
			Help:      "Reclamation passes run",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, stopsTotal, cleanupsTotal)
}

func countLoad(err error) {
	if err != nil {
		loadsTotal.WithLabelValues("error").Inc()
		return
	}
	loadsTotal.WithLabelValues("ok").Inc()
}

func countStop(err error) {
	if err != nil {
		stopsTotal.WithLabelValues("error").Inc()
		return
	}
	stopsTotal.WithLabelValues("ok").Inc()
}
