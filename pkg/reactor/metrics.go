package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	iterations    prometheus.Counter
	jobs          prometheus.Counter
	handlerErrors prometheus.Counter
	keys          prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scan", Subsystem: "reactor",
			Name: "iterations_total",
			Help: "Number of completed waits on the readiness set",
		}),
		jobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scan", Subsystem: "reactor",
			Name: "jobs_total",
			Help: "Number of jobs run on the loop",
		}),
		handlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scan", Subsystem: "reactor",
			Name: "handler_errors_total",
			Help: "Number of handler or job failures (including panics)",
		}),
		keys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan", Subsystem: "reactor",
			Name: "keys",
			Help: "Number of registered keys",
		}),
	}
}
