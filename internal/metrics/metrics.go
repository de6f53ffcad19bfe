// Package metrics exposes the daemon's prometheus instrumentation.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "taskhive_runs_total", Help: "Finished task runs by result"},
		[]string{"task", "result"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "taskhive_retries_total", Help: "Retry attempts beyond the first"},
		[]string{"task"},
	)
	DropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "taskhive_event_drops_total", Help: "Bus deliveries dropped before execution"},
		[]string{"reason"},
	)
	BusReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "taskhive_bus_reconnects_total", Help: "Bus reconnect cycles entered"},
	)
	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "taskhive_pool_queue_depth", Help: "Jobs waiting for a worker"},
	)
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "taskhive_tasks_running", Help: "Tasks currently in the running state"},
	)
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RetriesTotal,
			DropsTotal,
			BusReconnects,
			PoolQueueDepth,
			TasksRunning,
		)
	})
	return promhttp.Handler()
}
