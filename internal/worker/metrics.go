package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	taskDuration     prometheus.Histogram
	activeTasks      prometheus.Gauge
	pathsWarmedTotal prometheus.Counter
	pathsFailedTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelserve_worker_task_duration_seconds",
			Help:    "Total duration of each prewarm task.",
			Buckets: prometheus.DefBuckets,
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelserve_worker_active_tasks",
			Help: "Current number of prewarm tasks being processed.",
		}),
		pathsWarmedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelserve_worker_paths_warmed_total",
			Help: "Total canonical paths successfully written to the cache.",
		}),
		pathsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelserve_worker_paths_failed_total",
			Help: "Total canonical paths that failed to prewarm.",
		}),
	}

	registry.MustRegister(
		m.taskDuration,
		m.activeTasks,
		m.pathsWarmedTotal,
		m.pathsFailedTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
