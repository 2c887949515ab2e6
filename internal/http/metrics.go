package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/urbanevents/metricas/pkg/events"
)

var (
	histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricas",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metricas",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricas",
			Subsystem: "http",
			Name:      "ingest_rejected_total",
			Help:      "Lifecycle events rejected before reaching the processor",
		}, []string{"kind", "reason"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.ingestRejected}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.requestTotal {
							r.requestTotal = v
						} else if collector == r.ingestRejected {
							r.ingestRejected = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					}
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordIngestRejected(kind, reason string) {
	if !r.metricsInitialized {
		return
	}
	switch kind {
	case events.KindCreated, events.KindPrioritized, events.KindNotified, events.KindChanged, "recompute":
	default:
		kind = "unknown"
	}
	r.ingestRejected.With(prometheus.Labels{"kind": kind, "reason": reason}).Inc()
}
