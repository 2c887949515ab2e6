package aggregation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce       sync.Once
	recomputeTotal    *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	sweepTotal        *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		recomputeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricas",
			Subsystem: "aggregation",
			Name:      "recomputes_total",
			Help:      "Aggregate recompute requests by outcome",
		}, []string{"outcome"})

		recomputeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricas",
			Subsystem: "aggregation",
			Name:      "recompute_duration_seconds",
			Help:      "Time spent rescanning one group key",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		})

		sweepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricas",
			Subsystem: "aggregation",
			Name:      "sweeps_total",
			Help:      "Full sweeps by outcome",
		}, []string{"outcome"})

		collectors := []prometheus.Collector{recomputeTotal, recomputeDuration, sweepTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == recomputeTotal {
							recomputeTotal = existing
						} else {
							sweepTotal = existing
						}
					case prometheus.Histogram:
						recomputeDuration = existing
					}
				}
			}
		}
	})
}

func recordRecompute(outcome string, elapsed time.Duration) {
	if recomputeTotal == nil {
		return
	}
	recomputeTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
	if elapsed > 0 {
		recomputeDuration.Observe(elapsed.Seconds())
	}
}

func recordSweep(outcome string) {
	if sweepTotal == nil {
		return
	}
	sweepTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}
