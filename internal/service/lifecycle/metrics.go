package lifecycle

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/urbanevents/metricas/internal/domain"
)

var tracer = otel.Tracer("github.com/urbanevents/metricas/internal/service/lifecycle")

var (
	metricsOnce sync.Once
	eventsTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricas",
			Subsystem: "lifecycle",
			Name:      "events_total",
			Help:      "Lifecycle events handled by kind and outcome",
		}, []string{"kind", "outcome"})

		if err := prometheus.Register(eventsTotal); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					eventsTotal = existing
				}
			}
		}
	})
}

func recordEvent(kind domain.EventKind, outcome Outcome) {
	if eventsTotal == nil {
		return
	}
	eventsTotal.With(prometheus.Labels{"kind": string(kind), "outcome": string(outcome)}).Inc()
}

func startSpan(ctx context.Context, kind domain.EventKind, incidentID int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+string(kind), trace.WithAttributes(
		attribute.Int64("incident.id", incidentID),
	))
}

// annotate tags the active span with the handler outcome.
func annotate(ctx context.Context, outcome Outcome) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("lifecycle.outcome", string(outcome)))
	if outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "lifecycle event failed")
	}
}
