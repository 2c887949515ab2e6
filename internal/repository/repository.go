package repository

import (
	"context"

	"github.com/urbanevents/metricas/internal/domain"
)

// IncidentMetricRepository persists one lifecycle snapshot per incident.
type IncidentMetricRepository interface {
	GetIncidentMetric(ctx context.Context, incidentID int64) (*domain.IncidentMetric, error)
	UpsertIncidentMetric(ctx context.Context, metric *domain.IncidentMetric) error
	ListIncidentMetricsByKey(ctx context.Context, key domain.GroupKey) ([]domain.IncidentMetric, error)
	ListIncidentKeys(ctx context.Context) ([]domain.GroupKey, error)
	ListPendingIncidentMetrics(ctx context.Context) ([]domain.IncidentMetric, error)
}

// AggregateMetricRepository persists the last computed summary per group key.
type AggregateMetricRepository interface {
	GetAggregate(ctx context.Context, key domain.GroupKey) (*domain.AggregateMetric, error)
	UpsertAggregate(ctx context.Context, aggregate *domain.AggregateMetric) error
	ListAggregates(ctx context.Context, filter domain.AggregateFilter) ([]domain.AggregateMetric, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
