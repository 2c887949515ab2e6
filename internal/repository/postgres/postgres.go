package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

// Repository implements the metric repositories on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.IncidentMetricRepository  = (*Repository)(nil)
	_ repository.AggregateMetricRepository = (*Repository)(nil)
	_ repository.HealthChecker             = (*Repository)(nil)
)

const incidentColumns = `incident_id, incident_type, priority, state, created_at, prioritized_at,
	notified_at, resolved_at, ms_to_prioritize, ms_to_notify, ms_to_resolve, resolved, last_updated_at`

// Ping checks pool connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetIncidentMetric loads one incident snapshot.
func (r *Repository) GetIncidentMetric(ctx context.Context, incidentID int64) (*domain.IncidentMetric, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_metrics WHERE incident_id = $1`
	metric, err := scanIncident(r.pool.QueryRow(ctx, query, incidentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return metric, nil
}

// UpsertIncidentMetric inserts or replaces an incident snapshot.
func (r *Repository) UpsertIncidentMetric(ctx context.Context, metric *domain.IncidentMetric) error {
	if metric == nil {
		return fmt.Errorf("incident metric required")
	}
	const query = `INSERT INTO incident_metrics (` + incidentColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (incident_id) DO UPDATE SET
		incident_type = EXCLUDED.incident_type,
		priority = EXCLUDED.priority,
		state = EXCLUDED.state,
		created_at = EXCLUDED.created_at,
		prioritized_at = EXCLUDED.prioritized_at,
		notified_at = EXCLUDED.notified_at,
		resolved_at = EXCLUDED.resolved_at,
		ms_to_prioritize = EXCLUDED.ms_to_prioritize,
		ms_to_notify = EXCLUDED.ms_to_notify,
		ms_to_resolve = EXCLUDED.ms_to_resolve,
		resolved = EXCLUDED.resolved,
		last_updated_at = EXCLUDED.last_updated_at`
	lastUpdated := metric.LastUpdatedAt
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query,
		metric.IncidentID,
		metric.Type,
		emptyToNil(metric.Priority),
		string(metric.State),
		timePtrToNil(metric.CreatedAt),
		timePtrToNil(metric.PrioritizedAt),
		timePtrToNil(metric.NotifiedAt),
		timePtrToNil(metric.ResolvedAt),
		int64PtrToNil(metric.MsToPrioritize),
		int64PtrToNil(metric.MsToNotify),
		int64PtrToNil(metric.MsToResolve),
		metric.Resolved,
		lastUpdated.UTC(),
	)
	return err
}

// ListIncidentMetricsByKey returns incidents whose type and priority equal key.
// An empty priority matches rows where priority is NULL.
func (r *Repository) ListIncidentMetricsByKey(ctx context.Context, key domain.GroupKey) ([]domain.IncidentMetric, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_metrics
	WHERE incident_type = $1 AND priority IS NOT DISTINCT FROM $2
	ORDER BY incident_id`
	return r.listIncidents(ctx, query, key.Type, emptyToNil(key.Priority))
}

// ListPendingIncidentMetrics returns incidents still in the Pending state.
func (r *Repository) ListPendingIncidentMetrics(ctx context.Context) ([]domain.IncidentMetric, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_metrics
	WHERE state = $1 ORDER BY incident_id`
	return r.listIncidents(ctx, query, string(domain.StatePending))
}

// ListIncidentKeys returns the distinct (type, priority) pairs among incidents.
func (r *Repository) ListIncidentKeys(ctx context.Context) ([]domain.GroupKey, error) {
	const query = `SELECT DISTINCT incident_type, COALESCE(priority, '')
	FROM incident_metrics
	ORDER BY 1, 2`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]domain.GroupKey, 0)
	for rows.Next() {
		var key domain.GroupKey
		if err := rows.Scan(&key.Type, &key.Priority); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *Repository) listIncidents(ctx context.Context, query string, args ...any) ([]domain.IncidentMetric, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.IncidentMetric, 0)
	for rows.Next() {
		metric, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *metric)
	}
	return out, rows.Err()
}

func scanIncident(row pgx.Row) (*domain.IncidentMetric, error) {
	var (
		m                                                domain.IncidentMetric
		priority                                         sql.NullString
		state                                            string
		createdAt, prioritizedAt, notifiedAt, resolvedAt sql.NullTime
		msToPrioritize, msToNotify, msToResolve          sql.NullInt64
	)
	if err := row.Scan(
		&m.IncidentID,
		&m.Type,
		&priority,
		&state,
		&createdAt,
		&prioritizedAt,
		&notifiedAt,
		&resolvedAt,
		&msToPrioritize,
		&msToNotify,
		&msToResolve,
		&m.Resolved,
		&m.LastUpdatedAt,
	); err != nil {
		return nil, err
	}
	if priority.Valid {
		m.Priority = priority.String
	}
	m.State = domain.State(state)
	m.CreatedAt = nullTimePtr(createdAt)
	m.PrioritizedAt = nullTimePtr(prioritizedAt)
	m.NotifiedAt = nullTimePtr(notifiedAt)
	m.ResolvedAt = nullTimePtr(resolvedAt)
	m.MsToPrioritize = nullInt64Ptr(msToPrioritize)
	m.MsToNotify = nullInt64Ptr(msToNotify)
	m.MsToResolve = nullInt64Ptr(msToResolve)
	return &m, nil
}

const aggregateColumns = `incident_type, priority, total, resolved_count, pending_count, rejected_count,
	avg_resolution_sec, min_resolution_sec, max_resolution_sec, p50_sec, p95_sec, p99_sec,
	avg_prioritization_sec, success_rate_pct, failure_rate_pct, pending_rate_pct, updated_at`

// GetAggregate loads the aggregate stored for key.
func (r *Repository) GetAggregate(ctx context.Context, key domain.GroupKey) (*domain.AggregateMetric, error) {
	query := `SELECT ` + aggregateColumns + ` FROM aggregate_metrics
	WHERE incident_type = $1 AND priority = $2`
	aggregate, err := scanAggregate(r.pool.QueryRow(ctx, query, key.Type, key.Priority))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return aggregate, nil
}

// UpsertAggregate overwrites every column of the aggregate row for its key.
func (r *Repository) UpsertAggregate(ctx context.Context, a *domain.AggregateMetric) error {
	if a == nil {
		return fmt.Errorf("aggregate metric required")
	}
	const query = `INSERT INTO aggregate_metrics (` + aggregateColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (incident_type, priority) DO UPDATE SET
		total = EXCLUDED.total,
		resolved_count = EXCLUDED.resolved_count,
		pending_count = EXCLUDED.pending_count,
		rejected_count = EXCLUDED.rejected_count,
		avg_resolution_sec = EXCLUDED.avg_resolution_sec,
		min_resolution_sec = EXCLUDED.min_resolution_sec,
		max_resolution_sec = EXCLUDED.max_resolution_sec,
		p50_sec = EXCLUDED.p50_sec,
		p95_sec = EXCLUDED.p95_sec,
		p99_sec = EXCLUDED.p99_sec,
		avg_prioritization_sec = EXCLUDED.avg_prioritization_sec,
		success_rate_pct = EXCLUDED.success_rate_pct,
		failure_rate_pct = EXCLUDED.failure_rate_pct,
		pending_rate_pct = EXCLUDED.pending_rate_pct,
		updated_at = EXCLUDED.updated_at`
	if _, err := r.pool.Exec(ctx, query,
		a.Type,
		a.Priority,
		a.Total,
		a.ResolvedCount,
		a.PendingCount,
		a.RejectedCount,
		floatPtrToNil(a.AvgResolutionSec),
		int64PtrToNil(a.MinResolutionSec),
		int64PtrToNil(a.MaxResolutionSec),
		floatPtrToNil(a.P50Sec),
		floatPtrToNil(a.P95Sec),
		floatPtrToNil(a.P99Sec),
		floatPtrToNil(a.AvgPrioritizationSec),
		a.SuccessRatePct,
		a.FailureRatePct,
		a.PendingRatePct,
		a.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert aggregate %s/%s: %w", a.Type, a.Priority, err)
	}
	return nil
}

// ListAggregates returns aggregates matching filter ordered by type then priority.
func (r *Repository) ListAggregates(ctx context.Context, filter domain.AggregateFilter) ([]domain.AggregateMetric, error) {
	query := `SELECT ` + aggregateColumns + ` FROM aggregate_metrics
	WHERE ($1 = '' OR incident_type = $1)
		AND ($2 = '' OR priority = $2)
	ORDER BY incident_type, priority`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(filter.Type), strings.TrimSpace(filter.Priority))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.AggregateMetric, 0)
	for rows.Next() {
		aggregate, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *aggregate)
	}
	return out, rows.Err()
}

func scanAggregate(row pgx.Row) (*domain.AggregateMetric, error) {
	var (
		a                       domain.AggregateMetric
		avg, p50, p95, p99, pri sql.NullFloat64
		min, max                sql.NullInt64
	)
	if err := row.Scan(
		&a.Type,
		&a.Priority,
		&a.Total,
		&a.ResolvedCount,
		&a.PendingCount,
		&a.RejectedCount,
		&avg,
		&min,
		&max,
		&p50,
		&p95,
		&p99,
		&pri,
		&a.SuccessRatePct,
		&a.FailureRatePct,
		&a.PendingRatePct,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.AvgResolutionSec = nullFloatPtr(avg)
	a.MinResolutionSec = nullInt64Ptr(min)
	a.MaxResolutionSec = nullInt64Ptr(max)
	a.P50Sec = nullFloatPtr(p50)
	a.P95Sec = nullFloatPtr(p95)
	a.P99Sec = nullFloatPtr(p99)
	a.AvgPrioritizationSec = nullFloatPtr(pri)
	return &a, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func floatPtrToNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrToNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	value := v.Time
	return &value
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	value := v.Float64
	return &value
}
