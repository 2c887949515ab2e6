// Package sqlite stores incident and aggregate metrics in an embedded SQLite
// database. Instants are kept as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS incident_metrics (
		incident_id INTEGER PRIMARY KEY,
		incident_type TEXT NOT NULL,
		priority TEXT NULL,
		state TEXT NOT NULL DEFAULT 'PENDING',
		created_at INTEGER NULL,
		prioritized_at INTEGER NULL,
		notified_at INTEGER NULL,
		resolved_at INTEGER NULL,
		ms_to_prioritize INTEGER NULL,
		ms_to_notify INTEGER NULL,
		ms_to_resolve INTEGER NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		last_updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_metrics_key ON incident_metrics (incident_type, priority);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_metrics_state ON incident_metrics (state);`,
	`CREATE TABLE IF NOT EXISTS aggregate_metrics (
		incident_type TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL DEFAULT 0,
		resolved_count INTEGER NOT NULL DEFAULT 0,
		pending_count INTEGER NOT NULL DEFAULT 0,
		rejected_count INTEGER NOT NULL DEFAULT 0,
		avg_resolution_sec REAL NULL,
		min_resolution_sec INTEGER NULL,
		max_resolution_sec INTEGER NULL,
		p50_sec REAL NULL,
		p95_sec REAL NULL,
		p99_sec REAL NULL,
		avg_prioritization_sec REAL NULL,
		success_rate_pct REAL NOT NULL DEFAULT 0,
		failure_rate_pct REAL NOT NULL DEFAULT 0,
		pending_rate_pct REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (incident_type, priority)
	);`,
}

// Repository implements the metric repositories on SQLite.
type Repository struct {
	db *sql.DB
}

var (
	_ repository.IncidentMetricRepository  = (*Repository)(nil)
	_ repository.AggregateMetricRepository = (*Repository)(nil)
	_ repository.HealthChecker             = (*Repository)(nil)
)

// Open opens (creating when missing) the database at path and applies the
// schema. ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema #%d failed: %w", i+1, err)
		}
	}
	return &Repository{db: db}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database handle.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const incidentColumns = `incident_id, incident_type, priority, state, created_at, prioritized_at,
	notified_at, resolved_at, ms_to_prioritize, ms_to_notify, ms_to_resolve, resolved, last_updated_at`

// GetIncidentMetric loads one incident snapshot.
func (r *Repository) GetIncidentMetric(ctx context.Context, incidentID int64) (*domain.IncidentMetric, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_metrics WHERE incident_id = ?`
	metric, err := scanIncident(r.db.QueryRowContext(ctx, query, incidentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (incident_id) DO UPDATE SET
		incident_type = excluded.incident_type,
		priority = excluded.priority,
		state = excluded.state,
		created_at = excluded.created_at,
		prioritized_at = excluded.prioritized_at,
		notified_at = excluded.notified_at,
		resolved_at = excluded.resolved_at,
		ms_to_prioritize = excluded.ms_to_prioritize,
		ms_to_notify = excluded.ms_to_notify,
		ms_to_resolve = excluded.ms_to_resolve,
		resolved = excluded.resolved,
		last_updated_at = excluded.last_updated_at`
	lastUpdated := metric.LastUpdatedAt
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		metric.IncidentID,
		metric.Type,
		emptyToNil(metric.Priority),
		string(metric.State),
		unixNanoOrNil(metric.CreatedAt),
		unixNanoOrNil(metric.PrioritizedAt),
		unixNanoOrNil(metric.NotifiedAt),
		unixNanoOrNil(metric.ResolvedAt),
		int64PtrToNil(metric.MsToPrioritize),
		int64PtrToNil(metric.MsToNotify),
		int64PtrToNil(metric.MsToResolve),
		metric.Resolved,
		lastUpdated.UnixNano(),
	)
	return err
}

// ListIncidentMetricsByKey returns incidents whose type and priority equal key.
// An empty priority matches rows where priority is NULL.
func (r *Repository) ListIncidentMetricsByKey(ctx context.Context, key domain.GroupKey) ([]domain.IncidentMetric, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_metrics
	WHERE incident_type = ? AND priority IS ?
	ORDER BY incident_id`
	return r.listIncidents(ctx, query, key.Type, emptyToNil(key.Priority))
}

// ListPendingIncidentMetrics returns incidents still in the Pending state.
func (r *Repository) ListPendingIncidentMetrics(ctx context.Context) ([]domain.IncidentMetric, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_metrics
	WHERE state = ? ORDER BY incident_id`
	return r.listIncidents(ctx, query, string(domain.StatePending))
}

// ListIncidentKeys returns the distinct (type, priority) pairs among incidents.
func (r *Repository) ListIncidentKeys(ctx context.Context) ([]domain.GroupKey, error) {
	const query = `SELECT DISTINCT incident_type, COALESCE(priority, '')
	FROM incident_metrics
	ORDER BY 1, 2`
	rows, err := r.db.QueryContext(ctx, query)
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
	rows, err := r.db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*domain.IncidentMetric, error) {
	var (
		m                                                domain.IncidentMetric
		priority                                         sql.NullString
		state                                            string
		createdAt, prioritizedAt, notifiedAt, resolvedAt sql.NullInt64
		msToPrioritize, msToNotify, msToResolve          sql.NullInt64
		lastUpdated                                      int64
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
		&lastUpdated,
	); err != nil {
		return nil, err
	}
	if priority.Valid {
		m.Priority = priority.String
	}
	m.State = domain.State(state)
	m.CreatedAt = nanoTimePtr(createdAt)
	m.PrioritizedAt = nanoTimePtr(prioritizedAt)
	m.NotifiedAt = nanoTimePtr(notifiedAt)
	m.ResolvedAt = nanoTimePtr(resolvedAt)
	m.MsToPrioritize = nullInt64Ptr(msToPrioritize)
	m.MsToNotify = nullInt64Ptr(msToNotify)
	m.MsToResolve = nullInt64Ptr(msToResolve)
	m.LastUpdatedAt = time.Unix(0, lastUpdated).UTC()
	return &m, nil
}

const aggregateColumns = `incident_type, priority, total, resolved_count, pending_count, rejected_count,
	avg_resolution_sec, min_resolution_sec, max_resolution_sec, p50_sec, p95_sec, p99_sec,
	avg_prioritization_sec, success_rate_pct, failure_rate_pct, pending_rate_pct, updated_at`

// GetAggregate loads the aggregate stored for key.
func (r *Repository) GetAggregate(ctx context.Context, key domain.GroupKey) (*domain.AggregateMetric, error) {
	query := `SELECT ` + aggregateColumns + ` FROM aggregate_metrics
	WHERE incident_type = ? AND priority = ?`
	aggregate, err := scanAggregate(r.db.QueryRowContext(ctx, query, key.Type, key.Priority))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (incident_type, priority) DO UPDATE SET
		total = excluded.total,
		resolved_count = excluded.resolved_count,
		pending_count = excluded.pending_count,
		rejected_count = excluded.rejected_count,
		avg_resolution_sec = excluded.avg_resolution_sec,
		min_resolution_sec = excluded.min_resolution_sec,
		max_resolution_sec = excluded.max_resolution_sec,
		p50_sec = excluded.p50_sec,
		p95_sec = excluded.p95_sec,
		p99_sec = excluded.p99_sec,
		avg_prioritization_sec = excluded.avg_prioritization_sec,
		success_rate_pct = excluded.success_rate_pct,
		failure_rate_pct = excluded.failure_rate_pct,
		pending_rate_pct = excluded.pending_rate_pct,
		updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query,
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
		a.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert aggregate %s/%s: %w", a.Type, a.Priority, err)
	}
	return nil
}

// ListAggregates returns aggregates matching filter ordered by type then priority.
func (r *Repository) ListAggregates(ctx context.Context, filter domain.AggregateFilter) ([]domain.AggregateMetric, error) {
	query := `SELECT ` + aggregateColumns + ` FROM aggregate_metrics
	WHERE (?1 = '' OR incident_type = ?1)
		AND (?2 = '' OR priority = ?2)
	ORDER BY incident_type, priority`
	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(filter.Type), strings.TrimSpace(filter.Priority))
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

func scanAggregate(row scanner) (*domain.AggregateMetric, error) {
	var (
		a                       domain.AggregateMetric
		avg, p50, p95, p99, pri sql.NullFloat64
		min, max                sql.NullInt64
		updated                 int64
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
		&updated,
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
	a.UpdatedAt = time.Unix(0, updated).UTC()
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

func unixNanoOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nanoTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	value := time.Unix(0, v.Int64).UTC()
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
