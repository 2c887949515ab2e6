package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/urbanevents/metricas/internal/app/migrate"
	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

// openTestRepository needs METRICAS_TEST_DATABASE_URL pointing at a disposable
// database; the metric tables are emptied before and after the test.
func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("METRICAS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("METRICAS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runner, err := migrate.New(pool, "../../../db/migrations", nil)
	if err != nil {
		t.Fatalf("migration runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	truncate := func() {
		if _, err := pool.Exec(ctx, `TRUNCATE incident_metrics, aggregate_metrics`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	}
	truncate()
	t.Cleanup(truncate)
	return New(pool)
}

func TestAggregateUpsertOverwritesRow(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	updated := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p50 := 630.0

	first := domain.AggregateMetric{Type: "fire", Priority: "alta", Total: 2, PendingCount: 2, UpdatedAt: updated}
	if err := repo.UpsertAggregate(ctx, &first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second := domain.AggregateMetric{Type: "fire", Priority: "alta", Total: 2, ResolvedCount: 2, P50Sec: &p50, SuccessRatePct: 100, UpdatedAt: updated.Add(time.Minute)}
	if err := repo.UpsertAggregate(ctx, &second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := repo.GetAggregate(ctx, second.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PendingCount != 0 || got.ResolvedCount != 2 || got.P50Sec == nil || *got.P50Sec != 630 {
		t.Fatalf("expected overwrite got %+v", got)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatalf("updated_at = %v want %v", got.UpdatedAt, second.UpdatedAt)
	}
	if _, err := repo.GetAggregate(ctx, domain.GroupKey{Type: "quake"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestIncidentAbsentPriorityMatchesNull(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	for _, m := range []domain.IncidentMetric{
		{IncidentID: 1, Type: "fire", State: domain.StatePending},
		{IncidentID: 2, Type: "fire", Priority: "alta", State: domain.StatePending},
	} {
		m := m
		if err := repo.UpsertIncidentMetric(ctx, &m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	absent, err := repo.ListIncidentMetricsByKey(ctx, domain.GroupKey{Type: "fire"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(absent) != 1 || absent[0].IncidentID != 1 || absent[0].Priority != "" {
		t.Fatalf("unexpected absent-priority members %+v", absent)
	}
}
