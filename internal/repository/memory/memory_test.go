package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

func TestIncidentMetricRoundTripIsolatesCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.GetIncidentMetric(ctx, 7); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	want := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	created := want
	metric := &domain.IncidentMetric{IncidentID: 7, Type: "fire", State: domain.StatePending, CreatedAt: &created}
	if err := store.UpsertIncidentMetric(ctx, metric); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	*metric.CreatedAt = want.Add(time.Hour)

	got, err := store.GetIncidentMetric(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(want) {
		t.Fatalf("stored record shared caller pointer: %v", got.CreatedAt)
	}
	got.Type = "flood"
	again, _ := store.GetIncidentMetric(ctx, 7)
	if again.Type != "fire" {
		t.Fatalf("returned record aliases stored record")
	}
}

func TestListByKeyAndDistinctKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	seed := []domain.IncidentMetric{
		{IncidentID: 3, Type: "fire", Priority: "alta", State: domain.StatePending},
		{IncidentID: 1, Type: "fire", Priority: "alta", State: domain.StateResolved, Resolved: true},
		{IncidentID: 2, Type: "fire", State: domain.StatePending},
		{IncidentID: 4, Type: "flood", Priority: "baja", State: domain.StateRejected, Resolved: true},
	}
	for i := range seed {
		if err := store.UpsertIncidentMetric(ctx, &seed[i]); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	members, err := store.ListIncidentMetricsByKey(ctx, domain.GroupKey{Type: "fire", Priority: "alta"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 2 || members[0].IncidentID != 1 || members[1].IncidentID != 3 {
		t.Fatalf("unexpected members %+v", members)
	}

	absent, _ := store.ListIncidentMetricsByKey(ctx, domain.GroupKey{Type: "fire"})
	if len(absent) != 1 || absent[0].IncidentID != 2 {
		t.Fatalf("absent priority must match exactly, got %+v", absent)
	}

	keys, err := store.ListIncidentKeys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	want := []domain.GroupKey{{Type: "fire"}, {Type: "fire", Priority: "alta"}, {Type: "flood", Priority: "baja"}}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys got %+v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d = %+v want %+v", i, keys[i], want[i])
		}
	}

	pending, _ := store.ListPendingIncidentMetrics(ctx)
	if len(pending) != 2 || pending[0].IncidentID != 2 || pending[1].IncidentID != 3 {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestAggregatesFilterAndOrder(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, a := range []domain.AggregateMetric{
		{Type: "flood", Priority: "alta", Total: 2},
		{Type: "fire", Priority: "baja", Total: 1},
		{Type: "fire", Total: 4},
		{Type: "fire", Priority: "alta", Total: 3},
	} {
		a := a
		if err := store.UpsertAggregate(ctx, &a); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	all, _ := store.ListAggregates(ctx, domain.AggregateFilter{})
	order := []domain.GroupKey{{Type: "fire"}, {Type: "fire", Priority: "alta"}, {Type: "fire", Priority: "baja"}, {Type: "flood", Priority: "alta"}}
	if len(all) != len(order) {
		t.Fatalf("expected %d aggregates got %d", len(order), len(all))
	}
	for i, key := range order {
		if all[i].Key() != key {
			t.Fatalf("position %d = %+v want %+v", i, all[i].Key(), key)
		}
	}

	fire, _ := store.ListAggregates(ctx, domain.AggregateFilter{Type: "fire"})
	if len(fire) != 3 {
		t.Fatalf("expected 3 fire aggregates got %d", len(fire))
	}
	alta, _ := store.ListAggregates(ctx, domain.AggregateFilter{Priority: "alta"})
	if len(alta) != 2 {
		t.Fatalf("expected 2 alta aggregates got %d", len(alta))
	}

	overwrite := domain.AggregateMetric{Type: "fire", Priority: "alta", Total: 9}
	_ = store.UpsertAggregate(ctx, &overwrite)
	got, err := store.GetAggregate(ctx, overwrite.Key())
	if err != nil || got.Total != 9 {
		t.Fatalf("expected overwrite, got %+v err %v", got, err)
	}
	if _, err := store.GetAggregate(ctx, domain.GroupKey{Type: "quake"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}
