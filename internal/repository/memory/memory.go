// Package memory keeps incident and aggregate metrics in process memory. It backs
// the default storage driver and the service tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

// Store implements the metric repositories on guarded maps. Every read returns a
// copy so callers can mutate results freely.
type Store struct {
	mu         sync.RWMutex
	incidents  map[int64]domain.IncidentMetric
	aggregates map[domain.GroupKey]domain.AggregateMetric
}

var (
	_ repository.IncidentMetricRepository  = (*Store)(nil)
	_ repository.AggregateMetricRepository = (*Store)(nil)
	_ repository.HealthChecker             = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		incidents:  make(map[int64]domain.IncidentMetric),
		aggregates: make(map[domain.GroupKey]domain.AggregateMetric),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// GetIncidentMetric returns the snapshot for incidentID or repository.ErrNotFound.
func (s *Store) GetIncidentMetric(_ context.Context, incidentID int64) (*domain.IncidentMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metric, ok := s.incidents[incidentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := metric.Clone()
	return &c, nil
}

// UpsertIncidentMetric stores metric, replacing any previous snapshot.
func (s *Store) UpsertIncidentMetric(_ context.Context, metric *domain.IncidentMetric) error {
	if metric == nil {
		return errors.New("incident metric required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[metric.IncidentID] = metric.Clone()
	return nil
}

// ListIncidentMetricsByKey returns the incidents whose type and priority equal key,
// ordered by incident id.
func (s *Store) ListIncidentMetricsByKey(_ context.Context, key domain.GroupKey) ([]domain.IncidentMetric, error) {
	s.mu.RLock()
	out := make([]domain.IncidentMetric, 0)
	for _, metric := range s.incidents {
		if metric.Key() == key {
			out = append(out, metric.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out, nil
}

// ListIncidentKeys returns every distinct group key present among incidents.
func (s *Store) ListIncidentKeys(_ context.Context) ([]domain.GroupKey, error) {
	s.mu.RLock()
	seen := make(map[domain.GroupKey]struct{})
	for _, metric := range s.incidents {
		seen[metric.Key()] = struct{}{}
	}
	s.mu.RUnlock()
	keys := make([]domain.GroupKey, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

// ListPendingIncidentMetrics returns incidents still in the Pending state ordered by id.
func (s *Store) ListPendingIncidentMetrics(_ context.Context) ([]domain.IncidentMetric, error) {
	s.mu.RLock()
	out := make([]domain.IncidentMetric, 0)
	for _, metric := range s.incidents {
		if metric.State == domain.StatePending {
			out = append(out, metric.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out, nil
}

// GetAggregate returns the aggregate for key or repository.ErrNotFound.
func (s *Store) GetAggregate(_ context.Context, key domain.GroupKey) (*domain.AggregateMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aggregate, ok := s.aggregates[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := aggregate.Clone()
	return &c, nil
}

// UpsertAggregate overwrites the aggregate stored for the aggregate's key.
func (s *Store) UpsertAggregate(_ context.Context, aggregate *domain.AggregateMetric) error {
	if aggregate == nil {
		return errors.New("aggregate metric required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[aggregate.Key()] = aggregate.Clone()
	return nil
}

// ListAggregates returns aggregates matching filter ordered by type then priority.
func (s *Store) ListAggregates(_ context.Context, filter domain.AggregateFilter) ([]domain.AggregateMetric, error) {
	s.mu.RLock()
	out := make([]domain.AggregateMetric, 0)
	for key, aggregate := range s.aggregates {
		if filter.Type != "" && key.Type != filter.Type {
			continue
		}
		if filter.Priority != "" && key.Priority != filter.Priority {
			continue
		}
		out = append(out, aggregate.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}
