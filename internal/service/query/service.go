// Package query serves read-only views over the incident and aggregate stores.
package query

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/urbanevents/metricas/internal/calc"
	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

// IncidentView is the externally visible shape of one incident's metrics.
type IncidentView struct {
	IncidentID        int64      `json:"incident_id"`
	Type              string     `json:"type"`
	Priority          *string    `json:"priority"`
	State             string     `json:"state"`
	Resolved          bool       `json:"resolved"`
	CreatedAt         *time.Time `json:"created_at"`
	PrioritizedAt     *time.Time `json:"prioritized_at"`
	NotifiedAt        *time.Time `json:"notified_at"`
	ResolvedAt        *time.Time `json:"resolved_at"`
	PrioritizationSec *int64     `json:"prioritization_sec"`
	NotificationSec   *int64     `json:"notification_sec"`
	ResolutionSec     *int64     `json:"resolution_sec"`
	LastUpdatedAt     time.Time  `json:"last_updated_at"`
}

// AggregateView is the externally visible shape of one aggregate.
type AggregateView struct {
	Type                 string    `json:"type"`
	Priority             *string   `json:"priority"`
	Total                int64     `json:"total"`
	ResolvedCount        int64     `json:"resolved_count"`
	PendingCount         int64     `json:"pending_count"`
	RejectedCount        int64     `json:"rejected_count"`
	SuccessRatePct       float64   `json:"success_rate_pct"`
	FailureRatePct       float64   `json:"failure_rate_pct"`
	PendingRatePct       float64   `json:"pending_rate_pct"`
	AvgResolutionSec     *float64  `json:"avg_resolution_sec"`
	MinResolutionSec     *int64    `json:"min_resolution_sec"`
	MaxResolutionSec     *int64    `json:"max_resolution_sec"`
	P50Sec               *float64  `json:"p50_sec"`
	P95Sec               *float64  `json:"p95_sec"`
	P99Sec               *float64  `json:"p99_sec"`
	AvgPrioritizationSec *float64  `json:"avg_prioritization_sec"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Summary totals every aggregate. MeanGroupResolutionSec averages the per-group
// averages that are present; it is not weighted by group size.
type Summary struct {
	Total                  int64    `json:"total"`
	Resolved               int64    `json:"resolved"`
	Pending                int64    `json:"pending"`
	Rejected               int64    `json:"rejected"`
	SuccessRatePct         float64  `json:"success_rate_pct"`
	FailureRatePct         float64  `json:"failure_rate_pct"`
	PendingRatePct         float64  `json:"pending_rate_pct"`
	MeanGroupResolutionSec *float64 `json:"mean_group_resolution_sec"`
	AvgResolutionMin       *int64   `json:"avg_resolution_min"`
}

// TypeStats folds every priority of one incident type together.
type TypeStats struct {
	Type                   string   `json:"type"`
	Total                  int64    `json:"total"`
	Resolved               int64    `json:"resolved"`
	Pending                int64    `json:"pending"`
	Rejected               int64    `json:"rejected"`
	SuccessRatePct         float64  `json:"success_rate_pct"`
	MeanGroupResolutionSec *float64 `json:"mean_group_resolution_sec"`
}

// PendingIncident reports how long an unresolved incident has been open.
type PendingIncident struct {
	IncidentID int64   `json:"incident_id"`
	Type       string  `json:"type"`
	Priority   *string `json:"priority"`
	State      string  `json:"state"`
	AgeSec     int64   `json:"age_sec"`
	AgeMin     int64   `json:"age_min"`
}

// Service answers metric queries.
type Service struct {
	incidents  repository.IncidentMetricRepository
	aggregates repository.AggregateMetricRepository
	now        func() time.Time
}

// NewService constructs a Service.
func NewService(incidents repository.IncidentMetricRepository, aggregates repository.AggregateMetricRepository) *Service {
	return &Service{incidents: incidents, aggregates: aggregates, now: time.Now}
}

// GetIncidentMetric returns the view of one incident or repository.ErrNotFound.
func (s *Service) GetIncidentMetric(ctx context.Context, incidentID int64) (IncidentView, error) {
	if s == nil {
		return IncidentView{}, errors.New("query service not initialised")
	}
	m, err := s.incidents.GetIncidentMetric(ctx, incidentID)
	if err != nil {
		return IncidentView{}, err
	}
	return NewIncidentView(*m), nil
}

// ListAggregates returns aggregates ordered by type then priority, the absent
// priority first. Empty filters match everything.
func (s *Service) ListAggregates(ctx context.Context, incidentType, priority string) ([]AggregateView, error) {
	if s == nil {
		return nil, errors.New("query service not initialised")
	}
	aggregates, err := s.aggregates.ListAggregates(ctx, domain.AggregateFilter{
		Type:     strings.TrimSpace(incidentType),
		Priority: strings.TrimSpace(priority),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(aggregates, func(i, j int) bool { return aggregates[i].Key().Less(aggregates[j].Key()) })
	views := make([]AggregateView, 0, len(aggregates))
	for _, a := range aggregates {
		views = append(views, NewAggregateView(a))
	}
	return views, nil
}

// Summary sums counts across all aggregates.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	if s == nil {
		return Summary{}, errors.New("query service not initialised")
	}
	aggregates, err := s.aggregates.ListAggregates(ctx, domain.AggregateFilter{})
	if err != nil {
		return Summary{}, err
	}
	var out Summary
	var avgSum float64
	var avgCount int
	for _, a := range aggregates {
		out.Total += a.Total
		out.Resolved += a.ResolvedCount
		out.Pending += a.PendingCount
		out.Rejected += a.RejectedCount
		if a.AvgResolutionSec != nil {
			avgSum += *a.AvgResolutionSec
			avgCount++
		}
	}
	out.SuccessRatePct = calc.Rate(out.Resolved, out.Total)
	out.FailureRatePct = calc.Rate(out.Rejected, out.Total)
	out.PendingRatePct = calc.Rate(out.Pending, out.Total)
	if avgCount > 0 {
		mean := avgSum / float64(avgCount)
		minutes := int64(math.Round(mean / 60))
		out.MeanGroupResolutionSec = &mean
		out.AvgResolutionMin = &minutes
	}
	return out, nil
}

// StatsByType groups aggregates by type. The mean resolution divides the sum of
// present group averages by the number of groups of that type.
func (s *Service) StatsByType(ctx context.Context) ([]TypeStats, error) {
	if s == nil {
		return nil, errors.New("query service not initialised")
	}
	aggregates, err := s.aggregates.ListAggregates(ctx, domain.AggregateFilter{})
	if err != nil {
		return nil, err
	}
	type acc struct {
		stats  TypeStats
		groups int
		avgSum float64
	}
	byType := make(map[string]*acc)
	for _, a := range aggregates {
		entry := byType[a.Type]
		if entry == nil {
			entry = &acc{stats: TypeStats{Type: a.Type}}
			byType[a.Type] = entry
		}
		entry.groups++
		entry.stats.Total += a.Total
		entry.stats.Resolved += a.ResolvedCount
		entry.stats.Pending += a.PendingCount
		entry.stats.Rejected += a.RejectedCount
		if a.AvgResolutionSec != nil {
			entry.avgSum += *a.AvgResolutionSec
		}
	}
	out := make([]TypeStats, 0, len(byType))
	for _, entry := range byType {
		entry.stats.SuccessRatePct = calc.Rate(entry.stats.Resolved, entry.stats.Total)
		mean := entry.avgSum / float64(entry.groups)
		entry.stats.MeanGroupResolutionSec = &mean
		out = append(out, entry.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// ListPending returns Pending incidents with their age since creation.
func (s *Service) ListPending(ctx context.Context) ([]PendingIncident, error) {
	if s == nil {
		return nil, errors.New("query service not initialised")
	}
	metrics, err := s.incidents.ListPendingIncidentMetrics(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]PendingIncident, 0, len(metrics))
	for _, m := range metrics {
		ageSec := calc.MsToSec(calc.ElapsedMs(m.CreatedAt, &now))
		out = append(out, PendingIncident{
			IncidentID: m.IncidentID,
			Type:       m.Type,
			Priority:   optionalString(m.Priority),
			State:      string(m.State),
			AgeSec:     ageSec,
			AgeMin:     ageSec / 60,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out, nil
}

// NewIncidentView converts a stored incident into its external view.
func NewIncidentView(m domain.IncidentMetric) IncidentView {
	return IncidentView{
		IncidentID:        m.IncidentID,
		Type:              m.Type,
		Priority:          optionalString(m.Priority),
		State:             string(m.State),
		Resolved:          m.Resolved,
		CreatedAt:         m.CreatedAt,
		PrioritizedAt:     m.PrioritizedAt,
		NotifiedAt:        m.NotifiedAt,
		ResolvedAt:        m.ResolvedAt,
		PrioritizationSec: wholeSeconds(m.MsToPrioritize),
		NotificationSec:   wholeSeconds(m.MsToNotify),
		ResolutionSec:     wholeSeconds(m.MsToResolve),
		LastUpdatedAt:     m.LastUpdatedAt,
	}
}

// NewAggregateView converts a stored aggregate into its external view.
func NewAggregateView(a domain.AggregateMetric) AggregateView {
	return AggregateView{
		Type:                 a.Type,
		Priority:             optionalString(a.Priority),
		Total:                a.Total,
		ResolvedCount:        a.ResolvedCount,
		PendingCount:         a.PendingCount,
		RejectedCount:        a.RejectedCount,
		SuccessRatePct:       a.SuccessRatePct,
		FailureRatePct:       a.FailureRatePct,
		PendingRatePct:       a.PendingRatePct,
		AvgResolutionSec:     a.AvgResolutionSec,
		MinResolutionSec:     a.MinResolutionSec,
		MaxResolutionSec:     a.MaxResolutionSec,
		P50Sec:               a.P50Sec,
		P95Sec:               a.P95Sec,
		P99Sec:               a.P99Sec,
		AvgPrioritizationSec: a.AvgPrioritizationSec,
		UpdatedAt:            a.UpdatedAt,
	}
}

func wholeSeconds(ms *int64) *int64 {
	if ms == nil {
		return nil
	}
	v := calc.MsToSec(*ms)
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
