package aggregation

import (
	"sort"
	"time"

	"github.com/urbanevents/metricas/internal/calc"
	"github.com/urbanevents/metricas/internal/domain"
)

// Compute builds the aggregate for key from its member incidents. It is a full
// rescan; nothing from a previous aggregate is carried over except the key.
func Compute(key domain.GroupKey, members []domain.IncidentMetric, now time.Time) domain.AggregateMetric {
	a := domain.AggregateMetric{
		Type:      key.Type,
		Priority:  key.Priority,
		Total:     int64(len(members)),
		UpdatedAt: now.UTC(),
	}

	resolutions := make([]int64, 0, len(members))
	var prioritizationSum, prioritizationCount int64
	for _, m := range members {
		switch m.State {
		case domain.StateResolved, domain.StateClosed:
			a.ResolvedCount++
		case domain.StateRejected:
			a.RejectedCount++
		default:
			a.PendingCount++
		}
		if m.MsToResolve != nil && *m.MsToResolve > 0 {
			resolutions = append(resolutions, *m.MsToResolve)
		}
		if m.MsToPrioritize != nil && *m.MsToPrioritize > 0 {
			prioritizationSum += *m.MsToPrioritize
			prioritizationCount++
		}
	}

	if len(resolutions) > 0 {
		sort.Slice(resolutions, func(i, j int) bool { return resolutions[i] < resolutions[j] })
		var sum int64
		for _, ms := range resolutions {
			sum += ms
		}
		avg := calc.MsToSecFloat(float64(sum) / float64(len(resolutions)))
		min := calc.MsToSec(resolutions[0])
		max := calc.MsToSec(resolutions[len(resolutions)-1])
		p50 := calc.MsToSecFloat(calc.Percentile(resolutions, 50))
		p95 := calc.MsToSecFloat(calc.Percentile(resolutions, 95))
		p99 := calc.MsToSecFloat(calc.Percentile(resolutions, 99))
		a.AvgResolutionSec = &avg
		a.MinResolutionSec = &min
		a.MaxResolutionSec = &max
		a.P50Sec = &p50
		a.P95Sec = &p95
		a.P99Sec = &p99
	}

	if prioritizationCount > 0 {
		avg := calc.MsToSecFloat(float64(prioritizationSum) / float64(prioritizationCount))
		a.AvgPrioritizationSec = &avg
	}

	a.SuccessRatePct = calc.Rate(a.ResolvedCount, a.Total)
	a.FailureRatePct = calc.Rate(a.RejectedCount, a.Total)
	a.PendingRatePct = calc.Rate(a.PendingCount, a.Total)
	return a
}
