package domain

import "time"

// UnknownIncidentType labels placeholder records synthesized when a prioritization
// arrives before the creation event.
const UnknownIncidentType = "UNKNOWN"

// State is the lifecycle state tracked for an incident.
type State string

const (
	StatePending  State = "PENDING"
	StateResolved State = "RESOLVED"
	StateClosed   State = "CLOSED"
	StateRejected State = "REJECTED"
)

// GroupKey buckets incidents for aggregate statistics. An empty Priority means the
// priority is not known yet.
type GroupKey struct {
	Type     string
	Priority string
}

// HasPriority reports whether the key carries a priority.
func (k GroupKey) HasPriority() bool {
	return k.Priority != ""
}

// Less orders keys by type, then priority with the absent priority first.
func (k GroupKey) Less(other GroupKey) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	return k.Priority < other.Priority
}

// IncidentMetric holds the current-state snapshot of one incident's lifecycle.
type IncidentMetric struct {
	IncidentID     int64
	Type           string
	Priority       string
	State          State
	CreatedAt      *time.Time
	PrioritizedAt  *time.Time
	NotifiedAt     *time.Time
	ResolvedAt     *time.Time
	MsToPrioritize *int64
	MsToNotify     *int64
	MsToResolve    *int64
	Resolved       bool
	LastUpdatedAt  time.Time
}

// Key returns the aggregation group the incident currently belongs to.
func (m IncidentMetric) Key() GroupKey {
	return GroupKey{Type: m.Type, Priority: m.Priority}
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (m IncidentMetric) Clone() IncidentMetric {
	c := m
	c.CreatedAt = cloneTime(m.CreatedAt)
	c.PrioritizedAt = cloneTime(m.PrioritizedAt)
	c.NotifiedAt = cloneTime(m.NotifiedAt)
	c.ResolvedAt = cloneTime(m.ResolvedAt)
	c.MsToPrioritize = cloneInt64(m.MsToPrioritize)
	c.MsToNotify = cloneInt64(m.MsToNotify)
	c.MsToResolve = cloneInt64(m.MsToResolve)
	return c
}

// AggregateMetric is the last computed summary for one GroupKey.
type AggregateMetric struct {
	Type                 string
	Priority             string
	Total                int64
	ResolvedCount        int64
	PendingCount         int64
	RejectedCount        int64
	AvgResolutionSec     *float64
	MinResolutionSec     *int64
	MaxResolutionSec     *int64
	P50Sec               *float64
	P95Sec               *float64
	P99Sec               *float64
	AvgPrioritizationSec *float64
	SuccessRatePct       float64
	FailureRatePct       float64
	PendingRatePct       float64
	UpdatedAt            time.Time
}

// Key returns the group the aggregate summarizes.
func (a AggregateMetric) Key() GroupKey {
	return GroupKey{Type: a.Type, Priority: a.Priority}
}

// Clone returns a deep copy of the aggregate.
func (a AggregateMetric) Clone() AggregateMetric {
	c := a
	c.AvgResolutionSec = cloneFloat64(a.AvgResolutionSec)
	c.MinResolutionSec = cloneInt64(a.MinResolutionSec)
	c.MaxResolutionSec = cloneInt64(a.MaxResolutionSec)
	c.P50Sec = cloneFloat64(a.P50Sec)
	c.P95Sec = cloneFloat64(a.P95Sec)
	c.P99Sec = cloneFloat64(a.P99Sec)
	c.AvgPrioritizationSec = cloneFloat64(a.AvgPrioritizationSec)
	return c
}

// AggregateFilter narrows aggregate listings. Empty fields match everything.
type AggregateFilter struct {
	Type     string
	Priority string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneFloat64(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
