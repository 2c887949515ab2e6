package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/urbanevents/metricas/internal/calc"
	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

// Outcome reports what a handler did with an event.
type Outcome string

const (
	// OutcomeApplied means the incident record was written and a recompute requested.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the event was a duplicate and nothing changed.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDropped means the referenced incident is unknown.
	OutcomeDropped Outcome = "dropped"
	// OutcomeFailed means storage rejected the read or the write.
	OutcomeFailed Outcome = "failed"
)

// Recomputer receives the group key touched by an applied event.
type Recomputer interface {
	Request(ctx context.Context, key domain.GroupKey) error
}

const lockStripes = 64

// Processor applies lifecycle events to the incident metric store.
type Processor struct {
	incidents repository.IncidentMetricRepository
	recompute Recomputer
	logger    *slog.Logger
	now       func() time.Time
	stripes   [lockStripes]sync.Mutex
}

// NewProcessor constructs a Processor. recompute may be nil when aggregation runs
// elsewhere.
func NewProcessor(incidents repository.IncidentMetricRepository, recompute Recomputer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Processor{
		incidents: incidents,
		recompute: recompute,
		logger:    logger.With("component", "lifecycle_processor"),
		now:       time.Now,
	}
}

// HandleCreated registers a new incident. A second Created for the same id is
// ignored unless the stored record is a placeholder, in which case the real type
// and creation instant replace the placeholder values.
func (p *Processor) HandleCreated(ctx context.Context, ev domain.IncidentCreated) Outcome {
	ctx, span := startSpan(ctx, domain.EventCreated, ev.IncidentID)
	defer span.End()

	incidentType := strings.TrimSpace(ev.Type)
	if incidentType == "" {
		incidentType = domain.UnknownIncidentType
	}
	createdAt := p.instant(ev.CreatedAt)
	log := p.logger.With("incident_id", ev.IncidentID, "type", incidentType)

	unlock := p.lock(ev.IncidentID)
	existing, err := p.incidents.GetIncidentMetric(ctx, ev.IncidentID)
	switch {
	case err == nil:
		if existing.Type != domain.UnknownIncidentType || incidentType == domain.UnknownIncidentType {
			unlock()
			log.Warn("duplicate incident created event ignored")
			return p.finish(ctx, domain.EventCreated, OutcomeIgnored)
		}
		previous := existing.Key()
		existing.Type = incidentType
		existing.CreatedAt = &createdAt
		deriveDurations(existing)
		existing.LastUpdatedAt = p.now().UTC()
		return p.store(ctx, domain.EventCreated, existing, &previous, unlock, log)
	case !errors.Is(err, repository.ErrNotFound):
		unlock()
		log.Error("load incident metric failed", "error", err)
		return p.finish(ctx, domain.EventCreated, OutcomeFailed)
	}

	metric := &domain.IncidentMetric{
		IncidentID:    ev.IncidentID,
		Type:          incidentType,
		State:         domain.StatePending,
		CreatedAt:     &createdAt,
		LastUpdatedAt: p.now().UTC(),
	}
	return p.store(ctx, domain.EventCreated, metric, nil, unlock, log)
}

// HandlePrioritized records the assigned priority. An unknown incident gets a
// placeholder record typed UnknownIncidentType and created at the prioritization
// instant.
func (p *Processor) HandlePrioritized(ctx context.Context, ev domain.IncidentPrioritized) Outcome {
	ctx, span := startSpan(ctx, domain.EventPrioritized, ev.IncidentID)
	defer span.End()

	prioritizedAt := p.instant(ev.PrioritizedAt)
	priority := strings.TrimSpace(ev.Priority)
	log := p.logger.With("incident_id", ev.IncidentID, "priority", priority)

	unlock := p.lock(ev.IncidentID)
	var previous *domain.GroupKey
	metric, err := p.incidents.GetIncidentMetric(ctx, ev.IncidentID)
	if err == nil {
		key := metric.Key()
		previous = &key
	} else {
		if !errors.Is(err, repository.ErrNotFound) {
			unlock()
			log.Error("load incident metric failed", "error", err)
			return p.finish(ctx, domain.EventPrioritized, OutcomeFailed)
		}
		log.Warn("prioritized event for unknown incident, creating placeholder")
		createdAt := prioritizedAt
		metric = &domain.IncidentMetric{
			IncidentID: ev.IncidentID,
			Type:       domain.UnknownIncidentType,
			State:      domain.StatePending,
			CreatedAt:  &createdAt,
		}
	}

	metric.Priority = priority
	metric.PrioritizedAt = &prioritizedAt
	deriveDurations(metric)
	metric.LastUpdatedAt = p.now().UTC()
	return p.store(ctx, domain.EventPrioritized, metric, previous, unlock, log)
}

// HandleNotified records the notification instant. Unknown incidents are dropped.
func (p *Processor) HandleNotified(ctx context.Context, ev domain.IncidentNotified) Outcome {
	ctx, span := startSpan(ctx, domain.EventNotified, ev.IncidentID)
	defer span.End()

	notifiedAt := p.instant(ev.NotifiedAt)
	log := p.logger.With("incident_id", ev.IncidentID)

	unlock := p.lock(ev.IncidentID)
	metric, outcome := p.load(ctx, domain.EventNotified, ev.IncidentID, log)
	if metric == nil {
		unlock()
		return p.finish(ctx, domain.EventNotified, outcome)
	}

	metric.NotifiedAt = &notifiedAt
	deriveDurations(metric)
	metric.LastUpdatedAt = p.now().UTC()
	return p.store(ctx, domain.EventNotified, metric, nil, unlock, log.With("channel", ev.Channel))
}

// HandleChanged classifies the upstream state label and, for terminal states,
// records the resolution instant. Unknown incidents are dropped.
func (p *Processor) HandleChanged(ctx context.Context, ev domain.IncidentChanged) Outcome {
	ctx, span := startSpan(ctx, domain.EventChanged, ev.IncidentID)
	defer span.End()

	changedAt := p.instant(ev.ChangedAt)
	state := calc.ClassifyState(ev.NewState)
	log := p.logger.With("incident_id", ev.IncidentID, "state", string(state))

	unlock := p.lock(ev.IncidentID)
	metric, outcome := p.load(ctx, domain.EventChanged, ev.IncidentID, log)
	if metric == nil {
		unlock()
		return p.finish(ctx, domain.EventChanged, outcome)
	}

	metric.State = state
	metric.Resolved = calc.IsTerminal(state)
	if metric.Resolved {
		metric.ResolvedAt = &changedAt
	}
	deriveDurations(metric)
	metric.LastUpdatedAt = p.now().UTC()
	return p.store(ctx, domain.EventChanged, metric, nil, unlock, log)
}

func (p *Processor) load(ctx context.Context, kind domain.EventKind, incidentID int64, log *slog.Logger) (*domain.IncidentMetric, Outcome) {
	metric, err := p.incidents.GetIncidentMetric(ctx, incidentID)
	if err == nil {
		return metric, OutcomeApplied
	}
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("event for unknown incident dropped", "kind", string(kind))
		return nil, OutcomeDropped
	}
	log.Error("load incident metric failed", "error", err)
	return nil, OutcomeFailed
}

// store persists metric, releases the incident lock and requests a recompute of
// the key the incident now belongs to. When previous names a different key the
// incident just left, that key is recomputed too.
func (p *Processor) store(ctx context.Context, kind domain.EventKind, metric *domain.IncidentMetric, previous *domain.GroupKey, unlock func(), log *slog.Logger) Outcome {
	err := p.incidents.UpsertIncidentMetric(ctx, metric)
	unlock()
	if err != nil {
		log.Error("persist incident metric failed", "kind", string(kind), "error", err)
		return p.finish(ctx, kind, OutcomeFailed)
	}
	log.Info("lifecycle event applied", "kind", string(kind), "state", string(metric.State))

	if p.recompute != nil {
		keys := []domain.GroupKey{metric.Key()}
		if previous != nil && *previous != keys[0] {
			keys = append(keys, *previous)
		}
		for _, key := range keys {
			if err := p.recompute.Request(ctx, key); err != nil {
				log.Error("aggregate recompute failed", "type", key.Type, "priority", key.Priority, "error", err)
			}
		}
	}
	return p.finish(ctx, kind, OutcomeApplied)
}

func (p *Processor) finish(ctx context.Context, kind domain.EventKind, outcome Outcome) Outcome {
	recordEvent(kind, outcome)
	annotate(ctx, outcome)
	return outcome
}

// lock serializes read-modify-write cycles for one incident id.
func (p *Processor) lock(incidentID int64) func() {
	mu := &p.stripes[uint64(incidentID)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (p *Processor) instant(t time.Time) time.Time {
	if t.IsZero() {
		return p.now().UTC()
	}
	return t.UTC()
}

// deriveDurations fills every duration whose two endpoints are known. Negative
// deltas from out-of-order timestamps clamp to zero.
func deriveDurations(m *domain.IncidentMetric) {
	m.MsToPrioritize = durationBetween(m.CreatedAt, m.PrioritizedAt)
	m.MsToNotify = durationBetween(m.PrioritizedAt, m.NotifiedAt)
	m.MsToResolve = nil
	if m.Resolved {
		m.MsToResolve = durationBetween(m.CreatedAt, m.ResolvedAt)
	}
}

func durationBetween(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := calc.ElapsedMs(start, end)
	if ms < 0 {
		ms = 0
	}
	return &ms
}
