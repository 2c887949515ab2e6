package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
	"github.com/urbanevents/metricas/internal/repository/memory"
)

type stubRecomputer struct {
	mu   sync.Mutex
	keys []domain.GroupKey
	err  error
}

func (s *stubRecomputer) Request(_ context.Context, key domain.GroupKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return s.err
}

func (s *stubRecomputer) snapshot() []domain.GroupKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.GroupKey(nil), s.keys...)
}

type failingIncidents struct {
	*memory.Store
	getErr    error
	upsertErr error
}

func (f *failingIncidents) GetIncidentMetric(ctx context.Context, id int64) (*domain.IncidentMetric, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.GetIncidentMetric(ctx, id)
}

func (f *failingIncidents) UpsertIncidentMetric(ctx context.Context, m *domain.IncidentMetric) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.UpsertIncidentMetric(ctx, m)
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(store repository.IncidentMetricRepository) (*Processor, *stubRecomputer) {
	rec := &stubRecomputer{}
	p := NewProcessor(store, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return base.Add(time.Hour) }
	return p, rec
}

func mustGet(t *testing.T, store repository.IncidentMetricRepository, id int64) *domain.IncidentMetric {
	t.Helper()
	m, err := store.GetIncidentMetric(context.Background(), id)
	if err != nil {
		t.Fatalf("get incident %d: %v", id, err)
	}
	return m
}

func TestLifecycleResolvedScenario(t *testing.T) {
	store := memory.New()
	p, rec := newTestProcessor(store)
	ctx := context.Background()

	if got := p.HandleCreated(ctx, domain.IncidentCreated{IncidentID: 1, Type: "fire", CreatedAt: base}); got != OutcomeApplied {
		t.Fatalf("created outcome = %s", got)
	}
	if got := p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 1, Priority: "alta", PrioritizedAt: base.Add(30 * time.Second)}); got != OutcomeApplied {
		t.Fatalf("prioritized outcome = %s", got)
	}
	m := mustGet(t, store, 1)
	if m.MsToPrioritize == nil || *m.MsToPrioritize != 30000 {
		t.Fatalf("expected msToPrioritize 30000 got %v", m.MsToPrioritize)
	}

	if got := p.HandleNotified(ctx, domain.IncidentNotified{IncidentID: 1, Channel: "email", NotifiedAt: base.Add(45 * time.Second)}); got != OutcomeApplied {
		t.Fatalf("notified outcome = %s", got)
	}
	m = mustGet(t, store, 1)
	if m.MsToNotify == nil || *m.MsToNotify != 15000 {
		t.Fatalf("expected msToNotify measured from prioritization, got %v", m.MsToNotify)
	}

	if got := p.HandleChanged(ctx, domain.IncidentChanged{IncidentID: 1, NewState: "RESUELTO", ChangedAt: base.Add(630 * time.Second)}); got != OutcomeApplied {
		t.Fatalf("changed outcome = %s", got)
	}
	m = mustGet(t, store, 1)
	if m.State != domain.StateResolved || !m.Resolved {
		t.Fatalf("expected resolved state got %s resolved=%v", m.State, m.Resolved)
	}
	if m.MsToResolve == nil || *m.MsToResolve != 630000 {
		t.Fatalf("expected msToResolve 630000 got %v", m.MsToResolve)
	}
	if !m.LastUpdatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("lastUpdatedAt not stamped: %v", m.LastUpdatedAt)
	}

	want := []domain.GroupKey{
		{Type: "fire"},
		{Type: "fire", Priority: "alta"},
		{Type: "fire"},
		{Type: "fire", Priority: "alta"},
		{Type: "fire", Priority: "alta"},
	}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("recompute requests = %+v want %+v", got, want)
	}
}

func TestDuplicateCreatedIsIgnored(t *testing.T) {
	store := memory.New()
	p, rec := newTestProcessor(store)
	ctx := context.Background()
	ev := domain.IncidentCreated{IncidentID: 5, Type: "flood", CreatedAt: base}

	p.HandleCreated(ctx, ev)
	p.HandleChanged(ctx, domain.IncidentChanged{IncidentID: 5, NewState: "EN_PROCESO", ChangedAt: base.Add(time.Minute)})
	before := mustGet(t, store, 5)

	if got := p.HandleCreated(ctx, ev); got != OutcomeIgnored {
		t.Fatalf("expected ignored got %s", got)
	}
	after := mustGet(t, store, 5)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("duplicate create mutated record:\nbefore %+v\nafter  %+v", before, after)
	}
	if n := len(rec.snapshot()); n != 2 {
		t.Fatalf("duplicate create must not request recompute, got %d requests", n)
	}
}

func TestPrioritizedUnknownCreatesPlaceholder(t *testing.T) {
	store := memory.New()
	p, _ := newTestProcessor(store)
	ctx := context.Background()

	if got := p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 99, Priority: "media", PrioritizedAt: base}); got != OutcomeApplied {
		t.Fatalf("expected applied got %s", got)
	}
	m := mustGet(t, store, 99)
	if m.Type != domain.UnknownIncidentType || m.State != domain.StatePending {
		t.Fatalf("unexpected placeholder %+v", m)
	}
	if m.CreatedAt == nil || !m.CreatedAt.Equal(base) {
		t.Fatalf("placeholder createdAt should equal prioritizedAt, got %v", m.CreatedAt)
	}
	if m.MsToPrioritize == nil || *m.MsToPrioritize != 0 {
		t.Fatalf("expected zero msToPrioritize got %v", m.MsToPrioritize)
	}

	if got := p.HandleNotified(ctx, domain.IncidentNotified{IncidentID: 99, NotifiedAt: base.Add(10 * time.Second)}); got != OutcomeApplied {
		t.Fatalf("notified after placeholder = %s", got)
	}
	m = mustGet(t, store, 99)
	if m.MsToNotify == nil || *m.MsToNotify != 10000 {
		t.Fatalf("expected msToNotify 10000 got %v", m.MsToNotify)
	}
}

func TestCreatedAfterPlaceholderAdoptsType(t *testing.T) {
	store := memory.New()
	p, rec := newTestProcessor(store)
	ctx := context.Background()

	p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 8, Priority: "alta", PrioritizedAt: base.Add(20 * time.Second)})
	if got := p.HandleCreated(ctx, domain.IncidentCreated{IncidentID: 8, Type: "fire", CreatedAt: base}); got != OutcomeApplied {
		t.Fatalf("expected applied got %s", got)
	}
	m := mustGet(t, store, 8)
	if m.Type != "fire" || m.Priority != "alta" {
		t.Fatalf("unexpected key %+v", m.Key())
	}
	if m.MsToPrioritize == nil || *m.MsToPrioritize != 20000 {
		t.Fatalf("expected msToPrioritize recomputed to 20000 got %v", m.MsToPrioritize)
	}
	keys := rec.snapshot()
	want := []domain.GroupKey{{Type: "fire", Priority: "alta"}, {Type: domain.UnknownIncidentType, Priority: "alta"}}
	if got := keys[len(keys)-2:]; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected recompute of adopted and vacated keys got %+v", got)
	}
}

func TestRepeatedPriorityRecomputesOnce(t *testing.T) {
	store := memory.New()
	p, rec := newTestProcessor(store)
	ctx := context.Background()

	p.HandleCreated(ctx, domain.IncidentCreated{IncidentID: 4, Type: "fire", CreatedAt: base})
	p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 4, Priority: "alta", PrioritizedAt: base.Add(time.Second)})
	before := len(rec.snapshot())
	p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 4, Priority: "alta", PrioritizedAt: base.Add(2 * time.Second)})

	keys := rec.snapshot()
	if len(keys) != before+1 || keys[len(keys)-1] != (domain.GroupKey{Type: "fire", Priority: "alta"}) {
		t.Fatalf("unchanged key should be requested once, got %+v", keys[before:])
	}
}

func TestNotifiedAndChangedForUnknownIncidentAreDropped(t *testing.T) {
	store := memory.New()
	p, rec := newTestProcessor(store)
	ctx := context.Background()

	if got := p.HandleNotified(ctx, domain.IncidentNotified{IncidentID: 42, NotifiedAt: base}); got != OutcomeDropped {
		t.Fatalf("expected dropped got %s", got)
	}
	if got := p.HandleChanged(ctx, domain.IncidentChanged{IncidentID: 42, NewState: "RESUELTO", ChangedAt: base}); got != OutcomeDropped {
		t.Fatalf("expected dropped got %s", got)
	}
	if _, err := store.GetIncidentMetric(ctx, 42); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("no placeholder expected, got err %v", err)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no recompute requests got %d", n)
	}
}

func TestResolvedTracksTerminalState(t *testing.T) {
	store := memory.New()
	p, _ := newTestProcessor(store)
	ctx := context.Background()
	p.HandleCreated(ctx, domain.IncidentCreated{IncidentID: 3, Type: "fire", CreatedAt: base})

	steps := []struct {
		label    string
		state    domain.State
		resolved bool
	}{
		{"RECHAZADO", domain.StateRejected, true},
		{"reabierto", domain.StatePending, false},
		{"cerrado", domain.StateClosed, true},
	}
	for i, step := range steps {
		p.HandleChanged(ctx, domain.IncidentChanged{IncidentID: 3, NewState: step.label, ChangedAt: base.Add(time.Duration(i+1) * time.Minute)})
		m := mustGet(t, store, 3)
		if m.State != step.state || m.Resolved != step.resolved {
			t.Fatalf("step %s: state=%s resolved=%v", step.label, m.State, m.Resolved)
		}
		if m.Resolved != (m.MsToResolve != nil) {
			t.Fatalf("step %s: msToResolve presence must follow resolved", step.label)
		}
	}
	m := mustGet(t, store, 3)
	if *m.MsToResolve != 180000 {
		t.Fatalf("expected msToResolve 180000 got %d", *m.MsToResolve)
	}
}

func TestStorageFailuresReportFailed(t *testing.T) {
	store := &failingIncidents{Store: memory.New(), getErr: errors.New("db down")}
	p, rec := newTestProcessor(store)
	ctx := context.Background()

	if got := p.HandleCreated(ctx, domain.IncidentCreated{IncidentID: 1, Type: "fire", CreatedAt: base}); got != OutcomeFailed {
		t.Fatalf("expected failed got %s", got)
	}
	if got := p.HandleNotified(ctx, domain.IncidentNotified{IncidentID: 1, NotifiedAt: base}); got != OutcomeFailed {
		t.Fatalf("expected failed got %s", got)
	}

	store.getErr = nil
	store.upsertErr = errors.New("disk full")
	if got := p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 1, Priority: "alta", PrioritizedAt: base}); got != OutcomeFailed {
		t.Fatalf("expected failed got %s", got)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("failed writes must not request recompute, got %d", n)
	}
}

func TestRecomputeErrorDoesNotFailEvent(t *testing.T) {
	store := memory.New()
	p, rec := newTestProcessor(store)
	rec.err = errors.New("aggregate store unavailable")

	if got := p.HandleCreated(context.Background(), domain.IncidentCreated{IncidentID: 2, Type: "fire", CreatedAt: base}); got != OutcomeApplied {
		t.Fatalf("expected applied got %s", got)
	}
}

func TestConcurrentEventsForOneIncident(t *testing.T) {
	store := memory.New()
	p, _ := newTestProcessor(store)
	ctx := context.Background()
	p.HandleCreated(ctx, domain.IncidentCreated{IncidentID: 11, Type: "fire", CreatedAt: base})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: 11, Priority: "alta", PrioritizedAt: base.Add(time.Second)})
	}()
	go func() {
		defer wg.Done()
		p.HandleChanged(ctx, domain.IncidentChanged{IncidentID: 11, NewState: "RESUELTO", ChangedAt: base.Add(2 * time.Second)})
	}()
	wg.Wait()

	m := mustGet(t, store, 11)
	if m.Priority != "alta" || !m.Resolved {
		t.Fatalf("concurrent handlers lost an update: %+v", m)
	}
}
