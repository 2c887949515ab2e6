package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
)

var tracer = otel.Tracer("github.com/urbanevents/metricas/internal/service/aggregation")

const (
	defaultSweepInterval = 5 * time.Minute
	handOffTimeout       = 30 * time.Second
)

// Publisher receives every aggregate after it has been persisted.
type Publisher interface {
	PublishAggregate(aggregate domain.AggregateMetric)
}

// Options tune a Coordinator. Zero values pick defaults. SweepCron, when set,
// replaces the fixed interval with a cron schedule ("*/5 * * * *", "@hourly").
type Options struct {
	SweepInterval time.Duration
	SweepCron     string
	Lease         Lease
	Publisher     Publisher
}

// Coordinator recomputes aggregates from the incident store. At most one
// recompute per key runs at a time within the process, and across processes
// when a Lease is configured.
type Coordinator struct {
	incidents  repository.IncidentMetricRepository
	aggregates repository.AggregateMetricRepository
	lease      Lease
	publisher  Publisher
	interval   time.Duration
	schedule   string
	flights    *flights
	logger     *slog.Logger
	now        func() time.Time
	once       sync.Once
	sweepMu    sync.Mutex
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(incidents repository.IncidentMetricRepository, aggregates repository.AggregateMetricRepository, logger *slog.Logger, opts Options) *Coordinator {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Coordinator{
		incidents:  incidents,
		aggregates: aggregates,
		lease:      opts.Lease,
		publisher:  opts.Publisher,
		interval:   opts.SweepInterval,
		schedule:   opts.SweepCron,
		flights:    newFlights(),
		logger:     logger.With("component", "aggregation_coordinator"),
		now:        time.Now,
	}
}

// Request recomputes key unless a recompute for key is already running, in which
// case the running owner repeats its rescan once it finishes. The returned error
// is the last failure seen by the owner; coalesced callers get nil.
func (c *Coordinator) Request(ctx context.Context, key domain.GroupKey) error {
	if !c.flights.acquire(key) {
		recordRecompute("coalesced", 0)
		return nil
	}
	for {
		err := c.runExclusive(ctx, key)
		if ctx.Err() != nil {
			if c.flights.abandon(key) {
				go c.handOff(key)
			}
			return errors.Join(err, ctx.Err())
		}
		if !c.flights.release(key) {
			return err
		}
	}
}

// handOff reruns key for coalesced callers after the owner's context was
// cancelled underneath them.
func (c *Coordinator) handOff(key domain.GroupKey) {
	ctx, cancel := context.WithTimeout(context.Background(), handOffTimeout)
	defer cancel()
	if err := c.Request(ctx, key); err != nil {
		c.logger.Error("handed off recompute failed", "type", key.Type, "priority", key.Priority, "error", err)
	}
}

// Sweep recomputes every key known to either store, continuing past failures.
// Concurrent sweeps are serialized.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	ctx, span := tracer.Start(ctx, "aggregation.sweep")
	defer span.End()

	keys, err := c.knownKeys(ctx)
	if err != nil {
		recordSweep("failed")
		c.logger.Error("list aggregate keys failed", "error", err)
		return 0, err
	}
	failed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			recordSweep("cancelled")
			return len(keys) - failed, ctx.Err()
		}
		if err := c.Request(ctx, key); err != nil {
			failed++
			c.logger.Error("sweep recompute failed", "type", key.Type, "priority", key.Priority, "error", err)
		}
	}
	if failed > 0 {
		recordSweep("partial")
	} else {
		recordSweep("ok")
	}
	span.SetAttributes(attribute.Int("sweep.keys", len(keys)), attribute.Int("sweep.failed", failed))
	c.logger.Info("aggregate sweep complete", "keys", len(keys), "failed", failed)
	return len(keys) - failed, nil
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	if c == nil {
		return
	}
	if c.schedule != "" {
		err := c.runCron(ctx)
		if err == nil {
			return
		}
		c.logger.Error("invalid sweep schedule, using interval", "schedule", c.schedule, "error", err)
	}
	c.once.Do(func() {
		c.logger.Info("aggregation coordinator started", "sweep_interval", c.interval)
	})
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("aggregation coordinator stopped")
			return
		case <-ticker.C:
			_, _ = c.Sweep(ctx)
		}
	}
}

// runCron drives sweeps from a cron schedule. Overlapping firings are skipped.
func (c *Coordinator) runCron(ctx context.Context) error {
	log := cronLogger{log: c.logger}
	scheduler := cron.New(cron.WithLogger(log), cron.WithChain(cron.SkipIfStillRunning(log)))
	if _, err := scheduler.AddFunc(c.schedule, func() { _, _ = c.Sweep(ctx) }); err != nil {
		return err
	}
	c.once.Do(func() {
		c.logger.Info("aggregation coordinator started", "sweep_cron", c.schedule)
	})
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	c.logger.Info("aggregation coordinator stopped")
	return nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (c *Coordinator) runExclusive(ctx context.Context, key domain.GroupKey) error {
	if c.lease == nil {
		return c.recompute(ctx, key)
	}
	release, ok, err := c.lease.Acquire(ctx, key)
	if err != nil {
		recordRecompute("failed", 0)
		return err
	}
	if !ok {
		recordRecompute("leased_elsewhere", 0)
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("release recompute lease failed", "type", key.Type, "priority", key.Priority, "error", err)
		}
	}()
	return c.recompute(ctx, key)
}

// recompute rescans the members of key and overwrites its aggregate. Callers
// must own key.
func (c *Coordinator) recompute(ctx context.Context, key domain.GroupKey) (err error) {
	ctx, span := tracer.Start(ctx, "aggregation.recompute", trace.WithAttributes(
		attribute.String("incident.type", key.Type),
		attribute.String("incident.priority", key.Priority),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recompute failed")
		}
		span.End()
	}()

	start := time.Now()
	if _, err := c.aggregates.GetAggregate(ctx, key); err != nil && !errors.Is(err, repository.ErrNotFound) {
		recordRecompute("failed", time.Since(start))
		return fmt.Errorf("load aggregate: %w", err)
	}
	members, err := c.incidents.ListIncidentMetricsByKey(ctx, key)
	if err != nil {
		recordRecompute("failed", time.Since(start))
		return fmt.Errorf("list incident metrics: %w", err)
	}
	aggregate := Compute(key, members, c.now())
	if err := c.aggregates.UpsertAggregate(ctx, &aggregate); err != nil {
		recordRecompute("failed", time.Since(start))
		return fmt.Errorf("persist aggregate: %w", err)
	}
	recordRecompute("ok", time.Since(start))
	span.SetAttributes(attribute.Int64("aggregate.total", aggregate.Total))
	c.logger.Debug("aggregate recomputed", "type", key.Type, "priority", key.Priority, "total", aggregate.Total)
	if c.publisher != nil {
		c.publisher.PublishAggregate(aggregate)
	}
	return nil
}

func (c *Coordinator) knownKeys(ctx context.Context) ([]domain.GroupKey, error) {
	incidentKeys, err := c.incidents.ListIncidentKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list incident keys: %w", err)
	}
	existing, err := c.aggregates.ListAggregates(ctx, domain.AggregateFilter{})
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	seen := make(map[domain.GroupKey]struct{}, len(incidentKeys)+len(existing))
	keys := make([]domain.GroupKey, 0, len(incidentKeys)+len(existing))
	add := func(key domain.GroupKey) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, key := range incidentKeys {
		add(key)
	}
	for _, a := range existing {
		add(a.Key())
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}
