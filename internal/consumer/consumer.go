// Package consumer feeds lifecycle events from Kafka into the lifecycle processor.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/service/lifecycle"
)

const readBackoff = 500 * time.Millisecond

// Handler applies decoded lifecycle events.
type Handler interface {
	HandleCreated(ctx context.Context, ev domain.IncidentCreated) lifecycle.Outcome
	HandlePrioritized(ctx context.Context, ev domain.IncidentPrioritized) lifecycle.Outcome
	HandleNotified(ctx context.Context, ev domain.IncidentNotified) lifecycle.Outcome
	HandleChanged(ctx context.Context, ev domain.IncidentChanged) lifecycle.Outcome
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects brokers, consumer group and the topic per event kind.
type Config struct {
	Brokers []string
	GroupID string
	Topics  map[domain.EventKind]string
}

// Consumer runs one reader per topic in a shared consumer group.
type Consumer struct {
	cfg       Config
	handler   Handler
	newReader func(topic string) Reader
	logger    *slog.Logger
}

// New constructs a Consumer backed by kafka-go readers.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if handler == nil {
		return nil, errors.New("lifecycle handler required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "metricas"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{cfg: cfg, handler: handler, logger: logger.With("component", "kafka_consumer")}
	c.newReader = func(topic string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        c.cfg.Brokers,
			GroupID:        c.cfg.GroupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10_000_000,
			MaxWait:        time.Second,
			CommitInterval: 0,
		})
	}
	return c, nil
}

// Run consumes every configured topic until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for kind, topic := range c.cfg.Topics {
		if topic == "" {
			continue
		}
		kind, topic := kind, topic
		g.Go(func() error {
			return c.consume(ctx, kind, topic)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context, kind domain.EventKind, topic string) error {
	reader := c.newReader(topic)
	defer func() { _ = reader.Close() }()
	log := c.logger.With("topic", topic, "kind", string(kind))
	log.Info("kafka consumer started")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("kafka consumer stopped")
				return ctx.Err()
			}
			log.Warn("kafka read failed", "error", err)
			select {
			case <-time.After(readBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		outcome, err := c.Dispatch(ctx, kind, msg.Value)
		if err != nil {
			meta := peekMetadata(msg.Value)
			log.Warn("malformed lifecycle event dropped", "offset", msg.Offset, "partition", msg.Partition, "event_id", meta.EventID, "error", err)
		} else {
			log.Debug("lifecycle event consumed", "offset", msg.Offset, "outcome", string(outcome))
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn("kafka commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// Dispatch decodes value as an event of kind and hands it to the processor. A
// decode error means the payload was not applied.
func (c *Consumer) Dispatch(ctx context.Context, kind domain.EventKind, value []byte) (lifecycle.Outcome, error) {
	switch kind {
	case domain.EventCreated:
		ev, err := DecodeCreated(value)
		if err != nil {
			return lifecycle.OutcomeDropped, err
		}
		return c.handler.HandleCreated(ctx, ev), nil
	case domain.EventPrioritized:
		ev, err := DecodePrioritized(value)
		if err != nil {
			return lifecycle.OutcomeDropped, err
		}
		return c.handler.HandlePrioritized(ctx, ev), nil
	case domain.EventNotified:
		ev, err := DecodeNotified(value)
		if err != nil {
			return lifecycle.OutcomeDropped, err
		}
		return c.handler.HandleNotified(ctx, ev), nil
	case domain.EventChanged:
		ev, err := DecodeChanged(value)
		if err != nil {
			return lifecycle.OutcomeDropped, err
		}
		return c.handler.HandleChanged(ctx, ev), nil
	default:
		return lifecycle.OutcomeDropped, fmt.Errorf("unknown event kind %q", kind)
	}
}
