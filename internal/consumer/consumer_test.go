package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/service/lifecycle"
)

type recordingHandler struct {
	mu      sync.Mutex
	created []domain.IncidentCreated
	changed []domain.IncidentChanged
}

func (h *recordingHandler) HandleCreated(_ context.Context, ev domain.IncidentCreated) lifecycle.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, ev)
	return lifecycle.OutcomeApplied
}

func (h *recordingHandler) HandlePrioritized(context.Context, domain.IncidentPrioritized) lifecycle.Outcome {
	return lifecycle.OutcomeApplied
}

func (h *recordingHandler) HandleNotified(context.Context, domain.IncidentNotified) lifecycle.Outcome {
	return lifecycle.OutcomeDropped
}

func (h *recordingHandler) HandleChanged(_ context.Context, ev domain.IncidentChanged) lifecycle.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changed = append(h.changed, ev)
	return lifecycle.OutcomeApplied
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.created), len(h.changed)
}

// fakeReader replays queued results and then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []fetchResult
	committed []int64
	closed    bool
}

type fetchResult struct {
	msg kafka.Message
	err error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return next.msg, next.err
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) snapshot() ([]int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...), r.closed
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, &recordingHandler{}, quiet); err == nil {
		t.Fatal("expected brokers error")
	}
	if _, err := New(Config{Brokers: []string{"localhost:9092"}}, nil, quiet); err == nil {
		t.Fatal("expected handler error")
	}
	c, err := New(Config{Brokers: []string{"localhost:9092"}}, &recordingHandler{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.cfg.GroupID != "metricas" {
		t.Fatalf("expected default group got %q", c.cfg.GroupID)
	}
}

func TestRunDispatchesAndCommitsEveryMessage(t *testing.T) {
	created := &fakeReader{queue: []fetchResult{
		{msg: kafka.Message{Offset: 1, Value: []byte(`{"incidenciaId":1,"tipo":"fire","creadaEn":"2024-06-01T12:00:00Z"}`)}},
		{msg: kafka.Message{Offset: 2, Value: []byte(`{"metadata":{"eventId":"bad"},"tipo":"fire"}`)}},
		{err: errors.New("broker unavailable")},
		{msg: kafka.Message{Offset: 3, Value: []byte(`{"incidenciaId":2,"tipo":"flood"}`)}},
	}}
	changed := &fakeReader{queue: []fetchResult{
		{msg: kafka.Message{Offset: 10, Value: []byte(`{"incidenciaId":1,"nuevoEstado":"RESUELTO"}`)}},
	}}
	readers := map[string]*fakeReader{"incidencias.creadas": created, "incidencias.modificadas": changed}

	handler := &recordingHandler{}
	c, err := New(Config{
		Brokers: []string{"localhost:9092"},
		Topics: map[domain.EventKind]string{
			domain.EventCreated:  "incidencias.creadas",
			domain.EventChanged:  "incidencias.modificadas",
			domain.EventNotified: "",
		},
	}, handler, quiet)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.newReader = func(topic string) Reader { return readers[topic] }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		nCreated, nChanged := handler.counts()
		return nCreated == 2 && nChanged == 1
	})
	waitFor(t, time.Second, func() bool {
		offsets, _ := created.snapshot()
		return len(offsets) == 3
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	offsets, closed := created.snapshot()
	if offsets[0] != 1 || offsets[1] != 2 || offsets[2] != 3 || !closed {
		t.Fatalf("unexpected commits %v closed=%v", offsets, closed)
	}
	if _, closed := changed.snapshot(); !closed {
		t.Fatal("changed reader not closed")
	}
	if handler.changed[0].NewState != "RESUELTO" {
		t.Fatalf("unexpected changed event %+v", handler.changed[0])
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	c, _ := New(Config{Brokers: []string{"localhost:9092"}}, &recordingHandler{}, quiet)
	outcome, err := c.Dispatch(context.Background(), domain.EventKind("deleted"), []byte(`{}`))
	if err == nil || outcome != lifecycle.OutcomeDropped {
		t.Fatalf("expected dropped with error got %s %v", outcome, err)
	}
	outcome, err = c.Dispatch(context.Background(), domain.EventNotified, []byte(`{"incidenciaId":5,"canal":"sms"}`))
	if err != nil || outcome != lifecycle.OutcomeDropped {
		t.Fatalf("expected handler outcome passthrough got %s %v", outcome, err)
	}
}
