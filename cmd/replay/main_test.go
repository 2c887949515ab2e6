package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/urbanevents/metricas/pkg/events"
)

type emitterStub struct {
	sent []events.Event
	errs map[int64]error
}

func (s *emitterStub) Emit(_ context.Context, event events.Event) (string, error) {
	if err := s.errs[event.IncidentID]; err != nil {
		return "", err
	}
	s.sent = append(s.sent, event)
	if event.Kind == events.KindNotified {
		return "dropped", nil
	}
	return "applied", nil
}

const sample = `{"kind":"created","incident_id":1,"type":"fire","occurred_at":"2024-06-01T12:00:00Z"}
# comments and blank lines are skipped

{"kind":"prioritized","incident_id":1,"priority":"alta","occurred_at":"2024-06-01T12:00:30Z"}
not json
{"kind":"notified","incident_id":9,"channel":"sms"}
{"kind":"changed","incident_id":2,"state":"RESUELTO"}
`

func TestReplayPostsInOrderAndReportsFailures(t *testing.T) {
	stub := &emitterStub{errs: map[int64]error{2: fmt.Errorf("%w: unknown state", events.ErrInvalidArgument)}}
	var errOut bytes.Buffer

	result, err := replay(context.Background(), strings.NewReader(sample), stub, &errOut, false)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Sent != 3 || result.Failed != 2 {
		t.Fatalf("unexpected summary %+v", result)
	}
	if result.Outcomes["applied"] != 2 || result.Outcomes["dropped"] != 1 {
		t.Fatalf("unexpected outcomes %v", result.Outcomes)
	}
	if stub.sent[0].Kind != events.KindCreated || stub.sent[1].Priority != "alta" {
		t.Fatalf("events out of order %+v", stub.sent)
	}
	report := errOut.String()
	if !strings.Contains(report, "line 5:") || !strings.Contains(report, "line 7:") {
		t.Fatalf("expected line numbers in report %q", report)
	}
}

func TestReplayStopsOnAuthFailure(t *testing.T) {
	stub := &emitterStub{errs: map[int64]error{1: fmt.Errorf("%w: invalid ingest token", events.ErrUnauthorized)}}
	var errOut bytes.Buffer

	result, err := replay(context.Background(), strings.NewReader(sample), stub, &errOut, false)
	if !errors.Is(err, events.ErrUnauthorized) {
		t.Fatalf("expected unauthorized error got %v", err)
	}
	if result.Sent != 0 || result.Failed != 1 {
		t.Fatalf("unexpected summary %+v", result)
	}
}

func TestReplayStopOnError(t *testing.T) {
	stub := &emitterStub{}
	var errOut bytes.Buffer

	result, err := replay(context.Background(), strings.NewReader(sample), stub, &errOut, true)
	if err == nil || !strings.Contains(err.Error(), "line 5") {
		t.Fatalf("expected abort at line 5 got %v", err)
	}
	if result.Sent != 2 {
		t.Fatalf("expected 2 events before abort got %d", result.Sent)
	}
}
