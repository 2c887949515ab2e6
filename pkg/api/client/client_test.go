package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/metrics/summary":
			_, _ = w.Write([]byte(`{"total":3,"resolved":2,"success_rate_pct":66.67,"avg_resolution_min":11}`))
		case "/api/metrics/aggregates":
			if r.URL.Query().Get("type") != "fire" || r.URL.Query().Get("priority") != "" {
				t.Errorf("unexpected query %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"type":"fire","priority":null,"total":1},{"type":"fire","priority":"alta","total":2,"p50_sec":630}]`))
		case "/api/metrics/incidents/7":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"incident metric not found"}`))
		case "/api/metrics/recompute":
			if r.Method != http.MethodPost || r.Header.Get("X-Ingest-Token") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid ingest token"}`))
				return
			}
			_, _ = w.Write([]byte(`{"recomputed":4}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	summary, err := c.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 3 || summary.AvgResolutionMin == nil || *summary.AvgResolutionMin != 11 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	aggregates, err := c.Aggregates(ctx, "fire", "")
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if len(aggregates) != 2 || aggregates[0].Priority != nil || *aggregates[1].P50Sec != 630 {
		t.Fatalf("unexpected aggregates %+v", aggregates)
	}

	_, err = c.Incident(ctx, 7)
	var apiErr APIError
	if !errors.As(err, &apiErr) || !apiErr.NotFound() || apiErr.Message != "incident metric not found" {
		t.Fatalf("expected not found api error got %v", err)
	}

	if _, err := c.Recompute(ctx, "wrong"); err == nil {
		t.Fatal("expected unauthorized error")
	}
	n, err := c.Recompute(ctx, "secret")
	if err != nil || n != 4 {
		t.Fatalf("recompute = %d, %v", n, err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("metricas:8080/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://metricas:8080" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}
