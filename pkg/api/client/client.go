// Package client reads incident metrics from the metricas HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the metricas query API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// NotFound reports whether the API answered 404.
func (e APIError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("X-Ingest-Token", strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Summary totals every aggregate.
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

// Summary fetches the cross-group summary.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	if err := c.do(ctx, http.MethodGet, "/api/metrics/summary", "", &out); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// Aggregate is one (type, priority) group. Priority is nil for the group of
// incidents without an assigned priority.
type Aggregate struct {
	Type             string    `json:"type"`
	Priority         *string   `json:"priority"`
	Total            int64     `json:"total"`
	ResolvedCount    int64     `json:"resolved_count"`
	PendingCount     int64     `json:"pending_count"`
	RejectedCount    int64     `json:"rejected_count"`
	SuccessRatePct   float64   `json:"success_rate_pct"`
	AvgResolutionSec *float64  `json:"avg_resolution_sec"`
	P50Sec           *float64  `json:"p50_sec"`
	P95Sec           *float64  `json:"p95_sec"`
	P99Sec           *float64  `json:"p99_sec"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Aggregates lists aggregates matching the optional type and priority filters.
func (c *Client) Aggregates(ctx context.Context, incidentType, priority string) ([]Aggregate, error) {
	q := url.Values{}
	if incidentType != "" {
		q.Set("type", incidentType)
	}
	if priority != "" {
		q.Set("priority", priority)
	}
	path := "/api/metrics/aggregates"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []Aggregate
	if err := c.do(ctx, http.MethodGet, path, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Incident is the per-incident metric record.
type Incident struct {
	IncidentID        int64   `json:"incident_id"`
	Type              string  `json:"type"`
	Priority          *string `json:"priority"`
	State             string  `json:"state"`
	Resolved          bool    `json:"resolved"`
	PrioritizationSec *int64  `json:"prioritization_sec"`
	NotificationSec   *int64  `json:"notification_sec"`
	ResolutionSec     *int64  `json:"resolution_sec"`
}

// Incident fetches one incident's metrics.
func (c *Client) Incident(ctx context.Context, incidentID int64) (Incident, error) {
	var out Incident
	if err := c.do(ctx, http.MethodGet, "/api/metrics/incidents/"+strconv.FormatInt(incidentID, 10), "", &out); err != nil {
		return Incident{}, err
	}
	return out, nil
}

// Recompute triggers a full sweep and returns the number of recomputed groups.
func (c *Client) Recompute(ctx context.Context, token string) (int, error) {
	var out struct {
		Recomputed int `json:"recomputed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/metrics/recompute", token, &out); err != nil {
		return 0, err
	}
	return out.Recomputed, nil
}
