package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the ingest token.
var ErrUnauthorized = errors.New("lifecycle ingest unauthorized")

// ErrInvalidArgument indicates the API rejected the payload.
var ErrInvalidArgument = errors.New("lifecycle ingest invalid argument")

// ErrDisabled indicates the API has HTTP ingest turned off.
var ErrDisabled = errors.New("lifecycle ingest disabled")

// Emitter posts lifecycle events to the metrics service.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewEmitter creates an emitter for the API at baseURL.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("lifecycle ingest base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit posts event and returns the outcome reported by the API.
func (e *Emitter) Emit(ctx context.Context, event Event) (string, error) {
	if e == nil {
		return "", errors.New("lifecycle emitter not initialised")
	}
	event.Kind = strings.ToLower(strings.TrimSpace(event.Kind))
	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal lifecycle event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/events/"+event.Kind, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Ingest-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send ingest request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", errorForStatus(resp)
	}
	var ack struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode ingest response: %w", err)
	}
	return ack.Outcome, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrDisabled, summary)
	default:
		return fmt.Errorf("ingest request failed: %s", summary)
	}
}
