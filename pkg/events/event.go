// Package events defines the lifecycle event payload accepted by the HTTP ingest
// endpoint and a client that posts it.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event kinds accepted under /events/{kind}.
const (
	KindCreated     = "created"
	KindPrioritized = "prioritized"
	KindNotified    = "notified"
	KindChanged     = "changed"
)

// Event is one lifecycle event. Only the fields relevant to Kind are read.
type Event struct {
	Kind       string    `json:"kind"`
	IncidentID int64     `json:"incident_id"`
	Type       string    `json:"type,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	State      string    `json:"state,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks that the fields required by Kind are present.
func (e Event) Validate() error {
	if e.IncidentID <= 0 {
		return errors.New("incident_id must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(e.Kind)) {
	case KindCreated:
		if strings.TrimSpace(e.Type) == "" {
			return errors.New("type required for created events")
		}
	case KindPrioritized:
		if strings.TrimSpace(e.Priority) == "" {
			return errors.New("priority required for prioritized events")
		}
	case KindNotified:
	case KindChanged:
		if strings.TrimSpace(e.State) == "" {
			return errors.New("state required for changed events")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
