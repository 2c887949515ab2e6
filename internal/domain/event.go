package domain

import "time"

// EventKind names the four lifecycle events the processor understands.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventPrioritized EventKind = "prioritized"
	EventNotified    EventKind = "notified"
	EventChanged     EventKind = "changed"
)

// IncidentCreated is emitted when an incident is first registered.
type IncidentCreated struct {
	IncidentID int64
	Type       string
	CreatedAt  time.Time
}

// IncidentPrioritized is emitted once a priority has been assigned.
type IncidentPrioritized struct {
	IncidentID    int64
	Priority      string
	PrioritizedAt time.Time
}

// IncidentNotified is emitted after the responsible parties were notified.
type IncidentNotified struct {
	IncidentID int64
	Channel    string
	NotifiedAt time.Time
}

// IncidentChanged carries a raw state label from the upstream registry.
type IncidentChanged struct {
	IncidentID int64
	NewState   string
	ChangedAt  time.Time
}
