package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/urbanevents/metricas/internal/domain"
)

// FreshSubscriber forwards aggregate payloads only when they are at least as
// new as the last one sent for the same group. It lets a backfill read race
// live updates without a subscriber ending on an older aggregate.
type FreshSubscriber struct {
	Subscriber
	mu   sync.Mutex
	seen map[domain.GroupKey]time.Time
}

// NewFreshSubscriber wraps sub.
func NewFreshSubscriber(sub Subscriber) *FreshSubscriber {
	return &FreshSubscriber{Subscriber: sub, seen: make(map[domain.GroupKey]time.Time)}
}

type aggregateStamp struct {
	Type      string    `json:"type"`
	Priority  *string   `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Send drops payload when an aggregate with a later updated_at was already
// sent for its group. Payloads that are not aggregates pass through.
func (f *FreshSubscriber) Send(payload []byte) error {
	var stamp aggregateStamp
	if err := json.Unmarshal(payload, &stamp); err != nil || stamp.Type == "" {
		return f.Subscriber.Send(payload)
	}
	key := domain.GroupKey{Type: stamp.Type}
	if stamp.Priority != nil {
		key.Priority = *stamp.Priority
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.seen[key]; ok && stamp.UpdatedAt.Before(last) {
		return nil
	}
	f.seen[key] = stamp.UpdatedAt
	return f.Subscriber.Send(payload)
}
