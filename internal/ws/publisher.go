package ws

import (
	"encoding/json"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/service/query"
)

// PublishAggregate broadcasts a recomputed aggregate to subscribers of its type.
func (h *Hub) PublishAggregate(aggregate domain.AggregateMetric) {
	payload, err := MarshalAggregate(aggregate)
	if err != nil {
		h.log.Warn("failed to marshal aggregate", "error", err)
		return
	}
	h.Broadcast(aggregate.Type, payload)
}

// MarshalAggregate encodes an aggregate for SSE and WebSocket clients.
func MarshalAggregate(aggregate domain.AggregateMetric) ([]byte, error) {
	return MarshalView(query.NewAggregateView(aggregate))
}

// MarshalView encodes an already converted aggregate view.
func MarshalView(view query.AggregateView) ([]byte, error) {
	return json.Marshal(view)
}
