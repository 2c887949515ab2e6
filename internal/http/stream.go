package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/urbanevents/metricas/internal/ws"
)

func streamTopic(req *http.Request) string {
	if incidentType := strings.TrimSpace(req.URL.Query().Get("type")); incidentType != "" {
		return incidentType
	}
	return ws.AllTopics
}

// backfill sends the current aggregates for topic to a freshly registered client.
func (r *Router) backfill(req *http.Request, topic string, client ws.Subscriber) {
	if r.queries == nil {
		return
	}
	incidentType := topic
	if topic == ws.AllTopics {
		incidentType = ""
	}
	views, err := r.queries.ListAggregates(req.Context(), incidentType, "")
	if err != nil {
		r.logger.Warn("aggregate backfill failed", "topic", topic, "error", err)
		return
	}
	for _, view := range views {
		payload, err := ws.MarshalView(view)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return
		}
	}
}

func (r *Router) handleAggregateStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregate stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	topic := streamTopic(req)

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	sub := ws.NewFreshSubscriber(client)
	r.hub.Register(topic, sub)
	defer r.hub.Unregister(topic, sub)

	if err := client.Heartbeat(); err != nil {
		return
	}
	r.backfill(req, topic, sub)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if time.Since(client.LastActivity()) < r.heartbeat {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleAggregateWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregate stream unavailable")
		return
	}
	topic := streamTopic(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub := ws.NewFreshSubscriber(client)
	r.hub.Register(topic, sub)
	r.backfill(req, topic, sub)
	go func() {
		defer func() {
			r.hub.Unregister(topic, sub)
			client.Close()
		}()
		client.Serve(r.heartbeat)
	}()
}
