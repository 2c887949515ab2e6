package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/urbanevents/metricas/internal/domain"
	"github.com/urbanevents/metricas/internal/repository"
	"github.com/urbanevents/metricas/internal/service/lifecycle"
	"github.com/urbanevents/metricas/internal/service/query"
	"github.com/urbanevents/metricas/internal/ws"
	"github.com/urbanevents/metricas/pkg/events"
)

// Queries is the read side served under /api/metrics.
type Queries interface {
	GetIncidentMetric(ctx context.Context, incidentID int64) (query.IncidentView, error)
	ListAggregates(ctx context.Context, incidentType, priority string) ([]query.AggregateView, error)
	Summary(ctx context.Context) (query.Summary, error)
	StatsByType(ctx context.Context) ([]query.TypeStats, error)
	ListPending(ctx context.Context) ([]query.PendingIncident, error)
}

// Lifecycle applies ingested events.
type Lifecycle interface {
	HandleCreated(ctx context.Context, ev domain.IncidentCreated) lifecycle.Outcome
	HandlePrioritized(ctx context.Context, ev domain.IncidentPrioritized) lifecycle.Outcome
	HandleNotified(ctx context.Context, ev domain.IncidentNotified) lifecycle.Outcome
	HandleChanged(ctx context.Context, ev domain.IncidentChanged) lifecycle.Outcome
}

// Sweeper recomputes every known aggregate on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options carries the router's collaborators. Nil collaborators disable the
// routes that need them.
type Options struct {
	Queries     Queries
	Lifecycle   Lifecycle
	Sweeper     Sweeper
	Hub         *ws.Hub
	IngestToken string
	Health      func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	queries     Queries
	lifecycle   Lifecycle
	sweeper     Sweeper
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	ingestToken string
	dbHealth    func(context.Context) error
	heartbeat   time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	ingestRejected     *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 15 * time.Second
	maxEventBodyBytes  = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		queries:   opts.Queries,
		lifecycle: opts.Lifecycle,
		sweeper:   opts.Sweeper,
		hub:       opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ingestToken: strings.TrimSpace(opts.IngestToken),
		dbHealth:    opts.Health,
		heartbeat:   streamHeartbeat,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/metrics/summary", r.audit("/api/metrics/summary", r.handleSummary))
	r.mux.HandleFunc("/api/metrics/aggregates", r.audit("/api/metrics/aggregates", r.handleAggregates))
	r.mux.HandleFunc("/api/metrics/types/", r.audit("/api/metrics/types/{type}", r.handleType))
	r.mux.HandleFunc("/api/metrics/incidents/", r.audit("/api/metrics/incidents/{id}", r.handleIncident))
	r.mux.HandleFunc("/api/metrics/by-type", r.audit("/api/metrics/by-type", r.handleByType))
	r.mux.HandleFunc("/api/metrics/pending", r.audit("/api/metrics/pending", r.handlePending))
	r.mux.HandleFunc("/api/metrics/recompute", r.audit("/api/metrics/recompute", r.handleRecompute))
	r.mux.HandleFunc("/events/", r.audit("/events/{kind}", r.handleEvent))
	r.mux.HandleFunc("/stream/aggregates", r.audit("/stream/aggregates", r.handleAggregateStream))
	r.mux.HandleFunc("/ws/aggregates", r.audit("/ws/aggregates", r.handleAggregateWS))
}

func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	if !r.readable(w, req) {
		return
	}
	summary, err := r.queries.Summary(req.Context())
	if err != nil {
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleAggregates(w http.ResponseWriter, req *http.Request) {
	if !r.readable(w, req) {
		return
	}
	q := req.URL.Query()
	aggregates, err := r.queries.ListAggregates(req.Context(), q.Get("type"), q.Get("priority"))
	if err != nil {
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregates)
}

func (r *Router) handleType(w http.ResponseWriter, req *http.Request) {
	if !r.readable(w, req) {
		return
	}
	incidentType := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/metrics/types/"))
	if incidentType == "" || strings.Contains(incidentType, "/") {
		r.notFound(w)
		return
	}
	aggregates, err := r.queries.ListAggregates(req.Context(), incidentType, "")
	if err != nil {
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregates)
}

func (r *Router) handleIncident(w http.ResponseWriter, req *http.Request) {
	if !r.readable(w, req) {
		return
	}
	raw := strings.TrimPrefix(req.URL.Path, "/api/metrics/incidents/")
	incidentID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || incidentID <= 0 {
		writeError(w, http.StatusBadRequest, "incident id must be a positive integer")
		return
	}
	view, err := r.queries.GetIncidentMetric(req.Context(), incidentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "incident metric not found")
			return
		}
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleByType(w http.ResponseWriter, req *http.Request) {
	if !r.readable(w, req) {
		return
	}
	stats, err := r.queries.StatsByType(req.Context())
	if err != nil {
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handlePending(w http.ResponseWriter, req *http.Request) {
	if !r.readable(w, req) {
		return
	}
	pending, err := r.queries.ListPending(req.Context())
	if err != nil {
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (r *Router) handleRecompute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyIngestToken(w, req, "recompute") {
		return
	}
	if r.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregation unavailable")
		return
	}
	recomputed, err := r.sweeper.Sweep(req.Context())
	if err != nil {
		r.storageError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recomputed": recomputed})
}

func (r *Router) handleEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	kind := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/events/")))
	if !r.verifyIngestToken(w, req, kind) {
		return
	}
	if r.lifecycle == nil {
		writeError(w, http.StatusServiceUnavailable, "lifecycle ingest unavailable")
		return
	}
	var event events.Event
	if err := decodeJSON(w, req.Body, maxEventBodyBytes, &event); err != nil {
		r.recordIngestRejected(kind, "malformed")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	event.Kind = kind
	if err := event.Validate(); err != nil {
		r.recordIngestRejected(kind, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := req.Context()
	var outcome lifecycle.Outcome
	switch kind {
	case events.KindCreated:
		outcome = r.lifecycle.HandleCreated(ctx, domain.IncidentCreated{IncidentID: event.IncidentID, Type: event.Type, CreatedAt: event.OccurredAt})
	case events.KindPrioritized:
		outcome = r.lifecycle.HandlePrioritized(ctx, domain.IncidentPrioritized{IncidentID: event.IncidentID, Priority: event.Priority, PrioritizedAt: event.OccurredAt})
	case events.KindNotified:
		outcome = r.lifecycle.HandleNotified(ctx, domain.IncidentNotified{IncidentID: event.IncidentID, Channel: event.Channel, NotifiedAt: event.OccurredAt})
	case events.KindChanged:
		outcome = r.lifecycle.HandleChanged(ctx, domain.IncidentChanged{IncidentID: event.IncidentID, NewState: event.State, ChangedAt: event.OccurredAt})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["storage"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["storage"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// verifyIngestToken checks X-Ingest-Token against the configured secret. An
// unset secret disables every token protected route.
func (r *Router) verifyIngestToken(w http.ResponseWriter, req *http.Request, kind string) bool {
	expected := r.ingestToken
	if expected == "" {
		r.recordIngestRejected(kind, "disabled")
		writeError(w, http.StatusServiceUnavailable, "lifecycle ingest disabled")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
		r.recordIngestRejected(kind, "unauthorized")
		writeError(w, http.StatusUnauthorized, "invalid ingest token")
		return false
	}
	return true
}

func (r *Router) readable(w http.ResponseWriter, req *http.Request) bool {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return false
	}
	if r.queries == nil {
		writeError(w, http.StatusServiceUnavailable, "queries unavailable")
		return false
	}
	return true
}

func (r *Router) storageError(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.Error("storage request failed", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "storage unavailable")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
