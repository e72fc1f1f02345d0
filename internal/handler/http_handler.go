package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/enricher"
	"github.com/showfolio/analytics/internal/event"
	"github.com/showfolio/analytics/internal/metrics"
	"github.com/showfolio/analytics/internal/producer"
	"github.com/showfolio/analytics/internal/session"
	"github.com/showfolio/analytics/internal/store"
	"github.com/showfolio/analytics/internal/validation"
)

const maxBodyBytes = 64 << 10

// SessionTracker keeps live per-session counters next to the durable store.
type SessionTracker interface {
	UpdateSession(ctx context.Context, e event.AnalyticsEvent) error
	GetSession(ctx context.Context, sessionID string) (*session.Stats, error)
}

type HTTPHandler struct {
	store     store.Store
	validator *validation.Validator
	enricher  *enricher.Enricher
	publisher producer.Publisher
	sessions  SessionTracker
	query     config.QueryConfig
	now       func() time.Time
}

// Option customises an HTTPHandler.
type Option func(*HTTPHandler)

// WithPublisher fans accepted events out after they are stored.
func WithPublisher(p producer.Publisher) Option {
	return func(h *HTTPHandler) { h.publisher = p }
}

// WithSessions enables live session counters.
func WithSessions(s SessionTracker) Option {
	return func(h *HTTPHandler) { h.sessions = s }
}

// WithClock overrides the server clock used for timestamps and query windows.
func WithClock(now func() time.Time) Option {
	return func(h *HTTPHandler) { h.now = now }
}

func NewHTTPHandler(s store.Store, v *validation.Validator, e *enricher.Enricher, q config.QueryConfig, opts ...Option) *HTTPHandler {
	h := &HTTPHandler{
		store:     s,
		validator: v,
		enricher:  e,
		publisher: producer.NopPublisher{},
		query:     q,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router mounts every endpoint behind the standard middleware chain.
func (h *HTTPHandler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/loc", h.HandleLocation)

	r.Route("/analytics", func(r chi.Router) {
		r.Post("/events", h.HandleEvent)
		r.Get("/events", h.HandleQuery)
		r.Get("/events/export", h.HandleExport)
		r.Post("/heartbeat", h.HandleHeartbeat)
		r.Get("/sessions/{sessionId}", h.HandleSession)
	})

	return r
}

type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type QueryResponse struct {
	Success bool                   `json:"success"`
	Data    []event.AnalyticsEvent `json:"data"`
	Summary event.Summary          `json:"summary"`
}

// HandleEvent accepts a single tracked event. time_spent events go through
// the same upsert as heartbeats so a session/page keeps one such record.
func (h *HTTPHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	const endpoint = "events"

	var ev event.AnalyticsEvent
	if err := decodeBody(w, r, &ev); err != nil {
		metrics.EventsRejected.WithLabelValues(endpoint, "validation").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	clientIP := ClientIP(r)
	if !h.validator.CheckRateLimit(r.Context(), h.enricher.HashIP(clientIP)) {
		metrics.EventsRejected.WithLabelValues(endpoint, "rate_limit").Inc()
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if err := h.validator.Struct(&ev); err != nil {
		metrics.EventsRejected.WithLabelValues(endpoint, "validation").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev.ID = ""
	h.enricher.Enrich(&ev, r.Header.Get("User-Agent"), clientIP)
	ev.Timestamp = h.now().UTC()

	var err error
	if ev.Event == event.TypeTimeSpent {
		err = h.store.UpsertTimeSpent(r.Context(), &ev)
	} else {
		err = h.store.Insert(r.Context(), &ev)
	}
	if err != nil {
		metrics.EventsRejected.WithLabelValues(endpoint, "store").Inc()
		log.Error().Err(err).Str("session_id", ev.SessionID).Str("event", ev.Event.String()).Msg("Failed to store event")
		writeError(w, http.StatusInternalServerError, "Failed to store event")
		return
	}

	metrics.EventsAccepted.WithLabelValues(ev.Event.String()).Inc()
	h.fanOut(r.Context(), ev)

	writeJSON(w, http.StatusOK, Response{Success: true})
}

// HandleHeartbeat folds a periodic engagement snapshot into the single
// time_spent record for its (session, page, ip hash).
func (h *HTTPHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	const endpoint = "heartbeat"

	var hb event.Heartbeat
	if err := decodeBody(w, r, &hb); err != nil {
		metrics.EventsRejected.WithLabelValues(endpoint, "validation").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	clientIP := ClientIP(r)
	if !h.validator.CheckRateLimit(r.Context(), h.enricher.HashIP(clientIP)) {
		metrics.EventsRejected.WithLabelValues(endpoint, "rate_limit").Inc()
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if err := h.validator.Struct(&hb); err != nil {
		metrics.EventsRejected.WithLabelValues(endpoint, "validation").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := hb.TimeSpentEvent()
	h.enricher.Enrich(&ev, r.Header.Get("User-Agent"), clientIP)
	ev.Timestamp = h.now().UTC()

	if err := h.store.UpsertTimeSpent(r.Context(), &ev); err != nil {
		metrics.EventsRejected.WithLabelValues(endpoint, "store").Inc()
		log.Error().Err(err).Str("session_id", ev.SessionID).Str("page", ev.Page).Msg("Failed to upsert heartbeat")
		writeError(w, http.StatusInternalServerError, "Failed to store heartbeat")
		return
	}

	metrics.HeartbeatsUpserted.Inc()
	h.fanOut(r.Context(), ev)

	writeJSON(w, http.StatusOK, Response{Success: true})
}

// fanOut feeds secondary consumers. Their failures never fail the request.
func (h *HTTPHandler) fanOut(ctx context.Context, ev event.AnalyticsEvent) {
	if h.sessions != nil {
		if err := h.sessions.UpdateSession(ctx, ev); err != nil {
			log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Session counters not updated")
		}
	}
	if err := h.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Event not published")
	}
}

func (h *HTTPHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := h.parseFilter(r, h.query.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query events")
		writeError(w, http.StatusInternalServerError, "Failed to query events")
		return
	}
	if events == nil {
		events = []event.AnalyticsEvent{}
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Success: true,
		Data:    events,
		Summary: event.Summarize(events),
	})
}

func (h *HTTPHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	f, err := h.parseFilter(r, h.query.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to export events")
		writeError(w, http.StatusInternalServerError, "Failed to export events")
		return
	}
	if events == nil {
		events = []event.AnalyticsEvent{}
	}

	filename := "analytics-" + h.now().UTC().Format("2006-01-02") + "." + format
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		if err := event.WriteCSV(w, events); err != nil {
			log.Error().Err(err).Msg("Failed to write CSV export")
		}
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *HTTPHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session tracking disabled")
		return
	}

	stats, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read session")
		writeError(w, http.StatusInternalServerError, "Failed to read session")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// HandleLocation resolves the caller's coarse location. Lookup failures
// answer with the Unknown location rather than an error status.
func (h *HTTPHandler) HandleLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.enricher.Locate(ClientIP(r))
	if err != nil && !errors.Is(err, enricher.ErrNoGeoIP) {
		log.Debug().Err(err).Msg("Location lookup failed")
	}
	writeJSON(w, http.StatusOK, loc)
}

func (h *HTTPHandler) parseFilter(r *http.Request, defaultLimit int) (store.Filter, error) {
	q := r.URL.Query()

	f := store.Filter{
		Page:      q.Get("page"),
		SessionID: q.Get("sessionId"),
		Limit:     defaultLimit,
	}

	if name := q.Get("event"); name != "" {
		typ, err := event.ParseType(name)
		if err != nil {
			return f, err
		}
		f.Event = typ
	}

	days := h.query.DefaultDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("days must be a positive integer")
		}
		days = n
	}
	f.Since = h.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	if h.query.MaxLimit > 0 && f.Limit > h.query.MaxLimit {
		f.Limit = h.query.MaxLimit
	}

	return f, nil
}

// ClientIP returns the caller address without its port. Proxy headers are
// resolved once by middleware.RealIP, which rewrites RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, event.ErrUnknownType) {
			return err
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
