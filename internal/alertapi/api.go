// Package alertapi exposes alert ingestion, correlation and stream publishing
// over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/correlation"
	"github.com/linnemanlabs/corerecon/internal/hub"
)

// CorrelationService defines the business operations alertapi needs.
type CorrelationService interface {
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	Ingest(ctx context.Context, a *alert.Alert) (*correlation.IngestResult, error)
	Correlate(ctx context.Context, alertID string, window time.Duration, maxResults int) ([]correlation.Result, error)
	FindDuplicate(ctx context.Context, alertID string, window time.Duration) (*alert.Alert, bool, error)
	Merge(ctx context.Context, originalID, duplicateID string) (*alert.Alert, error)
	Statistics(ctx context.Context, hours int) (*correlation.Statistics, error)
}

// Publisher sends an event to a stream channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev hub.Event) (hub.Delivery, error)
}

// ConnectionStats reports live stream subscribers.
type ConnectionStats interface {
	Stats() map[string]int
	Count() int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    CorrelationService
	pub    Publisher
	conns  ConnectionStats
}

// New creates a new API handler. pub and conns may be nil, in which case the
// stream routes are not registered.
func New(logger log.Logger, svc CorrelationService, pub Publisher, conns ConnectionStats) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("correlation service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		pub:    pub,
		conns:  conns,
	}
}

// RegisterRoutes attaches API endpoints to the router. Each middleware in mw
// wraps every /api/v1 route.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)

		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/alerts/{id}", a.handleGetAlert)

		r.Route("/correlation", func(r chi.Router) {
			r.Get("/alerts/{id}/correlated", a.handleCorrelated)
			r.Post("/alerts/{id}/find-duplicate", a.handleFindDuplicate)
			r.Post("/alerts/{original}/merge/{duplicate}", a.handleMerge)
			r.Get("/statistics", a.handleStatistics)
		})

		if a.pub != nil {
			r.Post("/streams/{channel}/events", a.handlePublishEvent)
		}
		if a.conns != nil {
			r.Get("/streams/stats", a.handleStreamStats)
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP status codes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, correlation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, correlation.ErrMergeConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, correlation.ErrInvalidAlert),
		errors.Is(err, correlation.ErrInvalidMerge),
		errors.Is(err, hub.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// intParam reads an integer query parameter, returning def when absent and
// ok=false when it is malformed or outside [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}
