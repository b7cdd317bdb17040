package alertapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/correlation"
)

const (
	defaultWindowMinutes = 60
	maxWindowMinutes     = 1440
	maxResultsLimit      = 100
	defaultRangeHours    = 24
	maxRangeHours        = 168
)

type correlatedResponse struct {
	AlertID           string               `json:"alert_id"`
	TimeWindowMinutes int                  `json:"time_window_minutes"`
	Correlated        []correlation.Result `json:"correlated"`
}

type duplicateResponse struct {
	AlertID          string       `json:"alert_id"`
	DuplicateFound   bool         `json:"duplicate_found"`
	DuplicateAlertID string       `json:"duplicate_alert_id,omitempty"`
	Duplicate        *alert.Alert `json:"duplicate,omitempty"`
}

func (a *API) handleCorrelated(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	minutes, ok := intParam(r, "time_window_minutes", defaultWindowMinutes, 1, maxWindowMinutes)
	if !ok {
		writeError(w, http.StatusBadRequest, "time_window_minutes must be 1..1440")
		return
	}
	limit, ok := intParam(r, "max_results", correlation.DefaultMaxResults, 1, maxResultsLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "max_results must be 1..100")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("corerecon.alert.id", id),
		attribute.Int("corerecon.window_minutes", minutes),
	)

	results, err := a.svc.Correlate(r.Context(), id, time.Duration(minutes)*time.Minute, limit)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to correlate alert")
		return
	}
	if results == nil {
		results = []correlation.Result{}
	}

	writeJSON(w, http.StatusOK, correlatedResponse{
		AlertID:           id,
		TimeWindowMinutes: minutes,
		Correlated:        results,
	})
}

func (a *API) handleFindDuplicate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	minutes, ok := intParam(r, "time_window_minutes", defaultWindowMinutes, 1, maxWindowMinutes)
	if !ok {
		writeError(w, http.StatusBadRequest, "time_window_minutes must be 1..1440")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("corerecon.alert.id", id))

	dup, found, err := a.svc.FindDuplicate(r.Context(), id, time.Duration(minutes)*time.Minute)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to find duplicate")
		return
	}

	resp := duplicateResponse{AlertID: id, DuplicateFound: found}
	if found {
		resp.DuplicateAlertID = dup.ID
		resp.Duplicate = dup
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMerge(w http.ResponseWriter, r *http.Request) {
	original := chi.URLParam(r, "original")
	duplicate := chi.URLParam(r, "duplicate")

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("corerecon.merge.original", original),
		attribute.String("corerecon.merge.duplicate", duplicate),
	)

	merged, err := a.svc.Merge(r.Context(), original, duplicate)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to merge alerts")
		return
	}

	writeJSON(w, http.StatusOK, merged)
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	hours, ok := intParam(r, "time_range_hours", defaultRangeHours, 1, maxRangeHours)
	if !ok {
		writeError(w, http.StatusBadRequest, "time_range_hours must be 1..168")
		return
	}

	st, err := a.svc.Statistics(r.Context(), hours)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to compute statistics")
		return
	}

	writeJSON(w, http.StatusOK, st)
}
