package alertapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/corerecon/internal/alert"
)

// ingestRequest is the accepted alert payload. Identity, timestamps and merge
// bookkeeping are owned by the service and cannot be set by callers.
type ingestRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Severity    string             `json:"severity"`
	Status      alert.Status       `json:"status"`
	Source      string             `json:"source"`
	Category    string             `json:"category"`
	RawEvent    map[string]any     `json:"raw_event"`
	Observables []alert.Observable `json:"observables"`
	Techniques  alert.Techniques   `json:"mitre_techniques"`
}

func (req *ingestRequest) toAlert() *alert.Alert {
	return &alert.Alert{
		Title:       req.Title,
		Description: req.Description,
		Severity:    req.Severity,
		Status:      req.Status,
		Source:      req.Source,
		Category:    req.Category,
		RawEvent:    req.RawEvent,
		Observables: req.Observables,
		Techniques:  req.Techniques,
	}
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Ingest(r.Context(), req.toAlert())
	if err != nil {
		a.writeServiceError(w, r, err, "failed to ingest alert")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("corerecon.alert.id", res.ID),
		attribute.Bool("corerecon.alert.duplicate", res.DuplicateOf != ""),
		attribute.Int("corerecon.alert.correlated", len(res.Correlated)),
	)

	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("corerecon.alert.id", id))

	al, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("corerecon.alert.status", string(al.Status)))

	writeJSON(w, http.StatusOK, al)
}
