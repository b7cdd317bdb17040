package alertapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/corerecon/internal/hub"
)

type publishRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type streamStatsResponse struct {
	Total    int            `json:"total_connections"`
	Channels map[string]int `json:"channels"`
}

func (a *API) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("corerecon.stream.channel", channel),
		attribute.String("corerecon.stream.event_type", req.Type),
	)

	d, err := a.pub.Publish(r.Context(), channel, hub.Event{Type: req.Type, Payload: req.Payload})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to publish event")
		return
	}

	span.SetAttributes(attribute.Int("corerecon.stream.delivered", d.Delivered))

	writeJSON(w, http.StatusAccepted, d)
}

func (a *API) handleStreamStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, streamStatsResponse{
		Total:    a.conns.Count(),
		Channels: a.conns.Stats(),
	})
}
