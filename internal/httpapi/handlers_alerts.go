package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/alerts"
	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
)

func (h *handlers) listActiveAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alerts.ActiveFilter{
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
		Severity:   model.Severity(strings.TrimSpace(q.Get("severity"))),
		Category:   model.AlertCategory(strings.TrimSpace(q.Get("category"))),
	}
	writeJSON(w, http.StatusOK, h.deps.Alerts.ActiveWithFilters(filter))
}

func (h *handlers) alertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	writeJSON(w, http.StatusOK, h.deps.Alerts.History(limit))
}

type ackAlertRequest struct {
	By string
}

func (h *handlers) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req ackAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	a, err := h.deps.Alerts.Acknowledge(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ackAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	a, err := h.deps.Alerts.Resolve(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type recoveryAttemptRequest struct {
	Successful bool
}

func (h *handlers) markAlertRecoveryAttempted(w http.ResponseWriter, r *http.Request) {
	var req recoveryAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	a, err := h.deps.Alerts.MarkRecoveryAttempted(r.Context(), mux.Vars(r)["id"], req.Successful)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
