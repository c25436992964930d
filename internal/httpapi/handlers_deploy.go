package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/deployment"
)

func (h *handlers) deployToVirt(w http.ResponseWriter, r *http.Request) {
	var req deployment.VirtDeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	d, err := h.deps.Deployment.DeployToVirt(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *handlers) deployToBoard(w http.ResponseWriter, r *http.Request) {
	var req deployment.BoardDeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	d, err := h.deps.Deployment.DeployToBoard(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *handlers) getDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Deployment.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) listDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Deployment.List())
}

func (h *handlers) deploymentHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Deployment.History(mux.Vars(r)["id"]))
}

func (h *handlers) rollbackDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Deployment.Rollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
