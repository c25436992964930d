package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/buildqueue"
)

func (h *handlers) submitBuild(w http.ResponseWriter, r *http.Request) {
	var req buildqueue.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	job, err := h.deps.BuildQueue.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handlers) getBuild(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.BuildQueue.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) listBuilds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.BuildQueue.List())
}

func (h *handlers) buildQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.BuildQueue.QueueStatus())
}

func (h *handlers) cancelBuild(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.BuildQueue.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) retryBuild(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.BuildQueue.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
