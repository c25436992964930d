package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/pipeline"
)

func (h *handlers) createPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	p, err := h.deps.Pipeline.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Pipeline.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) listPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Pipeline.List())
}

func (h *handlers) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Pipeline.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retryPipelineRequest struct {
	FromStage model.StageType
}

func (h *handlers) retryPipeline(w http.ResponseWriter, r *http.Request) {
	var req retryPipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	p, err := h.deps.Pipeline.RetryFromStage(r.Context(), mux.Vars(r)["id"], req.FromStage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) pipelineStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats := h.deps.Pipeline.Stats(q.Get("repo"), q.Get("branch"))
	writeJSON(w, http.StatusOK, stats)
}

type canStartStageResponse struct {
	CanStart bool `json:"can_start"`
}

func (h *handlers) canStartPipelineStage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	canStart, err := h.deps.Pipeline.CanStartStage(vars["id"], model.StageType(vars["stage"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, canStartStageResponse{CanStart: canStart})
}
