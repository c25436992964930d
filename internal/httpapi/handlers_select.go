package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/selector"
)

// selectorFor resolves the path-scoped kind segment ("build-servers",
// "virt-hosts", "boards") onto its Selector instance.
func (h *handlers) selectorFor(kind string) *selector.Selector {
	switch kind {
	case "build-servers":
		return h.deps.Selectors.BuildServer
	case "virt-hosts":
		return h.deps.Selectors.VirtHost
	case "boards":
		return h.deps.Selectors.Board
	default:
		return nil
	}
}

type selectRequest struct {
	Requirements selector.Requirements
	Purpose      string
}

func (h *handlers) selectAsset(w http.ResponseWriter, r *http.Request) {
	sel := h.selectorFor(mux.Vars(r)["kind"])
	if sel == nil {
		writeError(w, apierr.Validation("kind", "must be one of build-servers, virt-hosts, boards"))
		return
	}
	var req selectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	result, err := sel.Select(r.Context(), req.Requirements, req.Purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) releaseReservation(w http.ResponseWriter, r *http.Request) {
	sel := h.selectorFor(mux.Vars(r)["kind"])
	if sel == nil {
		writeError(w, apierr.Validation("kind", "must be one of build-servers, virt-hosts, boards"))
		return
	}
	if err := sel.Release(mux.Vars(r)["reservationID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
