package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/groups"
	"github.com/labfleet/controlplane/internal/model"
)

type createGroupRequest struct {
	Kind   model.AssetKind
	Labels map[string]string
	Policy model.AllocationPolicy
}

func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	g, err := h.deps.Groups.CreateGroup(r.Context(), req.Kind, req.Labels, req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *handlers) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.deps.Groups.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Groups.List())
}

// membersByLabels resolves ?kind=<asset-kind>&label.<key>=<value>[&label.<key2>=<value2>...]
// to the member asset ids of every group of that kind whose labels match
// all of the supplied pairs.
func (h *handlers) membersByLabels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := model.AssetKind(q.Get("kind"))
	if kind == "" {
		writeError(w, apierr.Validation("kind", "required"))
		return
	}
	labels := make(map[string]string)
	for key, vals := range q {
		const prefix = "label."
		if len(vals) == 0 || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		labels[key[len(prefix):]] = vals[0]
	}
	writeJSON(w, http.StatusOK, h.deps.Groups.MembersByLabels(kind, labels))
}

func (h *handlers) groupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Groups.Stats(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type memberRequest struct {
	AssetID string
}

func (h *handlers) addGroupMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	if err := h.deps.Groups.AddMember(r.Context(), mux.Vars(r)["id"], req.AssetID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Groups.RemoveMember(r.Context(), mux.Vars(r)["id"], mux.Vars(r)["assetID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) allocate(w http.ResponseWriter, r *http.Request) {
	var req groups.AllocateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	alloc, err := h.deps.Groups.Allocate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alloc)
}

func (h *handlers) getAllocation(w http.ResponseWriter, r *http.Request) {
	alloc, err := h.deps.Groups.GetAllocation(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (h *handlers) releaseAllocation(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Groups.Release(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
