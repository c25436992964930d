package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
)

func (h *handlers) getArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.deps.Artifacts.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handlers) listArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case strings.TrimSpace(q.Get("build_id")) != "":
		writeJSON(w, http.StatusOK, h.deps.Artifacts.ByBuild(q.Get("build_id")))
	case strings.TrimSpace(q.Get("commit_hash")) != "":
		writeJSON(w, http.StatusOK, h.deps.Artifacts.ByCommit(q.Get("commit_hash"), q.Get("arch")))
	case strings.TrimSpace(q.Get("branch")) != "":
		writeJSON(w, http.StatusOK, h.deps.Artifacts.Latest(q.Get("branch"), q.Get("arch")))
	default:
		writeError(w, apierr.Validation("query", "one of build_id, commit_hash, or branch is required"))
	}
}

func (h *handlers) tagArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Artifacts.Tag(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) untagArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Artifacts.Untag(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) pinArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Artifacts.Pin(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) unpinArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Artifacts.Unpin(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) verifyArtifact(w http.ResponseWriter, r *http.Request) {
	ok, err := h.deps.Artifacts.VerifyIntegrity(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"intact": ok})
}
