package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
)

type registerAssetRequest struct {
	ID            string
	Kind          model.AssetKind
	Hostname      string
	Address       string
	CredentialRef string
	Architectures []string
	Labels        map[string]string
	GroupID       string

	BuildServer *model.BuildServerInfo
	VirtHost    *model.VirtHostInfo
	Board       *model.BoardInfo
}

// sealCredentialRef seals a plaintext credential reference before it ever
// reaches the registry, so the JSON state files on disk only ever contain
// ciphertext (SPEC_FULL.md's credential-envelope supplement). A Keyring-
// less deployment stores the reference as given.
func (h *handlers) sealCredentialRef(assetID, ref string) (string, error) {
	if ref == "" || h.deps.Keyring == nil {
		return ref, nil
	}
	return h.deps.Keyring.Seal(assetID, ref)
}

func (h *handlers) registerAsset(w http.ResponseWriter, r *http.Request) {
	var req registerAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	sealed, err := h.sealCredentialRef(req.ID, req.CredentialRef)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "credential ref could not be sealed", http.StatusBadRequest, err))
		return
	}
	asset := model.Asset{
		ID: req.ID, Kind: req.Kind, Hostname: req.Hostname, Address: req.Address,
		CredentialRef: sealed, Architectures: req.Architectures, Labels: req.Labels,
		GroupID: req.GroupID, BuildServer: req.BuildServer, VirtHost: req.VirtHost, Board: req.Board,
	}
	if err := h.deps.Registry.Register(r.Context(), asset); err != nil {
		writeError(w, err)
		return
	}
	h.deps.BuildQueue.NotifyAssetChange()
	out, _ := h.deps.Registry.Get(asset.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (h *handlers) getAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := h.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (h *handlers) listAssets(w http.ResponseWriter, r *http.Request) {
	kind := model.AssetKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	group := strings.TrimSpace(r.URL.Query().Get("group_id"))
	var out []model.Asset
	switch {
	case group != "":
		out = h.deps.Registry.ListByGroup(group)
	case kind != "":
		out = h.deps.Registry.ListByKind(kind)
	default:
		out = h.deps.Registry.All()
	}
	writeJSON(w, http.StatusOK, out)
}

type overviewResponse struct {
	TotalAssets int
	ByKind      map[model.AssetKind]int
	Maintenance int
}

// overview aggregates registry counts for the `/overview` endpoint.
func (h *handlers) overview(w http.ResponseWriter, r *http.Request) {
	assets := h.deps.Registry.All()
	out := overviewResponse{TotalAssets: len(assets), ByKind: map[model.AssetKind]int{}}
	for _, a := range assets {
		out.ByKind[a.Kind]++
		if a.Maintenance {
			out.Maintenance++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type updateAssetRequest struct {
	Maintenance   *bool
	CredentialRef *string
	Labels        map[string]string
}

func (h *handlers) updateAsset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	var sealErr error
	err := h.deps.Registry.Mutate(r.Context(), id, func(a *model.Asset) error {
		if req.Maintenance != nil {
			a.Maintenance = *req.Maintenance
		}
		if req.Labels != nil {
			a.Labels = req.Labels
		}
		if req.CredentialRef != nil {
			sealed, err := h.sealCredentialRef(id, *req.CredentialRef)
			if err != nil {
				sealErr = err
				return err
			}
			a.CredentialRef = sealed
		}
		a.UpdatedAt = time.Now()
		return nil
	})
	if sealErr != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "credential ref could not be sealed", http.StatusBadRequest, sealErr))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	out, _ := h.deps.Registry.Get(id)
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) decommissionAsset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true"
	if err := h.deps.Groups.Decommission(r.Context(), id, force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
