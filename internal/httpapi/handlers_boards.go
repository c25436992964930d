package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/transport"
)

// powerCycleBoard drives the out-of-band power controller directly,
// independent of any deployment.
func (h *handlers) powerCycleBoard(w http.ResponseWriter, r *http.Request) {
	asset, err := h.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if asset.Kind != model.KindBoard || asset.Board == nil {
		writeError(w, apierr.Validation("id", "asset is not a board"))
		return
	}
	if !asset.Board.Power.Method.Automatable() {
		writeError(w, apierr.Validation("power", "board's power method is not automatable"))
		return
	}
	result, err := h.deps.Adapters.Power.Cycle(r.Context(), asset.ID, string(asset.Board.Power.Method), asset.Board.Power.Locator, 5*time.Second)
	if err != nil {
		writeError(w, apierr.Transport("power-cycle", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// flashBoardRequest carries the firmware path a flash-station request
// flashes onto the board.
type flashBoardRequest struct {
	FirmwarePath string
	Verify       bool
}

type flashBoardResponse struct {
	OK       bool
	Bytes    int64
	Duration time.Duration
	Verified bool
}

// flashBoard drives the flash-station directly, independent of a full
// deployment.
func (h *handlers) flashBoard(w http.ResponseWriter, r *http.Request) {
	asset, err := h.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if asset.Kind != model.KindBoard || asset.Board == nil {
		writeError(w, apierr.Validation("id", "asset is not a board"))
		return
	}
	var req flashBoardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("body", err.Error()))
		return
	}
	if req.FirmwarePath == "" {
		writeError(w, apierr.Validation("firmware_path", "must not be empty"))
		return
	}

	ok, bytesWritten, duration, verified, err := h.deps.Adapters.Flash.Flash(r.Context(), asset.ID, req.FirmwarePath,
		transport.Credentials{Ref: asset.Board.FlashStationRef}, asset.Board.BoardType, req.Verify)
	if err != nil {
		writeError(w, apierr.Transport("flash", err))
		return
	}
	writeJSON(w, http.StatusOK, flashBoardResponse{OK: ok, Bytes: bytesWritten, Duration: duration, Verified: verified})
}
