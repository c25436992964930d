package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/labfleet/controlplane/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error onto its HTTP status via
// apierr.HTTPStatus, falling back to 500 for anything unrecognized.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
