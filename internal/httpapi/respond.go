package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bkc-labs/reward-engine/internal/errorsx"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeCreditError maps the errorsx taxonomy of spec.md §7 onto HTTP status
// codes, following the teacher's error_handler.go convention of one
// switch-on-type dispatch point rather than scattering status codes across
// every handler.
func writeCreditError(w http.ResponseWriter, err error) {
	var validation *errorsx.ValidationError
	var rateLimited *errorsx.RateLimited
	var antiBot *errorsx.AntiBotRejected
	var conflict *errorsx.Conflict
	var transient *errorsx.TransientFailure
	var internal *errorsx.Internal

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &antiBot):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &transient):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &internal):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseIDParam(r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
