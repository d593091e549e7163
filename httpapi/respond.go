package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/merge"
	"github.com/hazyhaar/arkiv/qcqueue"
	"github.com/hazyhaar/arkiv/shield"
	"github.com/hazyhaar/arkiv/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeErr maps sentinel errors to the documented status/code pairs.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string
	msg := err.Error()
	switch {
	case errors.Is(err, qcqueue.ErrTaskNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, archive.ErrPageNotIndexed),
		errors.Is(err, merge.ErrBatchNotFound),
		errors.Is(err, authz.ErrUserNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, qcqueue.ErrLockConflict):
		status, code = http.StatusConflict, "lock_conflict"
	case errors.Is(err, qcqueue.ErrTaskTerminal):
		status, code = http.StatusConflict, "task_terminal"
	case errors.Is(err, merge.ErrBatchNotReady):
		status, code = http.StatusConflict, "batch_not_ready"
	case errors.Is(err, qcqueue.ErrBadAction):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, authz.ErrInvalidCredentials),
		errors.Is(err, authz.ErrSessionInvalid):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, storage.ErrBackendUnavailable):
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	default:
		status, code, msg = http.StatusInternalServerError, "internal", "internal error"
		shield.GetLogger(r.Context()).Error("httpapi: request failed",
			"path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, msg)
}

// decode reads a JSON body into v. The shield MaxBody middleware already
// bounds the read.
func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
