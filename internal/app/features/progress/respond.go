// internal/app/features/progress/respond.go
package progress

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error from the protocol onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformed), errors.Is(err, adminauth.ErrMissing):
		return http.StatusBadRequest
	case errors.Is(err, adminauth.ErrInvalid):
		return http.StatusForbidden
	case errors.Is(err, docstore.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates err and writes it. Store failures are logged; the
// error text is returned as diagnostic detail.
func writeError(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	status := StatusFor(err)
	body := errorBody{Message: err.Error()}

	switch status {
	case http.StatusBadRequest:
		body.Error = "Bad request"
	case http.StatusForbidden:
		body.Error = "Unauthorized: invalid admin code"
	case http.StatusConflict:
		body.Error = "Conflict"
	default:
		body.Error = "Internal server error"
		switch {
		case errors.Is(err, docstore.ErrMisconfigured):
			body.Message = "Database connection is not configured"
		case errors.Is(err, docstore.ErrUnreachable):
			body.Message = "Database unreachable"
		default:
			body.Message = "Unexpected error"
		}
		body.Details = err.Error()
		log.Error("progress request failed", zap.String("op", op), zap.Error(err))
	}
	writeJSON(w, status, body)
}
