// Package httputil provides JSON response helpers, request parsing and the
// common HTTP middleware chain.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteErrorFor maps err onto its HTTP status via errdefs.Status. Internal
// errors are reported with a generic message so driver details do not leak.
func WriteErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.Status(err)
	resp := ErrorResponse{Error: err.Error(), RequestID: contextkeys.GetRequestID(r.Context())}

	var fields errdefs.ValidationErrors
	if errors.As(err, &fields) {
		resp.Error = errdefs.ErrValidation.Error()
		resp.Details = fields
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}

	_ = WriteJSON(w, status, resp)
}
