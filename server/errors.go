package server

import (
	"net/http"

	"github.com/teranos/ingestd/errors"
)

// Error codes carried in the "code" field of every error response. The lease
// client maps them back to the errors package sentinels.
const (
	CodeInvalidID         = "invalid_id"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeNotLeaseHolder    = "not_lease_holder"
	CodeNotCancelable     = "not_cancelable"
	CodeCanceled          = "canceled"
	CodeUnknownController = "unknown_controller"
	CodeClaimRefused      = "claim_refused"
	CodeInternal          = "internal"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Outcome string `json:"outcome,omitempty"` // claim refusals only
}

// classifyError maps a service error to its HTTP status and code.
// ErrInvalidID is checked before ErrInvalidRequest so a malformed id keeps
// its own code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrInvalidID):
		return http.StatusBadRequest, CodeInvalidID
	case errors.Is(err, errors.ErrUnknownController):
		return http.StatusBadRequest, CodeUnknownController
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, errors.ErrNotLeaseHolder):
		return http.StatusConflict, CodeNotLeaseHolder
	case errors.Is(err, errors.ErrCanceled):
		return http.StatusConflict, CodeCanceled
	case errors.Is(err, errors.ErrNotCancelable):
		return http.StatusConflict, CodeNotCancelable
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, CodeConflict
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
