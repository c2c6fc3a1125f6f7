// Package api carries the HTTP plumbing both BatVault services share:
// the error envelope, request-id propagation, per-IP rate limiting and
// Redis-backed idempotent replay.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error taxonomy codes (kinds, not Go types).
const (
	CodeValidationFailed    = "validation_failed"
	CodePolicyError         = "policy_error"
	CodeACLDenied           = "acl_denied"
	CodeDomainMismatch      = "domain_mismatch"
	CodePreconditionFailed  = "precondition_failed"
	CodeNotFound            = "not_found"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeStorageUnavailable  = "storage_unavailable"
	CodeManifestMismatch    = "manifest_mismatch"
	CodeInternal            = "internal"
)

// ErrorBody is the wire envelope for every error response.
type ErrorBody struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Details   any    `json:"details,omitempty"`
}

// WriteError renders the canonical error envelope.
func WriteError(w http.ResponseWriter, status int, code, message, requestID string) {
	WriteErrorDetails(w, status, code, message, requestID, nil)
}

// WriteErrorDetails renders the envelope with an optional details map.
func WriteErrorDetails(w http.ResponseWriter, status int, code, message, requestID string, details any) {
	body := ErrorBody{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
			Details:   details,
		},
		RequestID: requestID,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteInternal logs the cause and renders a generic 500. The error is
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, requestID string, err error) {
	slog.Error("internal server error", "request_id", requestID, "error", err)
	WriteError(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred.", requestID)
}

// WriteJSON renders a 2xx JSON body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
