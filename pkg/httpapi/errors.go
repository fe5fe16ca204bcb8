package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"relaylabs/conduit/pkg/gatewayerrors"
)

// ErrorBody is the OpenAI-compatible error envelope returned on every failure.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ErrorResponse wraps ErrorBody under the top-level "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeServer         = "server_error"

	maxErrorMessageLen = 200
)

// SanitizeError makes an error message safe to return to a client: anything mentioning a key is
// replaced wholesale with a generic message, and long messages are truncated. Credentials must
// never leave the process in an error body, even via an upstream's own echo of them.
func SanitizeError(msg string) string {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "key") {
		return "API configuration error"
	}
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen] + "..."
	}
	return msg
}

// statusFor maps a typed gateway error to the HTTP status code the frontend answers with. The
// frontend is the single translation point from error kinds to statuses; nothing below it
// writes HTTP responses.
func statusFor(err error) int {
	var (
		notFound   *gatewayerrors.ModelNotFoundError
		invalidReq *gatewayerrors.InvalidRequestError
		timeout    *gatewayerrors.TimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalidReq):
		return http.StatusBadRequest
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError serialises err into the error envelope at the status statusFor picks.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	errType := errTypeServer
	if status == http.StatusNotFound || status == http.StatusBadRequest {
		errType = errTypeInvalidRequest
	}

	msg := err.Error()
	var internal *gatewayerrors.InternalError
	if errors.As(err, &internal) {
		msg = "Internal server error"
	}

	writeErrorMessage(w, status, SanitizeError(msg), errType)
}

func writeErrorMessage(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := ErrorResponse{Error: ErrorBody{
		Message: message,
		Type:    errType,
		Code:    strconv.Itoa(status),
	}}
	if err := json.NewEncoder(w).Encode(&body); err != nil {
		slog.Debug("writing error response failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("writing JSON response failed", "error", err)
	}
}
