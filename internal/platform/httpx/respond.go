// Package httpx provides JSON response utilities and the
// machine-readable error envelope used across the API.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ErrorPayload is the body of every error response.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends an error envelope with a machine-readable code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorEnvelope{Error: ErrorPayload{Code: code, Message: message}})
}

// ErrorDetails sends an error envelope carrying extra details, such
// as retry timing or the required role.
func ErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	JSON(w, status, errorEnvelope{Error: ErrorPayload{Code: code, Message: message, Details: details}})
}

// DecodeJSON decodes a JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}
