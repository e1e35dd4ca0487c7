// Package httputil provides HTTP handler utilities for consistent error
// payloads, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/canopyworks/canopy/pkg/apierror"
)

// ErrorPayload is the wire shape of an error.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteAPIError maps an error to its HTTP representation. Errors that
// are not apierror values become an opaque 500: internal details never
// reach the client.
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := apierror.From(err)
	if !ok {
		apiErr = apierror.Internal("Internal server error.")
	}
	if apiErr.Status == http.StatusTooManyRequests {
		if retry, ok := apiErr.Details["retry_after_seconds"]; ok {
			if seconds, ok := retry.(int); ok && seconds > 0 {
				w.Header().Set("Retry-After", itoa(seconds))
			}
		}
	}
	writeErrorPayload(w, apiErr.Status, ErrorPayload{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}

// WriteErrorMessage writes an error with an explicit status and code.
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeErrorPayload(w, status, ErrorPayload{Code: code, Message: message})
}

func writeErrorPayload(w http.ResponseWriter, status int, payload ErrorPayload) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: payload})
}

// WriteBadRequest writes a 400 with the generic invalid-request code.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", message)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, code, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, code, message)
}

// WriteCreated writes a successful creation response (201 Created)
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK)
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
