package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type ErrorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// ResultBody is the response shape for user actions such as likes and comments.
type ResultBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httputil: encode response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

// WriteFieldError reports a validation failure for one input field.
func WriteFieldError(w http.ResponseWriter, status int, field, message string) {
	WriteJSON(w, status, ErrorBody{Error: message, Field: field})
}

func WriteResult(w http.ResponseWriter, status int, success bool, message string) {
	WriteJSON(w, status, ResultBody{Success: success, Message: message})
}
