package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
// Field names the submission field a validation error should attach to.
func JSONError(w http.ResponseWriter, status int, code, message, field string) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{Code: code, Message: message, Field: field},
	})
}

// RenderError writes err in the canonical error shape. AppError values carry
// their own status and code; anything else renders as a generic 500.
func RenderError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, "")
		return
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", "")
}
