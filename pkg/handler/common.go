// Package handler provides the HTTP read API over the query, prediction, and
// ingest services.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/stratowatch/constellation/pkg/fault"
)

// Context keys for request-scoped values
type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return uuid.New().String()
}

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes a JSON error response with an explicit kind
func WriteError(w http.ResponseWriter, status int, kind, message, correlationID string) {
	WriteJSON(w, status, ErrorResponse{
		Error:         kind,
		Message:       message,
		CorrelationID: correlationID,
	})
}

// WriteFault maps a service error onto the response contract: status and
// kind both derive from the error's fault classification.
func WriteFault(w http.ResponseWriter, err error, correlationID string) {
	WriteError(w, fault.HTTPStatus(err), fault.Kind(err), err.Error(), correlationID)
}
