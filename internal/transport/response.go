// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the generation API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrWorkUnitNotFound:   http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrDuplicateDelivery:  http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusUnprocessableEntity,
	model.ErrUnknownMessageType: http.StatusBadRequest,
	model.ErrInternalError:      http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError is WriteError with the trace id of the request attached
// and unexpected failures logged.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
		ee = model.NewInternalError()
	}
	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	WriteError(w, &out)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
