package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Generation-specific error codes.
const (
	ErrWorkUnitNotFound   = "WORK_UNIT_NOT_FOUND"
	ErrDuplicateDelivery  = "DUPLICATE_DELIVERY"
	ErrUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewWorkUnitNotFoundError returns a WORK_UNIT_NOT_FOUND error for the id.
func NewWorkUnitNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkUnitNotFound,
		Message: fmt.Sprintf("generation request %q not found", id),
	}
}

// NewDuplicateDeliveryError returns a DUPLICATE_DELIVERY error for an
// inbound event that was already processed.
func NewDuplicateDeliveryError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDuplicateDelivery,
		Message: fmt.Sprintf("event %q was already delivered", key),
	}
}

// NewUnknownMessageTypeError returns an UNKNOWN_MESSAGE_TYPE error.
func NewUnknownMessageTypeError(kind string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownMessageType,
		Message: fmt.Sprintf("unsupported message type %q", kind),
	}
}

// HasCode reports whether err is an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}

// IsNotFound reports whether err is a NOT_FOUND or WORK_UNIT_NOT_FOUND error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrNotFound) || HasCode(err, ErrWorkUnitNotFound)
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
