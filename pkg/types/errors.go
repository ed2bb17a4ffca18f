package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeTransientIO ErrorType = "transient_io"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeInternal    ErrorType = "internal"
)

// ScheduleError represents a structured error raised by the timeline
type ScheduleError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`

	// Conflicting is set on conflict errors
	Conflicting *ScheduledEvent `json:"conflicting_event,omitempty"`
}

// Error implements the error interface
func (e *ScheduleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ScheduleError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a caller-initiated retry may succeed
func (e *ScheduleError) Retryable() bool {
	return e.Type == ErrorTypeTransientIO || e.Type == ErrorTypeTimeout
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *ScheduleError {
	return &ScheduleError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *ScheduleError {
	return &ScheduleError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a booking overlap error naming the conflicting event
func NewConflictError(conflicting *ScheduledEvent) *ScheduleError {
	err := &ScheduleError{
		Type:        ErrorTypeConflict,
		Code:        ErrCodeConflict,
		Message:     "booking overlaps an existing active event",
		Details:     map[string]interface{}{},
		Conflicting: conflicting,
	}
	if conflicting != nil {
		err.Message = fmt.Sprintf("booking overlaps %s %s", conflicting.Kind, conflicting.ID)
		err.Details["conflicting_event_id"] = conflicting.ID
		err.Details["conflicting_kind"] = string(conflicting.Kind)
	}
	return err
}

// NewTransientError creates a retryable storage or network error
func NewTransientError(code, message string, cause error) *ScheduleError {
	return &ScheduleError{
		Type:    ErrorTypeTransientIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewTimeoutError creates a bounded-wait timeout error
func NewTimeoutError(message string, cause error) *ScheduleError {
	return &ScheduleError{
		Type:    ErrorTypeTimeout,
		Code:    ErrCodeTimeout,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *ScheduleError {
	return &ScheduleError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorTypeOf returns the type of the first ScheduleError in err's chain, or internal
func ErrorTypeOf(err error) ErrorType {
	var se *ScheduleError
	if errors.As(err, &se) {
		return se.Type
	}
	return ErrorTypeInternal
}

// IsConflict reports whether err is a booking conflict
func IsConflict(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeConflict
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeNotFound
}

// IsTransient reports whether err is a transient I/O error
func IsTransient(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeTransientIO
}

// IsTimeout reports whether err is a timeout error
func IsTimeout(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeTimeout
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	return err != nil && ErrorTypeOf(err) == ErrorTypeValidation
}

// ConflictingEvent extracts the conflicting event from a conflict error
func ConflictingEvent(err error) *ScheduledEvent {
	var se *ScheduleError
	if errors.As(err, &se) && se.Type == ErrorTypeConflict {
		return se.Conflicting
	}
	return nil
}

// HTTPStatus maps an error onto its HTTP status
func HTTPStatus(err error) int {
	switch ErrorTypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody builds the JSON body returned for err. Causes of internal errors are not exposed.
func ErrorBody(err error) map[string]interface{} {
	status := HTTPStatus(err)
	body := map[string]interface{}{
		"error":  http.StatusText(status),
		"status": status,
	}

	var se *ScheduleError
	if !errors.As(err, &se) {
		body["message"] = "internal error"
		return body
	}

	body["type"] = se.Type
	body["code"] = se.Code
	body["message"] = se.Message
	if len(se.Details) > 0 {
		body["details"] = se.Details
	}
	if se.Conflicting != nil {
		body["conflicting_event"] = se.Conflicting
	}
	if se.Retryable() {
		body["retryable"] = true
	}
	return body
}

// Common error codes
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidInterval  = "INVALID_INTERVAL"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeStorage          = "STORAGE_UNAVAILABLE"
	ErrCodeSerialization    = "SERIALIZATION_FAILURE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeCascadeFailed    = "CASCADE_FAILED"
	ErrCodeFeedUnavailable  = "FEED_UNAVAILABLE"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeWriteInFlight    = "WRITE_IN_FLIGHT"
)
