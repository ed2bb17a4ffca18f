package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheduleError_Wrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("failed to create event: %w", NewTransientError(ErrCodeStorage, "store unavailable", cause))

	assert.True(t, IsTransient(err))
	assert.False(t, IsConflict(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorTypeTransientIO, ErrorTypeOf(err))
	assert.Equal(t, ErrorTypeInternal, ErrorTypeOf(errors.New("plain")))
}

func TestNewConflictError_NamesEvent(t *testing.T) {
	surgery := &ScheduledEvent{ID: "s1", Kind: KindSurgery}
	err := NewConflictError(surgery)

	assert.True(t, IsConflict(err))
	assert.Equal(t, "s1", err.Details["conflicting_event_id"])
	assert.Equal(t, "surgery", err.Details["conflicting_kind"])
	assert.Same(t, surgery, ConflictingEvent(fmt.Errorf("wrapped: %w", err)))
	assert.Nil(t, ConflictingEvent(NewNotFoundError(ErrCodeNotFound, "gone")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{NewValidationError(ErrCodeInvalidInput, "bad", nil), http.StatusBadRequest},
		{NewNotFoundError(ErrCodeNotFound, "gone"), http.StatusNotFound},
		{NewConflictError(nil), http.StatusConflict},
		{NewTimeoutError("slow", nil), http.StatusGatewayTimeout},
		{NewTransientError(ErrCodeStorage, "down", nil), http.StatusServiceUnavailable},
		{NewInternalError(ErrCodeInternalError, "boom", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestErrorBody(t *testing.T) {
	body := ErrorBody(NewTransientError(ErrCodeStorage, "store unavailable", errors.New("secret dsn")))
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "store unavailable", body["message"])
	assert.NotContains(t, fmt.Sprint(body), "secret dsn")

	body = ErrorBody(errors.New("secret dsn"))
	assert.Equal(t, "internal error", body["message"])
	assert.Equal(t, http.StatusInternalServerError, body["status"])
}
