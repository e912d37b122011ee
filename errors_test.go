package kin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

func TestErrorTypes(t *testing.T) {
	t.Run("ValidationError", func(t *testing.T) {
		err := NewValidationError("CreateTask", "title", "title is required")
		assert.ErrorIs(t, err, ErrValidationFailed)
		assert.Contains(t, err.Error(), `"CreateTask"`)
		assert.Contains(t, err.Error(), `"title"`)

		plain := NewValidationError("", "", "bad input")
		assert.Equal(t, "kin: validation failed for input: bad input", plain.Error())
	})

	t.Run("NotFoundError", func(t *testing.T) {
		err := &NotFoundError{TenantID: "fam", TaskID: "t1"}
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "t1")
	})

	t.Run("ConcurrencyError unwraps the adapter conflict", func(t *testing.T) {
		cause := adapters.NewConcurrencyError(adapters.NewStreamKey("fam", "t1"), 1, 2)
		err := &ConcurrencyError{TenantID: "fam", TaskID: "t1", ExpectedVersion: 1, Attempts: 4, Cause: cause}
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		var ce *adapters.ConcurrencyError
		assert.True(t, errors.As(err, &ce))
		assert.Contains(t, err.Error(), "4 attempt(s)")
	})

	t.Run("CorruptStreamError", func(t *testing.T) {
		err := &CorruptStreamError{TenantID: "fam", TaskID: "t1", EventID: "e1", Reason: "gap", Cause: ErrUnknownEventKind}
		assert.ErrorIs(t, err, ErrCorruptStream)
		assert.ErrorIs(t, err, ErrUnknownEventKind)
		assert.Equal(t, "kin: corrupt stream fam/t1 at event e1: gap: kin: unknown event kind", err.Error())
	})

	t.Run("TransientError", func(t *testing.T) {
		cause := errors.New("throttled")
		err := NewTransientError("append", cause)
		assert.ErrorIs(t, err, ErrTransient)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("AuthorizationError", func(t *testing.T) {
		err := &AuthorizationError{TenantID: "fam", ActorID: "mallory"}
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("PanicError", func(t *testing.T) {
		err := &PanicError{CommandType: "CreateTask", Value: "boom"}
		assert.ErrorIs(t, err, ErrHandlerPanicked)
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("", "", "x"), KindValidation},
		{"multi validation", (&MultiValidationError{Errors: []*ValidationError{{Message: "x"}}}), KindValidation},
		{"empty stream key", adapters.ErrEmptyStreamKey, KindValidation},
		{"not found", &NotFoundError{}, KindNotFound},
		{"stream not found", adapters.NewStreamNotFoundError(adapters.StreamKey{}), KindNotFound},
		{"conflict", adapters.ErrConcurrencyConflict, KindConflict},
		{"wrapped conflict", fmt.Errorf("kin: append: %w", adapters.ErrConcurrencyConflict), KindConflict},
		{"corrupt", &CorruptStreamError{}, KindCorrupt},
		{"unknown kind", ErrUnknownEventKind, KindCorrupt},
		{"authorization", &AuthorizationError{}, KindUnauthorize},
		{"transient", NewTransientError("x", errors.New("y")), KindTransient},
		{"adapter transient", fmt.Errorf("%w: dropped", adapters.ErrTransient), KindTransient},
		{"gap", ErrProjectionGap, KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"other", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConcurrencyConflict))
	assert.True(t, IsRetryable(NewTransientError("x", errors.New("y"))))
	assert.False(t, IsRetryable(NewValidationError("", "", "x")))
	assert.False(t, IsRetryable(&NotFoundError{}))
	assert.False(t, IsRetryable(&AuthorizationError{}))
	assert.False(t, IsRetryable(&CorruptStreamError{}))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(NewValidationError("", "", "x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(&NotFoundError{}))
	assert.Equal(t, http.StatusConflict, HTTPStatus(&ConcurrencyError{}))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(&AuthorizationError{}))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(NewTransientError("x", errors.New("y"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(&CorruptStreamError{}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestNewClientError(t *testing.T) {
	t.Run("validation keeps its message", func(t *testing.T) {
		ce := NewClientError(NewValidationError("CreateTask", "title", "title is required"), "req-1")
		assert.Equal(t, KindValidation, ce.Kind)
		assert.Contains(t, ce.Message, "title is required")
		assert.Equal(t, "req-1", ce.CorrelationID)
		assert.False(t, ce.Retryable)
	})

	t.Run("conflict is retryable and distinct from validation", func(t *testing.T) {
		ce := NewClientError(&ConcurrencyError{TaskID: "t1"}, "req-2")
		assert.Equal(t, KindConflict, ce.Kind)
		assert.True(t, ce.Retryable)
	})

	t.Run("internal details are hidden", func(t *testing.T) {
		ce := NewClientError(&CorruptStreamError{TenantID: "fam", TaskID: "secret", Reason: "gap"}, "req-3")
		assert.Equal(t, KindCorrupt, ce.Kind)
		assert.Equal(t, "internal error", ce.Message)
		assert.NotContains(t, ce.Error(), "secret")
	})
}
