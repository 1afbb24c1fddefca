package tabula_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
)

func TestErrorSentinels(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := tabula.NotFoundf("accounts %q", "a1")
		assert.Equal(t, `tabula: not_found: accounts "a1"`, err.Error())
		assert.True(t, errors.Is(err, tabula.ErrNotFound))
		assert.True(t, tabula.IsNotFound(err))

		// Wrapped errors keep matching.
		wrapped := fmt.Errorf("outer: %w", err)
		assert.True(t, tabula.IsNotFound(wrapped))

		// The bare sentinel matches too.
		assert.True(t, tabula.IsNotFound(tabula.ErrNotFound))

		assert.False(t, tabula.IsNotFound(errors.New("other")))
		assert.False(t, tabula.IsNotFound(nil))
	})

	t.Run("Forbidden", func(t *testing.T) {
		err := tabula.Forbiddenf("cannot delete %s", "orders")
		assert.True(t, errors.Is(err, tabula.ErrForbidden))
		assert.True(t, tabula.IsForbidden(err))
		assert.False(t, tabula.IsNotFound(err))
	})

	t.Run("TenantIsolationMatchesForbidden", func(t *testing.T) {
		err := tabula.NewError(tabula.CodeTenantIsolation, "cross tenant update")
		assert.True(t, tabula.IsForbidden(err))
		assert.True(t, errors.Is(err, tabula.ErrForbidden))
	})

	t.Run("Conflict", func(t *testing.T) {
		err := tabula.Conflictf("duplicate value for %q", "email")
		assert.True(t, errors.Is(err, tabula.ErrConflict))
		assert.True(t, tabula.IsConflict(err))
	})

	t.Run("Invalid", func(t *testing.T) {
		err := tabula.Invalidf("unknown operator %q", "~=")
		assert.True(t, errors.Is(err, tabula.ErrInvalidRequest))
		assert.True(t, tabula.IsInvalidRequest(err))
	})
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code tabula.Code
	}{
		{name: "nil", err: nil, code: ""},
		{name: "typed", err: tabula.NotFoundf("x"), code: tabula.CodeNotFound},
		{name: "wrapped typed", err: fmt.Errorf("w: %w", tabula.Forbiddenf("y")), code: tabula.CodeForbidden},
		{name: "sentinel", err: tabula.ErrConflict, code: tabula.CodeConflict},
		{name: "unclassified", err: errors.New("boom"), code: tabula.CodeInternal},
		{name: "validation", err: tabula.NewError(tabula.CodeValidation, "bad"), code: tabula.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tabula.CodeOf(tt.err))
		})
	}
}

func TestWrapError(t *testing.T) {
	t.Run("PreservesTypedErrors", func(t *testing.T) {
		orig := tabula.NotFoundf("tasks %q", "t9")
		wrapped := tabula.WrapError(tabula.CodeDatabase, orig)
		assert.Same(t, orig, wrapped)
	})

	t.Run("ClassifiesPlainErrors", func(t *testing.T) {
		cause := errors.New("connection refused")
		wrapped := tabula.WrapError(tabula.CodeDatabase, cause)
		require.NotNil(t, wrapped)
		assert.Equal(t, tabula.CodeDatabase, wrapped.Code)
		assert.ErrorIs(t, wrapped, cause)
	})
}

func TestErrorDetails(t *testing.T) {
	err := tabula.NewError(tabula.CodeValidation, "2 rules failed").
		WithDetail("fields", map[string]any{"status": "invalid transition"})
	require.NotNil(t, err.Details)
	assert.Contains(t, err.Details, "fields")
}

func TestRollbackError(t *testing.T) {
	cause := errors.New("after hook failed")
	err := &tabula.RollbackError{Cause: cause, Rollback: errors.New("tx closed")}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rollback failed")
}
