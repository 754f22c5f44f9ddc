package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAppError 測試錯誤的包裝與判斷
func TestAppError(t *testing.T) {
	t.Run("error message includes code", func(t *testing.T) {
		err := New(ErrCodeNotFound, "room not found")
		assert.Equal(t, "[NOT_FOUND] room not found", err.Error())
	})

	t.Run("wrap keeps cause in chain", func(t *testing.T) {
		cause := stderrors.New("dial tcp: connection refused")
		err := Wrap(cause, ErrCodeUnavailable, "load room")

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("is matches by code", func(t *testing.T) {
		err := fmt.Errorf("handler: %w", New(ErrCodeNotFound, "room not found"))
		assert.ErrorIs(t, err, New(ErrCodeNotFound, "anything"))
		assert.NotErrorIs(t, err, New(ErrCodeInternal, "anything"))
	})

	t.Run("with details", func(t *testing.T) {
		err := New(ErrCodeInvalidInput, "bad request").WithDetails("name is required")
		assert.Equal(t, "name is required", err.Details)
	})
}

// TestCodeOf 測試錯誤碼萃取
func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "direct app error", err: New(ErrCodeNotFound, "x"), want: ErrCodeNotFound},
		{name: "wrapped app error", err: fmt.Errorf("outer: %w", New(ErrCodeInvalidInput, "x")), want: ErrCodeInvalidInput},
		{name: "plain error", err: stderrors.New("boom"), want: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}
