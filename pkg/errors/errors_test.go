package errors

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
	require.NotNil(t, err)

	assert.Equal(t, ErrCodeInvalidConfig, err.Code)
	assert.Equal(t, CategoryConfiguration, err.Category)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
	assert.False(t, err.Timestamp.IsZero())
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeMalformedLine, CategoryData},
		{ErrCodeRefreshIO, CategoryData},
		{ErrCodeNoCoverage, CategoryQuery},
		{ErrCodeUnknownSeries, CategoryQuery},
		{ErrCodeNotReady, CategoryState},
		{ErrCodeAuthorizationDenied, CategoryAuth},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, GetCategory(tt.code))
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := NewError(ErrCodeMalformedLine, "line 4: odd number of times").
		WithComponent("inventory").
		WithOperation("parse")

	assert.True(t, Is(err, ErrMalformedLine))
	assert.False(t, Is(err, ErrRefreshIO))

	wrapped := fmt.Errorf("cycle failed: %w", err)
	assert.True(t, Is(wrapped, ErrMalformedLine))
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	err := Wrap(ErrCodeRefreshIO, cause, "cannot stat inventory")

	assert.Same(t, cause, err.Unwrap())
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "REFRESH_IO")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeRefreshIO, "boom")
	assert.Equal(t, "REFRESH_IO: boom", err.Error())

	err.WithComponent("store")
	assert.Equal(t, "[store] REFRESH_IO: boom", err.Error())

	err.WithOperation("stat")
	assert.Equal(t, "[store:stat] REFRESH_IO: boom", err.Error())

	err.WithDetail("path", "/var/cache/frames.cache")
	s := err.String()
	assert.True(t, strings.HasPrefix(s, "DataFindError{"))
	assert.Contains(t, s, "frames.cache")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(ErrNotReady))
	assert.Equal(t, http.StatusForbidden, StatusOf(fmt.Errorf("x: %w", ErrDenied)))
	assert.Equal(t, http.StatusBadRequest, StatusOf(NewError(ErrCodeInvalidRequest, "bad window")))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(fmt.Errorf("plain")))
}
