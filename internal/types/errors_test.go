package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorFormat(t *testing.T) {
	appErr := NewAppError(ErrCodeNotFoundStep, "step \"quiz\" is not defined", nil)
	assert.Equal(t, `not_found_step: step "quiz" is not defined`, appErr.Error())

	wrapped := NewAppError(ErrCodeUpstreamBag, "grant failed", errors.New("connection reset"))
	assert.Equal(t, "upstream_bag_unavailable: grant failed: connection reset", wrapped.Error())
}

func TestAppError_ErrorsAsThroughWrap(t *testing.T) {
	sentinel := errors.New("socket closed")
	appErr := NewAppError(ErrCodeUpstreamSlack, "post failed", sentinel)
	chain := fmt.Errorf("welcome U123: %w", appErr)

	var target *AppError
	require.True(t, errors.As(chain, &target))
	assert.Equal(t, ErrCodeUpstreamSlack, target.Code)
	assert.ErrorIs(t, chain, sentinel)
	assert.True(t, IsCode(chain, ErrCodeUpstreamSlack))
	assert.False(t, IsCode(chain, ErrCodeUpstreamBag))
	assert.False(t, IsCode(sentinel, ErrCodeUpstreamSlack))
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationWorkflow, http.StatusBadRequest},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeAuthSignatureStale, http.StatusUnauthorized},
		{ErrCodeNotFoundIdentity, http.StatusNotFound},
		{ErrCodeConflictOnboardingStarted, http.StatusConflict},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeUpstreamBag, http.StatusBadGateway},
		{ErrCodeInternalPersistence, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.code.HTTPStatus())
		})
	}
}

func TestAppError_WithDetailsDoesNotMutate(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodeValidationWorkflow, "invalid", nil, map[string]any{"file": "a.json"})
	extended := base.WithDetails(map[string]any{"step": "quiz"})

	assert.Len(t, base.Details, 1)
	assert.Equal(t, "a.json", extended.Details["file"])
	assert.Equal(t, "quiz", extended.Details["step"])
}
