package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
)

func githubError(status int, message string) error {
	return &github.ErrorResponse{
		Response: &http.Response{StatusCode: status, Request: &http.Request{Method: http.MethodGet}},
		Message:  message,
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 0},
		{"github response", githubError(http.StatusNotFound, "Not Found"), http.StatusNotFound},
		{"wrapped 429", fmt.Errorf("page 2: %w", githubError(http.StatusTooManyRequests, "slow down")), http.StatusTooManyRequests},
		{"rate limit error without response", &github.RateLimitError{}, http.StatusForbidden},
		{"abuse error", &github.AbuseRateLimitError{}, http.StatusForbidden},
		{"status error", NewStatusError(http.StatusBadGateway, "upstream"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(githubError(http.StatusForbidden, "forbidden")))
	assert.True(t, IsRetryable(NewStatusError(http.StatusTooManyRequests, "")))
	assert.False(t, IsRetryable(githubError(http.StatusInternalServerError, "oops")))
	assert.False(t, IsRetryable(errors.New("network down")))
}

func TestIsRateLimitMessage(t *testing.T) {
	assert.True(t, IsRateLimitMessage(NewStatusError(http.StatusForbidden, "API rate limit exceeded for search")))
	assert.False(t, IsRateLimitMessage(NewStatusError(http.StatusForbidden, "Resource not accessible")))
	assert.False(t, IsRateLimitMessage(NewStatusError(http.StatusTooManyRequests, "rate limit")))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("sync: %w", ErrMissingToken)))
	assert.Equal(t, 2, ExitCode(ErrRateLimited))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("%w: 2 errors", ErrValidationFailed)))
	assert.Equal(t, 1, ExitCode(errors.New("other")))
}
