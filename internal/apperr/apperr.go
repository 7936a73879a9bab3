// Package apperr holds the error vocabulary shared by the pipeline, the CLI
// and the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
)

var (
	// ErrMissingToken means no GitHub token was configured. Exit code 2.
	ErrMissingToken = errors.New("github token is not configured")

	// ErrRateLimited means the rate limit was exhausted after all retries. Exit code 2.
	ErrRateLimited = errors.New("github rate limit exceeded")

	// ErrInvalidRepository means an owner/repo value could not be parsed.
	ErrInvalidRepository = errors.New("invalid repository")

	// ErrNotFound means the requested record or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidationFailed means stored data did not pass validation. Exit code 3.
	ErrValidationFailed = errors.New("validation failed")

	// ErrJobActive means a sync for the repository is already pending or running.
	ErrJobActive = errors.New("a sync job is already pending or in progress")
)

// StatusError is an HTTP failure that did not come from go-github
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Message)
}

// NewStatusError constructs a StatusError
func NewStatusError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

// StatusCode extracts the HTTP status carried by err, or 0 when there is none
func StatusCode(err error) int {
	if err == nil {
		return 0
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return statusOf(rateErr.Response, http.StatusForbidden)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return statusOf(abuseErr.Response, http.StatusForbidden)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		return statusOf(respErr.Response, 0)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}

	return 0
}

func statusOf(resp *http.Response, fallback int) int {
	if resp == nil {
		return fallback
	}
	return resp.StatusCode
}

// IsRetryable reports whether err is a rate-limit style failure (403 or 429)
func IsRetryable(err error) bool {
	switch StatusCode(err) {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsRateLimitMessage reports a 403 whose message mentions the rate limit
func IsRateLimitMessage(err error) bool {
	if StatusCode(err) != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// ExitCode maps an error onto the CLI process status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrRateLimited):
		return 2
	case errors.Is(err, ErrValidationFailed):
		return 3
	default:
		return 1
	}
}
