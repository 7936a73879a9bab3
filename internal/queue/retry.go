package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// RetryPolicy is a bounded retry loop with capped exponential backoff
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy retries 403 and 429 responses three times, backing off
// 1s, 2s, 4s and never more than a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		ShouldRetry: apperr.IsRetryable,
	}
}

// Backoff returns min(MaxDelay, BaseDelay * 2^retries)
func (p RetryPolicy) Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(retries)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Run calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. It returns the number of attempts made.
func (p RetryPolicy) Run(ctx context.Context, id string, fn func(context.Context) (any, error)) (any, int, error) {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = apperr.IsRetryable
	}

	attempts := 0
	for retries := 0; ; retries++ {
		attempts++
		value, err := fn(ctx)
		if err == nil {
			return value, attempts, nil
		}
		if !shouldRetry(err) || retries >= p.MaxRetries {
			return nil, attempts, err
		}

		backoff := p.Backoff(retries)
		logger.WithFields(logrus.Fields{
			"request_id": id,
			"attempt":    attempts,
			"backoff":    backoff.String(),
			"status":     apperr.StatusCode(err),
		}).Warn("Request rate limited, backing off")

		if err := sleep(ctx, backoff); err != nil {
			return nil, attempts, err
		}
	}
}

// QueueError is returned when an operation run through the queue fails
type QueueError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
