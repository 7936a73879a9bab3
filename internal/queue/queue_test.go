package queue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/ratelimit"
)

type openLimiter struct {
	waits atomic.Int32
}

func (l *openLimiter) WaitIfNeeded(ctx context.Context) error {
	l.waits.Add(1)
	return ctx.Err()
}

func (l *openLimiter) OptimalDelay() time.Duration { return 0 }

func (l *openLimiter) CanMakeRequests(n int) bool { return true }

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		ShouldRetry: apperr.IsRetryable,
	}
}

func newTestQueue(t *testing.T, maxConcurrent int) (*Queue, *openLimiter) {
	t.Helper()
	limiter := &openLimiter{}
	q := New(limiter, Options{MaxConcurrent: maxConcurrent, Retry: fastRetry()})
	t.Cleanup(q.Close)
	return q, limiter
}

func TestDoReturnsTypedValue(t *testing.T) {
	q, limiter := newTestQueue(t, 2)

	value, err := Do(context.Background(), q, PriorityDefault, "answer", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, int32(1), limiter.waits.Load())
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := q.Add(ctx, "blocker", PriorityDefault, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	low := q.Add(ctx, "low", PriorityDetail, record("low"))
	sameAsLow := q.Add(ctx, "low-2", PriorityDetail, record("low-2"))
	high := q.Add(ctx, "high", PriorityPagination, record("high"))
	close(release)

	for _, ch := range []<-chan Result{blocker, low, sameAsLow, high} {
		res := <-ch
		require.NoError(t, res.Err)
	}

	assert.Equal(t, []string{"high", "low", "low-2"}, order)
}

func TestRetryBoundOnTooManyRequests(t *testing.T) {
	q, _ := newTestQueue(t, 1)

	var attempts atomic.Int32
	_, err := Do(context.Background(), q, PriorityDefault, "always-429", func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, apperr.NewStatusError(http.StatusTooManyRequests, "slow down")
	})

	require.Error(t, err)
	assert.Equal(t, int32(4), attempts.Load())

	var queueErr *QueueError
	require.ErrorAs(t, err, &queueErr)
	assert.Equal(t, "always-429", queueErr.ID)
	assert.Equal(t, 4, queueErr.Attempts)
	assert.Equal(t, http.StatusTooManyRequests, apperr.StatusCode(err))
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	boom := errors.New("connection reset")

	var attempts atomic.Int32
	_, err := Do(context.Background(), q, PriorityDefault, "", func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryThenSucceed(t *testing.T) {
	q, _ := newTestQueue(t, 1)

	var attempts atomic.Int32
	value, err := Do(context.Background(), q, PriorityDefault, "flaky", func(ctx context.Context) (string, error) {
		if attempts.Add(1) < 3 {
			return "", apperr.NewStatusError(http.StatusForbidden, "secondary rate limit")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNeverExceedsMaxConcurrent(t *testing.T) {
	const maxConcurrent = 3
	q, _ := newTestQueue(t, maxConcurrent)
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var results []<-chan Result
	for i := 0; i < 20; i++ {
		results = append(results, q.Add(ctx, "", PriorityDefault, func(ctx context.Context) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		}))
	}

	for _, ch := range results {
		require.NoError(t, (<-ch).Err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrent))
	assert.Equal(t, Stats{Queued: 0, Active: 0, MaxConcurrent: maxConcurrent}, q.Stats())
}

func TestSetMaxConcurrentResumesDraining(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	op := func(ctx context.Context) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	first := q.Add(ctx, "a", PriorityDefault, op)
	second := q.Add(ctx, "b", PriorityDefault, op)
	<-started

	assert.Eventually(t, func() bool { return q.Stats().Queued == 1 }, time.Second, time.Millisecond)

	q.SetMaxConcurrent(2)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second operation did not start after raising the ceiling")
	}

	close(release)
	require.NoError(t, (<-first).Err)
	require.NoError(t, (<-second).Err)
}

func TestClosedQueueRejects(t *testing.T) {
	limiter := &openLimiter{}
	q := New(limiter, Options{MaxConcurrent: 1, Retry: fastRetry()})
	q.Close()

	res := <-q.Add(context.Background(), "late", PriorityDefault, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, res.Err, ErrClosed)
}

func TestQueueWithRateManager(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Delays = [4]time.Duration{}
	manager := ratelimit.NewManager(cfg)
	q := New(manager, Options{MaxConcurrent: 2, Retry: fastRetry()})
	defer q.Close()

	for i := 0; i < 5; i++ {
		_, err := Do(context.Background(), q, PriorityDetail, "", func(ctx context.Context) (bool, error) {
			return true, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, manager.Snapshot().BurstCount)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 32*time.Second, p.Backoff(5))
	assert.Equal(t, time.Minute, p.Backoff(6))
	assert.Equal(t, time.Minute, p.Backoff(40))
}

func TestRetryPolicyRunWithoutQueue(t *testing.T) {
	p := fastRetry()

	calls := 0
	_, attempts, err := p.Run(context.Background(), "direct", func(ctx context.Context) (any, error) {
		calls++
		return nil, apperr.NewStatusError(http.StatusForbidden, "")
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
}
