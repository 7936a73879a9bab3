// Package queue runs GitHub API calls with bounded concurrency, priority
// ordering and rate-limit aware retries.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priorities used by the GitHub service. Higher runs first.
const (
	PriorityDefault    = 0
	PriorityDetail     = 5
	PriorityPagination = 10
)

// ErrClosed is returned for work added to, or still pending in, a closed queue
var ErrClosed = errors.New("request queue closed")

// Limiter is the part of the rate-limit manager the queue consults
type Limiter interface {
	WaitIfNeeded(ctx context.Context) error
	OptimalDelay() time.Duration
	CanMakeRequests(n int) bool
}

// Operation is one unit of queued work
type Operation func(ctx context.Context) (any, error)

// Result is delivered exactly once per added operation
type Result struct {
	Value any
	Err   error
}

// Options configure a Queue
type Options struct {
	MaxConcurrent int
	Retry         RetryPolicy
}

// Stats is a snapshot of the queue's load
type Stats struct {
	Queued        int `json:"queued"`
	Active        int `json:"active"`
	MaxConcurrent int `json:"maxConcurrent"`
}

type entry struct {
	ctx      context.Context
	id       string
	priority int
	op       Operation
	result   chan Result
}

// Queue is a priority-ordered runner with at most MaxConcurrent operations in flight
type Queue struct {
	mu            sync.Mutex
	cond          *sync.Cond
	pending       []*entry
	active        int
	maxConcurrent int
	closed        bool

	limiter Limiter
	retry   RetryPolicy

	wg      sync.WaitGroup
	stopped chan struct{}
}

// New starts a queue and its dispatcher goroutine. Call Close to stop it.
func New(limiter Limiter, opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.Retry.MaxDelay == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	q := &Queue{
		maxConcurrent: opts.MaxConcurrent,
		limiter:       limiter,
		retry:         opts.Retry,
		stopped:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.dispatch()
	return q
}

// Add enqueues op behind every pending entry of equal or higher priority.
// An empty id gets a generated one. The returned channel receives one Result.
func (q *Queue) Add(ctx context.Context, id string, priority int, op Operation) <-chan Result {
	if id == "" {
		id = uuid.New().String()
	}
	e := &entry{ctx: ctx, id: id, priority: priority, op: op, result: make(chan Result, 1)}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		e.result <- Result{Err: ErrClosed}
		return e.result
	}

	pos := len(q.pending)
	for i, existing := range q.pending {
		if existing.priority < priority {
			pos = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = e

	q.cond.Signal()
	return e.result
}

// Do runs fn through the queue and waits for its typed result
func Do[T any](ctx context.Context, q *Queue, priority int, id string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ch := q.Add(ctx, id, priority, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Value.(T)
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SetMaxConcurrent changes the concurrency ceiling and resumes dispatching
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stats returns queued, active and ceiling counts
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.pending), Active: q.active, MaxConcurrent: q.maxConcurrent}
}

// Close rejects pending work with ErrClosed and waits for running operations
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, e := range pending {
		e.result <- Result{Err: ErrClosed}
	}

	<-q.stopped
	q.wg.Wait()
}

func (q *Queue) dispatch() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		for !q.closed && (len(q.pending) == 0 || q.active >= q.maxConcurrent) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}

		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.active++
		q.wg.Add(1)
		q.mu.Unlock()

		if err := e.ctx.Err(); err != nil {
			q.finish(e, Result{Err: &QueueError{ID: e.id, Err: err}})
			continue
		}

		if !q.limiter.CanMakeRequests(1) {
			if err := q.limiter.WaitIfNeeded(e.ctx); err != nil {
				q.finish(e, Result{Err: &QueueError{ID: e.id, Err: err}})
				continue
			}
		}

		go q.execute(e)
	}
}

func (q *Queue) execute(e *entry) {
	value, attempts, err := q.retry.Run(e.ctx, e.id, func(ctx context.Context) (any, error) {
		if err := q.limiter.WaitIfNeeded(ctx); err != nil {
			return nil, err
		}
		if err := sleep(ctx, q.limiter.OptimalDelay()); err != nil {
			return nil, err
		}
		return e.op(ctx)
	})

	if err != nil {
		q.finish(e, Result{Err: &QueueError{ID: e.id, Attempts: attempts, Err: err}})
		return
	}
	q.finish(e, Result{Value: value})
}

// finish delivers the result and frees the slot; it runs once per dispatched entry
func (q *Queue) finish(e *entry, res Result) {
	defer q.wg.Done()

	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.cond.Signal()

	e.result <- res
}
