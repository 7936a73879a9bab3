// Package ratelimit tracks GitHub's primary hourly quota and a local burst
// window, and tells callers when to hold off.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/pkg/logger"
)

// Config holds the thresholds of a Manager. All of them are tunable; the burst
// ceiling in particular approximates GitHub's undocumented secondary limits.
type Config struct {
	Limit        int
	SafetyBuffer int
	BurstLimit   int
	BurstWindow  time.Duration
	// Delays are the inter-request delays used above 50%, 20%, 10% and
	// below 10% of the primary quota remaining.
	Delays [4]time.Duration
}

// DefaultConfig returns GitHub's authenticated REST quota and the stock thresholds
func DefaultConfig() Config {
	return Config{
		Limit:        5000,
		SafetyBuffer: 100,
		BurstLimit:   300,
		BurstWindow:  time.Minute,
		Delays: [4]time.Duration{
			50 * time.Millisecond,
			200 * time.Millisecond,
			500 * time.Millisecond,
			time.Second,
		},
	}
}

// State is a point-in-time copy of the tracked limits
type State struct {
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	Used         int       `json:"used"`
	Reset        time.Time `json:"reset"`
	BurstCount   int       `json:"burstCount"`
	BurstLimit   int       `json:"burstLimit"`
	SafetyBuffer int       `json:"safetyBuffer"`
}

// Manager is safe for concurrent use
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	limit     int
	remaining int
	used      int
	reset     time.Time
	window    []time.Time

	now func() time.Time
}

// NewManager creates a manager that assumes a full quota until headers say otherwise
func NewManager(cfg Config) *Manager {
	defaults := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = defaults.Limit
	}
	if cfg.SafetyBuffer < 0 {
		cfg.SafetyBuffer = 0
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = defaults.BurstLimit
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = defaults.BurstWindow
	}

	return &Manager{
		cfg:       cfg,
		limit:     cfg.Limit,
		remaining: cfg.Limit,
		now:       time.Now,
	}
}

// UpdateFromHeaders absorbs X-RateLimit-* response headers. Missing or
// malformed values keep their previous state.
func (m *Manager) UpdateFromHeaders(h http.Header) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := headerInt(h, "X-RateLimit-Limit"); ok {
		m.limit = int(v)
	}
	if v, ok := headerInt(h, "X-RateLimit-Remaining"); ok {
		m.remaining = int(v)
	}
	if v, ok := headerInt(h, "X-RateLimit-Used"); ok {
		m.used = int(v)
	}
	if v, ok := headerInt(h, "X-RateLimit-Reset"); ok {
		m.reset = time.Unix(v, 0)
	}
}

func headerInt(h http.Header, key string) (int64, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Update sets the primary state directly, e.g. from the rate_limit endpoint
func (m *Manager) Update(limit, remaining, used int, reset time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limit = limit
	m.remaining = remaining
	m.used = used
	m.reset = reset
}

// refreshLocked restores the full quota once the reset time has passed
func (m *Manager) refreshLocked(now time.Time) {
	if m.remaining < m.limit && !m.reset.IsZero() && !now.Before(m.reset) {
		m.remaining = m.limit
		m.used = 0
	}
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.BurstWindow)
	i := 0
	for i < len(m.window) && !m.window[i].After(cutoff) {
		i++
	}
	m.window = m.window[i:]
}

// WaitIfNeeded blocks until the primary quota is strictly above the safety
// buffer and the burst window has room, then records this call in the window.
// Only a cancelled context makes it return an error.
func (m *Manager) WaitIfNeeded(ctx context.Context) error {
	for {
		m.mu.Lock()
		now := m.now()
		m.refreshLocked(now)

		if m.remaining <= m.cfg.SafetyBuffer && m.reset.After(now) {
			wait := m.reset.Sub(now)
			fields := logrus.Fields{"remaining": m.remaining, "reset": m.reset, "wait": wait.String()}
			m.mu.Unlock()

			logger.WithFields(fields).Warn("Primary rate limit nearly exhausted, waiting for reset")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		m.pruneLocked(now)
		if len(m.window) >= m.cfg.BurstLimit {
			wait := m.window[0].Add(m.cfg.BurstWindow).Sub(now)
			count := len(m.window)
			m.mu.Unlock()

			logger.WithFields(logrus.Fields{"requests": count, "wait": wait.String()}).Debug("Burst limit reached, waiting")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		m.window = append(m.window, now)
		m.mu.Unlock()
		return nil
	}
}

// OptimalDelay returns the delay to insert before the next request, growing
// as the remaining primary quota shrinks.
func (m *Manager) OptimalDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked(m.now())
	if m.limit <= 0 {
		return m.cfg.Delays[0]
	}

	ratio := float64(m.remaining) / float64(m.limit)
	switch {
	case ratio > 0.5:
		return m.cfg.Delays[0]
	case ratio > 0.2:
		return m.cfg.Delays[1]
	case ratio > 0.1:
		return m.cfg.Delays[2]
	default:
		return m.cfg.Delays[3]
	}
}

// CanMakeRequests reports whether n more requests fit above the safety buffer
func (m *Manager) CanMakeRequests(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked(m.now())
	return m.remaining >= n+m.cfg.SafetyBuffer
}

// Remaining returns the primary quota left
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	return State{
		Limit:        m.limit,
		Remaining:    m.remaining,
		Used:         m.used,
		Reset:        m.reset,
		BurstCount:   len(m.window),
		BurstLimit:   m.cfg.BurstLimit,
		SafetyBuffer: m.cfg.SafetyBuffer,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
