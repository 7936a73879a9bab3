package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alimgiray/ghpulse/internal/queue"
	"github.com/alimgiray/ghpulse/internal/ratelimit"
)

// RateLimitHandler exposes the tracked quota and the request queue
type RateLimitHandler struct {
	limiter *ratelimit.Manager
	queue   *queue.Queue
}

func NewRateLimitHandler(limiter *ratelimit.Manager, q *queue.Queue) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter, queue: q}
}

// GetRateLimit returns the last known rate-limit state without calling GitHub
func (h *RateLimitHandler) GetRateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rateLimit":    h.limiter.Snapshot(),
		"optimalDelay": h.limiter.OptimalDelay().String(),
		"queue":        h.queue.Stats(),
	})
}
