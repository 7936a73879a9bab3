package services

import (
	"context"
	"time"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// SchedulerService periodically enqueues incremental syncs for the
// configured repositories
type SchedulerService struct {
	jobService *JobService
	repos      []models.Repository
	interval   time.Duration
}

// NewSchedulerService creates a scheduler. A non-positive interval disables it.
func NewSchedulerService(jobService *JobService, repos []models.Repository, interval time.Duration) *SchedulerService {
	return &SchedulerService{
		jobService: jobService,
		repos:      repos,
		interval:   interval,
	}
}

// StartScheduler runs the schedule in the background until ctx ends
func (s *SchedulerService) StartScheduler(ctx context.Context) {
	if s.interval <= 0 {
		logger.Info("Scheduler disabled")
		return
	}

	logger.WithField("interval", s.interval.String()).Info("Scheduler started")
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Tick enqueues one round of incremental syncs and returns how many were created
func (s *SchedulerService) Tick() int {
	jobs, err := s.jobService.CreateSyncJobs(s.repos, models.SyncModeIncremental)
	if err != nil {
		logger.WithError(err).Error("Error scheduling syncs")
	}
	if len(jobs) > 0 {
		logger.WithField("jobs", len(jobs)).Info("Scheduled automatic sync")
	}
	return len(jobs)
}
