package services

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// JobService handles job creation and management
type JobService struct {
	jobRepo *repositories.JobRepository
}

// NewJobService creates a new job service
func NewJobService(jobRepo *repositories.JobRepository) *JobService {
	return &JobService{jobRepo: jobRepo}
}

// CreateSyncJob enqueues a sync for one repository followed by a stats job
// that waits for it. A repository with an active sync is refused with
// apperr.ErrJobActive.
func (s *JobService) CreateSyncJob(repo models.Repository, mode models.SyncMode) (*models.Job, error) {
	jobs, err := s.CreateSyncJobs([]models.Repository{repo}, mode)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%s: %w", repo.Key(), apperr.ErrJobActive)
	}
	return jobs[0], nil
}

// CreateSyncJobs enqueues one sync job per repository, skipping repositories
// that already have one pending or running, and a single stats job in the
// same batch. The stats job runs once every sync of the batch has finished
// and at least one completed. It returns the sync jobs that were created.
func (s *JobService) CreateSyncJobs(repos []models.Repository, mode models.SyncMode) ([]*models.Job, error) {
	created := []*models.Job{}
	batchID := models.NewBatchID()
	for _, repo := range repos {
		hasActive, err := s.HasActiveJob(repo.Key(), models.JobTypeSync)
		if err != nil {
			return created, err
		}
		if hasActive {
			logger.WithField("repository", repo.Key()).Info("Sync already queued, skipping")
			continue
		}

		job := models.NewSyncJob(repo.Key(), mode)
		job.BatchID = &batchID
		if err := s.jobRepo.Create(job); err != nil {
			return created, fmt.Errorf("failed to create sync job for %s: %w", repo.Key(), err)
		}
		created = append(created, job)
	}

	if len(created) == 0 {
		return created, nil
	}

	stats := models.NewJob(models.StatsRepository, models.JobTypeStats)
	stats.DependsOn = &created[len(created)-1].ID
	stats.BatchID = &batchID
	if err := s.jobRepo.Create(stats); err != nil {
		return created, fmt.Errorf("failed to create stats job: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"sync_jobs": len(created),
		"mode":      mode,
	}).Info("Jobs enqueued")
	return created, nil
}

// StartRun records a job that is executed immediately by the caller rather
// than picked up by a worker.
func (s *JobService) StartRun(repository string, jobType models.JobType, mode models.SyncMode, workerID string) (*models.Job, error) {
	job := models.NewJob(repository, jobType)
	job.Mode = mode
	job.MarkStarted(workerID)
	if err := s.jobRepo.Create(job); err != nil {
		return nil, fmt.Errorf("failed to record %s job: %w", jobType, err)
	}
	return job, nil
}

// Finish stores the outcome of a job
func (s *JobService) Finish(job *models.Job, result SaveResult, runErr error) error {
	job.ItemsSaved = result.Saved
	job.ItemsUpdated = result.Updated
	if runErr != nil {
		job.MarkFailed(runErr)
	} else {
		job.MarkCompleted()
	}
	if err := s.jobRepo.Update(job); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// HasActiveJob checks if there's already a pending or in-progress job of the specified type for a repository
func (s *JobService) HasActiveJob(repository string, jobType models.JobType) (bool, error) {
	hasActive, err := s.jobRepo.HasActiveJob(repository, jobType)
	if err != nil {
		return false, fmt.Errorf("failed to check existing jobs: %w", err)
	}
	return hasActive, nil
}

// GetRecentJobs retrieves the newest jobs
func (s *JobService) GetRecentJobs(limit int) ([]*models.Job, error) {
	return s.jobRepo.GetRecent(limit)
}

// GetJobsByRepository retrieves all jobs for a repository
func (s *JobService) GetJobsByRepository(repository string) ([]*models.Job, error) {
	return s.jobRepo.GetByRepository(repository)
}

// GetJobByID retrieves a job by ID
func (s *JobService) GetJobByID(jobID string) (*models.Job, error) {
	return s.jobRepo.GetByID(jobID)
}
