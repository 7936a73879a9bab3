package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultErrorBackoff = 5 * time.Second
)

// Worker interface defines the contract for all workers
type Worker interface {
	// Start begins the worker process
	Start(ctx context.Context) error

	// Stop gracefully stops the worker
	Stop() error

	// GetJobType returns the type of job this worker handles
	GetJobType() models.JobType

	// GetWorkerID returns the unique identifier for this worker
	GetWorkerID() string

	// IsRunning reports whether Start is looping
	IsRunning() bool
}

// BaseWorker provides common functionality for all workers
type BaseWorker struct {
	WorkerID string
	JobType  models.JobType
	StopChan chan struct{}

	// PollInterval is the sleep between polls when no job is ready
	PollInterval time.Duration
	// ErrorBackoff is the sleep after the ledger returned an error
	ErrorBackoff time.Duration

	jobRepo  *repositories.JobRepository
	running  atomic.Bool
	stopOnce sync.Once
}

// NewBaseWorker creates a new base worker
func NewBaseWorker(workerID string, jobType models.JobType, jobRepo *repositories.JobRepository) *BaseWorker {
	return &BaseWorker{
		WorkerID:     workerID,
		JobType:      jobType,
		StopChan:     make(chan struct{}),
		PollInterval: defaultPollInterval,
		ErrorBackoff: defaultErrorBackoff,
		jobRepo:      jobRepo,
	}
}

// GetJobType returns the job type this worker handles
func (w *BaseWorker) GetJobType() models.JobType {
	return w.JobType
}

// GetWorkerID returns the worker's unique identifier
func (w *BaseWorker) GetWorkerID() string {
	return w.WorkerID
}

// Stop gracefully stops the worker
func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.StopChan) })
	return nil
}

// IsRunning checks if the worker is currently running
func (w *BaseWorker) IsRunning() bool {
	return w.running.Load()
}

// run claims jobs of the worker's type until ctx ends or Stop is called and
// hands each one to process. The returned counts and error are stored on
// the job.
func (w *BaseWorker) run(ctx context.Context, process func(context.Context, *models.Job) (int, int, error)) error {
	w.running.Store(true)
	defer w.running.Store(false)

	log := logger.WithFields(logrus.Fields{"worker": w.WorkerID, "job_type": w.JobType})
	log.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker stopping due to context cancellation")
			return ctx.Err()
		case <-w.StopChan:
			log.Info("Worker stopping")
			return nil
		default:
		}

		job, err := w.jobRepo.GetNextPendingJob(w.JobType, w.WorkerID)
		if err != nil {
			log.WithError(err).Error("Error getting job")
			w.pause(ctx, w.ErrorBackoff)
			continue
		}
		if job == nil {
			w.pause(ctx, w.PollInterval)
			continue
		}

		jobLog := log.WithFields(logrus.Fields{"job": job.ID, "repository": job.Repository})
		jobLog.Info("Processing job")

		saved, updated, runErr := process(ctx, job)
		job.ItemsSaved, job.ItemsUpdated = saved, updated
		if runErr != nil {
			jobLog.WithError(runErr).Error("Job failed")
			job.MarkFailed(runErr)
		} else {
			job.MarkCompleted()
			jobLog.WithFields(logrus.Fields{"saved": saved, "updated": updated}).Info("Job completed")
		}
		if err := w.jobRepo.Update(job); err != nil {
			jobLog.WithError(err).Error("Error updating job")
		}
	}
}

func (w *BaseWorker) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.StopChan:
	}
}
