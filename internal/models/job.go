package models

import (
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of job
type JobType string

const (
	JobTypeSync  JobType = "sync"
	JobTypeStats JobType = "stats"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in-progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// SyncMode selects between a full refetch and an incremental update
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// ParseSyncMode accepts "full" and "incremental"; anything else is rejected
func ParseSyncMode(s string) (SyncMode, bool) {
	switch SyncMode(s) {
	case SyncModeFull, SyncModeIncremental:
		return SyncMode(s), true
	}
	return "", false
}

// StatsRepository is the placeholder repository of stats jobs, which always
// cover the whole store
const StatsRepository = "*"

// Job represents a background job
type Job struct {
	ID           string     `json:"id"`
	Repository   string     `json:"repository"`
	JobType      JobType    `json:"job_type"`
	Mode         SyncMode   `json:"mode,omitempty"`
	Status       JobStatus  `json:"status"`
	ErrorMessage *string    `json:"error_message"`
	DependsOn    *string    `json:"depends_on"`
	BatchID      *string    `json:"batch_id"`
	ItemsSaved   int        `json:"items_saved"`
	ItemsUpdated int        `json:"items_updated"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	WorkerID     *string    `json:"worker_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewJob creates a new Job with a generated UUID
func NewJob(repository string, jobType JobType) *Job {
	now := time.Now()
	return &Job{
		ID:         uuid.New().String(),
		Repository: repository,
		JobType:    jobType,
		Status:     JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewSyncJob creates a pending sync job for one repository
func NewSyncJob(repository string, mode SyncMode) *Job {
	job := NewJob(repository, JobTypeSync)
	job.Mode = mode
	return job
}

// NewBatchID returns an id grouping the jobs enqueued together
func NewBatchID() string {
	return uuid.New().String()
}

// IsPending checks if the job is pending
func (j *Job) IsPending() bool {
	return j.Status == JobStatusPending
}

// IsInProgress checks if the job is in progress
func (j *Job) IsInProgress() bool {
	return j.Status == JobStatusInProgress
}

// IsActive reports whether the job is pending or running
func (j *Job) IsActive() bool {
	return j.IsPending() || j.IsInProgress()
}

// IsCompleted checks if the job is completed
func (j *Job) IsCompleted() bool {
	return j.Status == JobStatusCompleted
}

// IsFailed checks if the job is failed
func (j *Job) IsFailed() bool {
	return j.Status == JobStatusFailed
}

// MarkStarted marks the job as started
func (j *Job) MarkStarted(workerID string) {
	now := time.Now()
	j.Status = JobStatusInProgress
	j.StartedAt = &now
	if workerID != "" {
		j.WorkerID = &workerID
	}
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// MarkFailed marks the job as failed and records the error
func (j *Job) MarkFailed(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	if err != nil {
		j.SetError(err.Error())
	}
}

// SetError sets an error message for the job
func (j *Job) SetError(message string) {
	j.ErrorMessage = &message
}
