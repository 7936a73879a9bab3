package repositories

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/alimgiray/ghpulse/internal/models"
)

const jobColumns = `id, repository, job_type, mode, status, error_message, depends_on, batch_id,
	items_saved, items_updated, worker_id, started_at, completed_at, created_at, updated_at`

// errNoUpstreamCompleted fails a dependent job whose whole batch failed
var errNoUpstreamCompleted = errors.New("no job it depends on completed")

// JobRepository handles database operations for jobs
type JobRepository struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID,
		&job.Repository,
		&job.JobType,
		&job.Mode,
		&job.Status,
		&job.ErrorMessage,
		&job.DependsOn,
		&job.BatchID,
		&job.ItemsSaved,
		&job.ItemsUpdated,
		&job.WorkerID,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) queryJobs(query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Create creates a new job
func (r *JobRepository) Create(job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(query,
		job.ID,
		job.Repository,
		job.JobType,
		job.Mode,
		job.Status,
		job.ErrorMessage,
		job.DependsOn,
		job.BatchID,
		job.ItemsSaved,
		job.ItemsUpdated,
		job.WorkerID,
		job.StartedAt,
		job.CompletedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// GetByID retrieves a job by ID. A missing job returns sql.ErrNoRows.
func (r *JobRepository) GetByID(id string) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return scanJob(r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// GetRecent retrieves the newest jobs, at most limit of them
func (r *JobRepository) GetRecent(limit int) ([]*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryJobs(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
}

// GetByRepository retrieves all jobs for a repository, newest first
func (r *JobRepository) GetByRepository(repository string) ([]*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE repository = ? ORDER BY created_at DESC`, repository)
}

// GetPendingJobs retrieves all pending jobs, oldest first
func (r *JobRepository) GetPendingJobs() ([]*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, models.JobStatusPending)
}

// HasActiveJob reports whether repository has a pending or running job of jobType
func (r *JobRepository) HasActiveJob(repository string, jobType models.JobType) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM jobs
		WHERE repository = ? AND job_type = ? AND status IN (?, ?)
	`, repository, jobType, models.JobStatusPending, models.JobStatusInProgress).Scan(&count)
	return count > 0, err
}

// GetNextPendingJob retrieves the next pending job of a specific type (FIFO)
// and marks it in-progress for workerID. A job with a dependency waits until
// the dependency and every other job of its batch have finished, completed
// or failed. When none of them completed the job is failed instead of
// claimed. Returns nil when nothing is ready.
func (r *JobRepository) GetNextPendingJob(jobType models.JobType, workerID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT j.id, j.repository, j.job_type, j.mode, j.status, j.error_message, j.depends_on, j.batch_id,
		       j.items_saved, j.items_updated, j.worker_id, j.started_at, j.completed_at, j.created_at, j.updated_at
		FROM jobs j
		LEFT JOIN jobs dep ON j.depends_on = dep.id
		WHERE j.status = ? AND j.job_type = ?
		AND (j.depends_on IS NULL OR dep.status IN (?, ?))
		AND NOT EXISTS (
			SELECT 1 FROM jobs s
			WHERE j.depends_on IS NOT NULL AND s.batch_id = j.batch_id
			AND s.id != j.id AND s.status IN (?, ?)
		)
		ORDER BY j.created_at ASC
		LIMIT 1
	`

	for {
		job, err := scanJob(tx.QueryRow(query,
			models.JobStatusPending, jobType,
			models.JobStatusCompleted, models.JobStatusFailed,
			models.JobStatusPending, models.JobStatusInProgress,
		))
		if errors.Is(err, sql.ErrNoRows) {
			// Commit jobs failed by earlier iterations.
			return nil, tx.Commit()
		}
		if err != nil {
			return nil, err
		}

		ok, err := upstreamCompleted(tx, job)
		if err != nil {
			return nil, err
		}
		if !ok {
			job.MarkFailed(errNoUpstreamCompleted)
			job.UpdatedAt = time.Now()
			_, err = tx.Exec(`
				UPDATE jobs
				SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
				WHERE id = ?
			`, job.Status, job.ErrorMessage, job.CompletedAt, job.UpdatedAt, job.ID)
			if err != nil {
				return nil, err
			}
			continue
		}

		job.MarkStarted(workerID)
		job.UpdatedAt = time.Now()
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = ?, worker_id = ?, started_at = ?, updated_at = ?
			WHERE id = ?
		`, job.Status, job.WorkerID, job.StartedAt, job.UpdatedAt, job.ID)
		if err != nil {
			return nil, err
		}

		if err = tx.Commit(); err != nil {
			return nil, err
		}
		return job, nil
	}
}

// upstreamCompleted reports whether the dependency of job, or any other job
// of its batch, completed. Jobs without a dependency always pass.
func upstreamCompleted(tx *sql.Tx, job *models.Job) (bool, error) {
	if job.DependsOn == nil {
		return true, nil
	}

	var count int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM jobs
		WHERE id != ? AND status = ?
		AND (id = ? OR (batch_id IS NOT NULL AND batch_id = ?))
	`, job.ID, models.JobStatusCompleted, job.DependsOn, job.BatchID).Scan(&count)
	return count > 0, err
}

// Update updates a job
func (r *JobRepository) Update(job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE jobs
		SET status = ?, error_message = ?, depends_on = ?, items_saved = ?, items_updated = ?,
		    worker_id = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		job.Status,
		job.ErrorMessage,
		job.DependsOn,
		job.ItemsSaved,
		job.ItemsUpdated,
		job.WorkerID,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	return err
}

// FailStaleJobs marks jobs left in-progress by a previous process as failed
func (r *JobRepository) FailStaleJobs() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	res, err := r.db.Exec(`
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE status = ?
	`, models.JobStatusFailed, "interrupted", now, now, models.JobStatusInProgress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete deletes a job by ID
func (r *JobRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}
