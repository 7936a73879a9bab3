package workers

import (
	"context"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/internal/services"
)

// Syncer fetches one repository into the store
type Syncer interface {
	SyncRepository(ctx context.Context, repo models.Repository, mode models.SyncMode) (*services.SyncResult, error)
}

// SyncWorker handles sync jobs
type SyncWorker struct {
	*BaseWorker
	syncer Syncer
	repos  map[string]models.Repository
}

// NewSyncWorker creates a new sync worker. Jobs for a repository in repos
// sync with its configured name, category and URL.
func NewSyncWorker(workerID string, jobRepo *repositories.JobRepository, syncer Syncer, repos []models.Repository) *SyncWorker {
	byKey := make(map[string]models.Repository, len(repos))
	for _, r := range repos {
		byKey[r.Key()] = r
	}
	return &SyncWorker{
		BaseWorker: NewBaseWorker(workerID, models.JobTypeSync, jobRepo),
		syncer:     syncer,
		repos:      byKey,
	}
}

// Start begins the sync worker process
func (w *SyncWorker) Start(ctx context.Context) error {
	return w.run(ctx, w.processSyncJob)
}

func (w *SyncWorker) processSyncJob(ctx context.Context, job *models.Job) (int, int, error) {
	repo, err := w.resolve(job.Repository)
	if err != nil {
		return 0, 0, err
	}

	mode := job.Mode
	if _, ok := models.ParseSyncMode(string(mode)); !ok {
		mode = models.SyncModeIncremental
	}

	result, err := w.syncer.SyncRepository(ctx, repo, mode)
	if result == nil {
		return 0, 0, err
	}
	total := result.Total()
	return total.Saved, total.Updated, err
}

func (w *SyncWorker) resolve(key string) (models.Repository, error) {
	if repo, ok := w.repos[key]; ok {
		return repo, nil
	}
	return models.ParseRepository(key)
}
