package workers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/internal/services"
	"github.com/alimgiray/ghpulse/pkg/config"
	"github.com/alimgiray/ghpulse/pkg/database"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	repos map[string]models.Repository
	fail  map[string]error
}

func (f *fakeSyncer) SyncRepository(ctx context.Context, repo models.Repository, mode models.SyncMode) (*services.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, repo.Key()+":"+string(mode))
	if f.repos == nil {
		f.repos = map[string]models.Repository{}
	}
	f.repos[repo.Key()] = repo
	if err := f.fail[repo.Key()]; err != nil {
		return &services.SyncResult{Repository: repo.Key(), Mode: mode}, err
	}
	return &services.SyncResult{
		Repository: repo.Key(),
		Mode:       mode,
		PRs:        services.SaveResult{Saved: 2, Updated: 1},
		Issues:     services.SaveResult{Saved: 3},
	}, nil
}

func (f *fakeSyncer) Repository(key string) models.Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[key]
}

func (f *fakeSyncer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeStats struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeStats) Generate(ctx context.Context) (*services.StatsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return &services.StatsResult{Repositories: 1, Contributors: 4}, nil
}

func (f *fakeStats) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func newJobRepo(t *testing.T) *repositories.JobRepository {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repositories.NewJobRepository(db)
}

func fastPolling(w *BaseWorker) {
	w.PollInterval = 10 * time.Millisecond
	w.ErrorBackoff = 10 * time.Millisecond
}

func waitForStatus(t *testing.T, repo *repositories.JobRepository, id string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		got, err := repo.GetByID(id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSyncWorkerProcessesJobs(t *testing.T) {
	jobRepo := newJobRepo(t)
	syncer := &fakeSyncer{fail: map[string]error{"acme/broken": errors.New("boom")}}

	ok := models.NewSyncJob("acme/widgets", models.SyncModeFull)
	broken := models.NewSyncJob("acme/broken", models.SyncModeIncremental)
	broken.CreatedAt = ok.CreatedAt.Add(time.Millisecond)
	require.NoError(t, jobRepo.Create(ok))
	require.NoError(t, jobRepo.Create(broken))

	configured := []models.Repository{{
		Owner:    "acme",
		Repo:     "widgets",
		Name:     "Widgets",
		Category: "core",
		URL:      "https://github.example.com/acme/widgets",
	}}
	worker := NewSyncWorker("sync-test", jobRepo, syncer, configured)
	fastPolling(worker.BaseWorker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	completed := waitForStatus(t, jobRepo, ok.ID, models.JobStatusCompleted)
	assert.Equal(t, 5, completed.ItemsSaved)
	assert.Equal(t, 1, completed.ItemsUpdated)
	require.NotNil(t, completed.WorkerID)
	assert.Equal(t, "sync-test", *completed.WorkerID)

	failed := waitForStatus(t, jobRepo, broken.ID, models.JobStatusFailed)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "boom", *failed.ErrorMessage)

	assert.Equal(t, []string{"acme/widgets:full", "acme/broken:incremental"}, syncer.Calls())
	assert.Equal(t, configured[0], syncer.Repository("acme/widgets"))
	unconfigured := syncer.Repository("acme/broken")
	assert.Equal(t, "broken", unconfigured.Name)
	assert.Empty(t, unconfigured.Category)
	assert.True(t, worker.IsRunning())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, worker.IsRunning())
}

func TestStatsWorkerWaitsForSync(t *testing.T) {
	jobRepo := newJobRepo(t)
	jobs := services.NewJobService(jobRepo)
	stats := &fakeStats{}

	created, err := jobs.CreateSyncJobs([]models.Repository{{Owner: "acme", Repo: "widgets"}}, models.SyncModeFull)
	require.NoError(t, err)
	require.Len(t, created, 1)

	worker := NewStatsWorker("stats-test", jobRepo, stats)
	fastPolling(worker.BaseWorker)
	done := make(chan error, 1)
	go func() { done <- worker.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, stats.Runs())

	syncJob := created[0]
	syncJob.MarkCompleted()
	require.NoError(t, jobRepo.Update(syncJob))

	require.Eventually(t, func() bool { return stats.Runs() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, worker.Stop())
	require.NoError(t, worker.Stop())
	assert.NoError(t, <-done)
}

func TestWorkerManagerStartsAndStops(t *testing.T) {
	jobRepo := newJobRepo(t)

	stale := models.NewSyncJob("acme/stale", models.SyncModeFull)
	stale.MarkStarted("old-process")
	require.NoError(t, jobRepo.Create(stale))

	wm := NewWorkerManager(jobRepo, &fakeSyncer{}, &fakeStats{}, nil, config.WorkersConfig{SyncWorkers: 2, StatsWorkers: 0})
	require.NoError(t, wm.StartAll())

	got, err := jobRepo.GetByID(stale.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFailed())

	require.Eventually(t, func() bool {
		status := wm.GetWorkerStatus()
		return len(status) == 3 && status["sync-1"] && status["sync-2"] && status["stats-1"]
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, wm.StopAll())
	for id, running := range wm.GetWorkerStatus() {
		assert.False(t, running, id)
	}
}
