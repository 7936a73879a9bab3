package repositories

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/pkg/database"
)

func newTestJobRepository(t *testing.T) *JobRepository {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobRepository(db)
}

func TestJobRepositoryCreateAndGet(t *testing.T) {
	repo := newTestJobRepository(t)

	job := models.NewSyncJob("acme/widgets", models.SyncModeIncremental)
	require.NoError(t, repo.Create(job))

	got, err := repo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", got.Repository)
	assert.Equal(t, models.JobTypeSync, got.JobType)
	assert.Equal(t, models.SyncModeIncremental, got.Mode)
	assert.True(t, got.IsPending())
	assert.Nil(t, got.WorkerID)

	_, err = repo.GetByID("nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetNextPendingJobIsFIFOAndClaims(t *testing.T) {
	repo := newTestJobRepository(t)

	first := models.NewSyncJob("acme/a", models.SyncModeFull)
	second := models.NewSyncJob("acme/b", models.SyncModeFull)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Create(first))
	require.NoError(t, repo.Create(second))

	got, err := repo.GetNextPendingJob(models.JobTypeSync, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.IsInProgress())

	stored, err := repo.GetByID(first.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsInProgress())
	require.NotNil(t, stored.WorkerID)
	assert.Equal(t, "worker-1", *stored.WorkerID)

	got, err = repo.GetNextPendingJob(models.JobTypeSync, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = repo.GetNextPendingJob(models.JobTypeSync, "worker-3")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNextPendingJobWaitsForDependency(t *testing.T) {
	repo := newTestJobRepository(t)

	sync := models.NewSyncJob("acme/a", models.SyncModeFull)
	require.NoError(t, repo.Create(sync))
	stats := models.NewJob(models.StatsRepository, models.JobTypeStats)
	stats.DependsOn = &sync.ID
	require.NoError(t, repo.Create(stats))

	got, err := repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	sync.MarkCompleted()
	sync.ItemsSaved = 12
	require.NoError(t, repo.Update(sync))

	got, err = repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stats.ID, got.ID)

	stored, err := repo.GetByID(sync.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, stored.ItemsSaved)
	assert.NotNil(t, stored.CompletedAt)
}

func TestHasActiveJob(t *testing.T) {
	repo := newTestJobRepository(t)

	job := models.NewSyncJob("acme/a", models.SyncModeFull)
	require.NoError(t, repo.Create(job))

	active, err := repo.HasActiveJob("acme/a", models.JobTypeSync)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = repo.HasActiveJob("acme/a", models.JobTypeStats)
	require.NoError(t, err)
	assert.False(t, active)

	job.MarkFailed(assert.AnError)
	require.NoError(t, repo.Update(job))

	active, err = repo.HasActiveJob("acme/a", models.JobTypeSync)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestFailStaleJobsAndRecent(t *testing.T) {
	repo := newTestJobRepository(t)

	for _, name := range []string{"acme/a", "acme/b", "acme/c"} {
		require.NoError(t, repo.Create(models.NewSyncJob(name, models.SyncModeFull)))
	}
	_, err := repo.GetNextPendingJob(models.JobTypeSync, "w")
	require.NoError(t, err)

	n, err := repo.FailStaleJobs()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := repo.GetRecent(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	pending, err := repo.GetPendingJobs()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	byRepo, err := repo.GetByRepository("acme/b")
	require.NoError(t, err)
	require.Len(t, byRepo, 1)

	require.NoError(t, repo.Delete(byRepo[0].ID))
	byRepo, err = repo.GetByRepository("acme/b")
	require.NoError(t, err)
	assert.Empty(t, byRepo)
}

func createBatch(t *testing.T, repo *JobRepository, repositories ...string) ([]*models.Job, *models.Job) {
	t.Helper()
	batchID := models.NewBatchID()
	base := time.Now()

	syncs := make([]*models.Job, 0, len(repositories))
	for i, name := range repositories {
		job := models.NewSyncJob(name, models.SyncModeIncremental)
		job.BatchID = &batchID
		job.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, repo.Create(job))
		syncs = append(syncs, job)
	}

	stats := models.NewJob(models.StatsRepository, models.JobTypeStats)
	stats.DependsOn = &syncs[len(syncs)-1].ID
	stats.BatchID = &batchID
	stats.CreatedAt = base.Add(time.Duration(len(syncs)) * time.Millisecond)
	require.NoError(t, repo.Create(stats))
	return syncs, stats
}

func finishJob(t *testing.T, repo *JobRepository, job *models.Job, runErr error) {
	t.Helper()
	if runErr != nil {
		job.MarkFailed(runErr)
	} else {
		job.MarkCompleted()
	}
	require.NoError(t, repo.Update(job))
}

func TestStatsJobRunsAfterPartialBatchFailure(t *testing.T) {
	repo := newTestJobRepository(t)
	syncs, stats := createBatch(t, repo, "acme/a", "acme/b")

	finishJob(t, repo, syncs[0], nil)

	got, err := repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	assert.Nil(t, got, "last sync still pending")

	claimed, err := repo.GetNextPendingJob(models.JobTypeSync, "sync-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, syncs[1].ID, claimed.ID)

	got, err = repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	assert.Nil(t, got, "last sync still running")

	finishJob(t, repo, claimed, assert.AnError)

	got, err = repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stats.ID, got.ID)
	assert.True(t, got.IsInProgress())

	pending, err := repo.GetPendingJobs()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStatsJobWaitsForEveryBatchSync(t *testing.T) {
	repo := newTestJobRepository(t)
	syncs, stats := createBatch(t, repo, "acme/a", "acme/b", "acme/c")

	// The dependency finishes first while earlier syncs are still queued or running.
	finishJob(t, repo, syncs[2], nil)
	syncs[0].MarkStarted("sync-1")
	require.NoError(t, repo.Update(syncs[0]))

	got, err := repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	finishJob(t, repo, syncs[0], nil)
	got, err = repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	assert.Nil(t, got, "acme/b still pending")

	finishJob(t, repo, syncs[1], assert.AnError)
	got, err = repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stats.ID, got.ID)
}

func TestStatsJobFailsWhenWholeBatchFailed(t *testing.T) {
	repo := newTestJobRepository(t)
	syncs, stats := createBatch(t, repo, "acme/a", "acme/b")
	later, laterStats := createBatch(t, repo, "acme/c")

	for _, job := range syncs {
		finishJob(t, repo, job, assert.AnError)
	}
	finishJob(t, repo, later[0], nil)

	got, err := repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, laterStats.ID, got.ID)

	failed, err := repo.GetByID(stats.ID)
	require.NoError(t, err)
	assert.True(t, failed.IsFailed())
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, errNoUpstreamCompleted.Error(), *failed.ErrorMessage)
	assert.NotNil(t, failed.CompletedAt)

	got, err = repo.GetNextPendingJob(models.JobTypeStats, "stats-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	pending, err := repo.GetPendingJobs()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
