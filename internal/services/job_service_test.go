package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
)

func TestCreateSyncJobsGuardsActiveRepositories(t *testing.T) {
	jobs := newTestJobService(t)
	other := models.Repository{Owner: "acme", Repo: "gadgets"}

	created, err := jobs.CreateSyncJobs([]models.Repository{testRepo}, models.SyncModeFull)
	require.NoError(t, err)
	require.Len(t, created, 1)

	created, err = jobs.CreateSyncJobs([]models.Repository{testRepo, other}, models.SyncModeIncremental)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, other.Key(), created[0].Repository)

	statsJobs, err := jobs.GetJobsByRepository(models.StatsRepository)
	require.NoError(t, err)
	require.Len(t, statsJobs, 2)
	for _, job := range statsJobs {
		assert.Equal(t, models.JobTypeStats, job.JobType)
		assert.NotNil(t, job.DependsOn)
	}

	_, err = jobs.CreateSyncJob(testRepo, models.SyncModeFull)
	assert.ErrorIs(t, err, apperr.ErrJobActive)
}

func TestStartRunAndFinish(t *testing.T) {
	jobs := newTestJobService(t)

	job, err := jobs.StartRun(testRepo.Key(), models.JobTypeSync, models.SyncModeFull, "cli")
	require.NoError(t, err)

	active, err := jobs.HasActiveJob(testRepo.Key(), models.JobTypeSync)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, jobs.Finish(job, SaveResult{Saved: 3, Updated: 2}, nil))

	got, err := jobs.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted())
	assert.Equal(t, 3, got.ItemsSaved)
	assert.Equal(t, 2, got.ItemsUpdated)

	recent, err := jobs.GetRecentJobs(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSchedulerTickEnqueuesIncrementalSyncs(t *testing.T) {
	jobs := newTestJobService(t)
	scheduler := NewSchedulerService(jobs, []models.Repository{testRepo}, time.Minute)

	assert.Equal(t, 1, scheduler.Tick())
	assert.Equal(t, 0, scheduler.Tick())

	queued, err := jobs.GetJobsByRepository(testRepo.Key())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, models.SyncModeIncremental, queued[0].Mode)
}

func TestCreateSyncJobsSharesBatchWithStatsJob(t *testing.T) {
	jobs := newTestJobService(t)
	other := models.Repository{Owner: "acme", Repo: "gadgets"}

	created, err := jobs.CreateSyncJobs([]models.Repository{testRepo, other}, models.SyncModeFull)
	require.NoError(t, err)
	require.Len(t, created, 2)
	require.NotNil(t, created[0].BatchID)
	assert.Equal(t, created[0].BatchID, created[1].BatchID)

	statsJobs, err := jobs.GetJobsByRepository(models.StatsRepository)
	require.NoError(t, err)
	require.Len(t, statsJobs, 1)
	require.NotNil(t, statsJobs[0].BatchID)
	assert.Equal(t, *created[0].BatchID, *statsJobs[0].BatchID)
	assert.Equal(t, created[1].ID, *statsJobs[0].DependsOn)
}
