package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/pkg/database"
)

func seededFake() *fakeGitHub {
	fake := newFakeGitHub()
	base := date("2024-01-01T00:00:00Z")
	for i := 1; i <= 3; i++ {
		fake.openPRs = append(fake.openPRs, rawPR(i, "open", base.Add(time.Duration(i)*24*time.Hour), nil))
	}
	merged := base.Add(40 * 24 * time.Hour)
	fake.closedPRs = []map[string]any{
		rawPR(4, "closed", base.Add(30*24*time.Hour), &merged),
		rawPR(5, "closed", base.Add(31*24*time.Hour), nil),
	}
	fake.issues["open"] = []map[string]any{
		rawIssue(6, "open", base.Add(2*24*time.Hour)),
		rawIssue(7, "open", base.Add(50*24*time.Hour)),
	}
	fake.issues["closed"] = []map[string]any{
		rawIssue(8, "closed", base.Add(3*24*time.Hour)),
	}
	return fake
}

func newTestJobService(t *testing.T) *JobService {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobService(repositories.NewJobRepository(db))
}

func newTestSyncService(t *testing.T, fake *fakeGitHub, jobs *JobService) (*SyncService, *StorageService) {
	t.Helper()
	gh, manager := newTestGitHubService(t, fake)
	storage := newTestStorage(t)
	return NewSyncService(gh, storage, manager, jobs), storage
}

func TestSyncRepositoryFull(t *testing.T) {
	svc, storage := newTestSyncService(t, seededFake(), nil)

	result, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeFull)
	require.NoError(t, err)

	assert.Equal(t, models.SyncModeFull, result.Mode)
	assert.Equal(t, SaveResult{Saved: 4}, result.PRs)
	assert.Equal(t, SaveResult{Saved: 3}, result.Issues)
	assert.Equal(t, 4, result.Pages)

	entry, ok := storage.RepositoryIndex(testRepo.Key())
	require.True(t, ok)
	require.NotNil(t, entry.LastFetch)
	assert.True(t, result.StartedAt.Equal(*entry.LastFetch))
	assert.Equal(t, []int{1, 2, 3, 4}, entry.PRNumbers.Sorted())
	assert.Equal(t, []int{6, 7, 8}, entry.IssueNumbers.Sorted())
	assert.Equal(t, models.RepositoryTotals{PRs: 4, Issues: 3}, entry.Totals)

	again, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, SaveResult{Updated: 4}, again.PRs)
	assert.Equal(t, SaveResult{Updated: 3}, again.Issues)
}

func TestSyncRepositoryIncrementalFallsBackToFull(t *testing.T) {
	svc, _ := newTestSyncService(t, seededFake(), nil)

	result, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeFull, result.Mode)
	assert.Equal(t, 4, result.PRs.Saved)
}

func TestSyncRepositoryIncrementalSavesOnlyChanges(t *testing.T) {
	fake := seededFake()
	svc, storage := newTestSyncService(t, fake, nil)

	_, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeFull)
	require.NoError(t, err)

	unchanged, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeIncremental, unchanged.Mode)
	assert.Equal(t, SaveResult{}, unchanged.Total())

	fake.mu.Lock()
	fake.openPRs[0]["title"] = "retitled"
	fake.openPRs[0]["updated_at"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	fake.openPRs = append(fake.openPRs, rawPR(9, "open", date("2024-02-20T00:00:00Z"), nil))
	fake.mu.Unlock()

	changed, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, SaveResult{Saved: 1, Updated: 1}, changed.PRs)
	assert.Equal(t, SaveResult{}, changed.Issues)

	prs, err := storage.LoadPRs(testRepo.Key(), nil, nil)
	require.NoError(t, err)
	require.Len(t, prs, 5)
	for _, pr := range prs {
		if pr.Number == 1 {
			assert.Equal(t, "retitled", pr.Title)
		}
	}
}

func TestSyncRepositoryFailureKeepsLastFetch(t *testing.T) {
	fake := seededFake()
	fake.listFailures = 100
	svc, storage := newTestSyncService(t, fake, nil)

	_, err := svc.SyncRepository(context.Background(), testRepo, models.SyncModeFull)
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))

	entry, ok := storage.RepositoryIndex(testRepo.Key())
	if ok {
		assert.Nil(t, entry.LastFetch)
	}
}

func TestSyncAllIsolatesFailuresAndRecordsJobs(t *testing.T) {
	jobs := newTestJobService(t)
	svc, _ := newTestSyncService(t, seededFake(), jobs)
	missing := models.Repository{Owner: "acme", Repo: "missing"}

	summary := svc.SyncAll(context.Background(), []models.Repository{missing, testRepo}, models.SyncModeFull)

	require.Len(t, summary.Results, 1)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "acme/missing", summary.Failures[0].Repository)
	assert.False(t, summary.Stopped)

	err := summary.Err()
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrRateLimited))

	failed, err := jobs.GetJobsByRepository("acme/missing")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].IsFailed())
	require.NotNil(t, failed[0].ErrorMessage)

	done, err := jobs.GetJobsByRepository(testRepo.Key())
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.True(t, done[0].IsCompleted())
	assert.Equal(t, 7, done[0].ItemsSaved)
	assert.Equal(t, cliWorkerID, *done[0].WorkerID)
}

func TestSyncAllStopsWhenQuotaLow(t *testing.T) {
	svc, _ := newTestSyncService(t, seededFake(), nil)
	svc.minRemaining = 5000

	other := models.Repository{Owner: "acme", Repo: "gadgets"}
	third := models.Repository{Owner: "acme", Repo: "gizmos"}
	summary := svc.SyncAll(context.Background(), []models.Repository{testRepo, other, third}, models.SyncModeFull)

	assert.True(t, summary.Stopped)
	assert.Len(t, summary.Results, 1)
	assert.Equal(t, []string{"acme/gadgets", "acme/gizmos"}, summary.Skipped)
	assert.Equal(t, 4900, summary.Remaining)
	assert.NoError(t, summary.Err())
}

func TestSummaryErrReportsRateLimit(t *testing.T) {
	summary := &Summary{Failures: []SyncFailure{{
		Repository: "acme/widgets",
		Error:      "quota",
		err:        apperr.NewStatusError(429, "slow down"),
	}}}
	assert.ErrorIs(t, summary.Err(), apperr.ErrRateLimited)
}
