package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/ratelimit"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

const (
	// syncBuffer bounds how many batches a producer may run ahead of storage
	syncBuffer = 4

	// softStopRemaining ends a multi-repository run early when the primary
	// quota drops below it
	softStopRemaining = 100

	cliWorkerID = "cli"
)

// SyncResult describes one repository sync
type SyncResult struct {
	Repository string          `json:"repository"`
	Mode       models.SyncMode `json:"mode"`
	PRs        SaveResult      `json:"prs"`
	Issues     SaveResult      `json:"issues"`
	Pages      int             `json:"pages"`
	StartedAt  time.Time       `json:"startedAt"`
	Duration   time.Duration   `json:"duration"`
}

// Total returns the combined PR and issue counts
func (r *SyncResult) Total() SaveResult {
	total := r.PRs
	total.Add(r.Issues)
	return total
}

// SyncFailure is a repository whose sync returned an error
type SyncFailure struct {
	Repository string `json:"repository"`
	Error      string `json:"error"`
	err        error
}

// Summary aggregates a SyncAll run
type Summary struct {
	Mode      models.SyncMode `json:"mode"`
	Results   []*SyncResult   `json:"results"`
	Failures  []SyncFailure   `json:"failures"`
	Skipped   []string        `json:"skipped"`
	Stopped   bool            `json:"stopped"`
	Remaining int             `json:"remaining"`
	Duration  time.Duration   `json:"duration"`
}

// Err returns nil when every repository synced. A failure caused by the
// rate limit is reported as apperr.ErrRateLimited.
func (s *Summary) Err() error {
	if len(s.Failures) == 0 {
		return nil
	}
	for _, f := range s.Failures {
		if apperr.IsRetryable(f.err) || errors.Is(f.err, apperr.ErrRateLimited) {
			return fmt.Errorf("%d of %d repositories failed: %w", len(s.Failures), len(s.Failures)+len(s.Results), apperr.ErrRateLimited)
		}
	}
	return fmt.Errorf("%d of %d repositories failed, first: %s: %s",
		len(s.Failures), len(s.Failures)+len(s.Results), s.Failures[0].Repository, s.Failures[0].Error)
}

// SyncService fetches repositories from GitHub into the store
type SyncService struct {
	github  *GitHubService
	storage *StorageService
	limiter *ratelimit.Manager
	jobs    *JobService
	now     func() time.Time

	minRemaining int
}

// NewSyncService creates a sync service. jobs may be nil, in which case
// SyncAll runs are not recorded.
func NewSyncService(github *GitHubService, storage *StorageService, limiter *ratelimit.Manager, jobs *JobService) *SyncService {
	return &SyncService{
		github:  github,
		storage: storage,
		limiter: limiter,
		jobs:    jobs,
		now:     func() time.Time { return time.Now().UTC() },

		minRemaining: softStopRemaining,
	}
}

// SyncRepository fetches one repository. A full sync refetches everything; an
// incremental sync only saves items that are new or changed since the last
// completed fetch, and becomes a full sync when there was none.
func (s *SyncService) SyncRepository(ctx context.Context, repo models.Repository, mode models.SyncMode) (*SyncResult, error) {
	key := repo.Key()
	result := &SyncResult{Repository: key, Mode: mode, StartedAt: s.now()}
	log := logger.WithFields(logrus.Fields{"repository": key, "mode": mode})

	var since *time.Time
	if mode == models.SyncModeIncremental {
		entry, ok := s.storage.RepositoryIndex(key)
		if !ok || entry.LastFetch == nil {
			log.Info("No previous fetch recorded, running full sync")
			result.Mode = models.SyncModeFull
		} else {
			since = entry.LastFetch
		}
	}
	incremental := result.Mode == models.SyncModeIncremental

	opts := FetchOptions{
		Progress: func(page, lastPage int) {
			log.WithFields(logrus.Fields{"page": page, "last_page": lastPage}).Debug("Sync progress")
		},
	}
	prOpts, issueOpts := opts, opts
	if incremental {
		prOpts.Filter = changedSince(s.storage.GetExistingItemNumbers(key, models.KindPullRequests), *since)
		issueOpts.Filter = changedSince(s.storage.GetExistingItemNumbers(key, models.KindIssues), *since)
	}

	log.WithField("since", since).Info("Sync started")

	g, gctx := errgroup.WithContext(ctx)
	prBatches := make(chan []*models.PullRequest, syncBuffer)
	issueBatches := make(chan []*models.Issue, syncBuffer)
	var prPages, issuePages int

	g.Go(func() error {
		defer close(prBatches)
		n, err := s.github.FetchOpenPRs(gctx, repo, prOpts, prBatches)
		prPages += n
		if err != nil {
			return err
		}
		n, err = s.github.FetchMergedPRs(gctx, repo, since, prOpts, prBatches)
		prPages += n
		return err
	})

	g.Go(func() error {
		defer close(issueBatches)
		n, err := s.github.FetchOpenIssues(gctx, repo, issueOpts, issueBatches)
		issuePages += n
		if err != nil {
			return err
		}
		n, err = s.github.FetchClosedIssues(gctx, repo, since, issueOpts, issueBatches)
		issuePages += n
		return err
	})

	g.Go(func() error {
		for batch := range prBatches {
			if incremental {
				newItems, updated, err := s.storage.IdentifyNewPRs(key, batch)
				if err != nil {
					return err
				}
				batch = append(newItems, updated...)
			}
			saved, err := s.storage.SavePRs(repo, batch)
			if err != nil {
				return err
			}
			result.PRs.Add(saved)
		}
		return nil
	})

	g.Go(func() error {
		for batch := range issueBatches {
			if incremental {
				newItems, updated, err := s.storage.IdentifyNewIssues(key, batch)
				if err != nil {
					return err
				}
				batch = append(newItems, updated...)
			}
			saved, err := s.storage.SaveIssues(repo, batch)
			if err != nil {
				return err
			}
			result.Issues.Add(saved)
		}
		return nil
	})

	err := g.Wait()
	result.Pages = prPages + issuePages
	result.Duration = s.now().Sub(result.StartedAt)
	if err != nil {
		log.WithError(err).Error("Sync failed")
		return result, fmt.Errorf("sync %s: %w", key, err)
	}

	if err := s.storage.MarkFetched(key, result.StartedAt); err != nil {
		return result, err
	}

	log.WithFields(logrus.Fields{
		"prs_saved":      result.PRs.Saved,
		"prs_updated":    result.PRs.Updated,
		"issues_saved":   result.Issues.Saved,
		"issues_updated": result.Issues.Updated,
		"pages":          result.Pages,
		"duration":       result.Duration.String(),
	}).Info("Sync completed")
	return result, nil
}

// changedSince keeps items that are unknown or whose authoritative date is
// not older than since. It only prunes enrichment calls; the final decision
// is made against the stored copy.
func changedSince(known models.NumberSet, since time.Time) func(models.Item) bool {
	return func(item models.Item) bool {
		if !known.Has(item.ItemNumber()) {
			return true
		}
		return !item.AuthoritativeDate().Before(since)
	}
}

// SyncAll syncs repositories one after another. A failing repository does
// not stop the run; a primary quota below 100 requests does, and the
// repositories not reached are listed as skipped.
func (s *SyncService) SyncAll(ctx context.Context, repos []models.Repository, mode models.SyncMode) *Summary {
	started := s.now()
	summary := &Summary{Mode: mode, Results: []*SyncResult{}, Failures: []SyncFailure{}, Skipped: []string{}}

	for i, repo := range repos {
		if ctx.Err() != nil {
			summary.Stopped = true
			summary.Skipped = append(summary.Skipped, repoKeys(repos[i:])...)
			break
		}

		result, err := s.runRecorded(ctx, repo, mode)
		if err != nil {
			summary.Failures = append(summary.Failures, SyncFailure{Repository: repo.Key(), Error: err.Error(), err: err})
		} else {
			summary.Results = append(summary.Results, result)
		}

		if i < len(repos)-1 && s.limiter.Remaining() < s.minRemaining {
			logger.WithFields(logrus.Fields{
				"remaining": s.limiter.Remaining(),
				"skipped":   len(repos) - i - 1,
			}).Warn("Rate limit nearly exhausted, stopping early")
			summary.Stopped = true
			summary.Skipped = append(summary.Skipped, repoKeys(repos[i+1:])...)
			break
		}
	}

	summary.Remaining = s.limiter.Remaining()
	summary.Duration = s.now().Sub(started)

	var total SaveResult
	for _, r := range summary.Results {
		total.Add(r.Total())
	}
	logger.WithFields(logrus.Fields{
		"mode":      mode,
		"succeeded": len(summary.Results),
		"failed":    len(summary.Failures),
		"skipped":   len(summary.Skipped),
		"saved":     total.Saved,
		"updated":   total.Updated,
		"remaining": summary.Remaining,
		"duration":  summary.Duration.String(),
	}).Info("Sync run finished")
	return summary
}

func (s *SyncService) runRecorded(ctx context.Context, repo models.Repository, mode models.SyncMode) (*SyncResult, error) {
	if s.jobs == nil {
		return s.SyncRepository(ctx, repo, mode)
	}

	job, err := s.jobs.StartRun(repo.Key(), models.JobTypeSync, mode, cliWorkerID)
	if err != nil {
		return nil, err
	}
	result, runErr := s.SyncRepository(ctx, repo, mode)

	var counts SaveResult
	if result != nil {
		counts = result.Total()
	}
	if err := s.jobs.Finish(job, counts, runErr); err != nil {
		logger.WithError(err).Warn("Failed to record sync job")
	}
	return result, runErr
}

func repoKeys(repos []models.Repository) []string {
	keys := make([]string, 0, len(repos))
	for _, r := range repos {
		keys = append(keys, r.Key())
	}
	return keys
}
