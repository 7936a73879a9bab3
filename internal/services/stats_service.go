package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// Rollup artifact file names
const (
	ArtifactRepoStats         = "repo_stats.json"
	ArtifactContributors      = "contributors.json"
	ArtifactContributorsIndex = "contributors_index.json"
)

// Artifacts lists every file written by Generate
var Artifacts = []string{ArtifactRepoStats, ArtifactContributors, ArtifactContributorsIndex}

// Rollups is the full output of one stats run
type Rollups struct {
	Repos             models.RepoStats
	Contributors      models.ContributorStats
	ContributorsIndex models.ContributorsIndex
}

// StatsResult summarises a Generate call
type StatsResult struct {
	Repositories int      `json:"repositories"`
	Contributors int      `json:"contributors"`
	Files        []string `json:"files"`
}

// StatsService rebuilds rollups from the whole store on every run
type StatsService struct {
	storage  *StorageService
	statsDir string
}

// NewStatsService creates a stats service writing into statsDir
func NewStatsService(storage *StorageService, statsDir string) *StatsService {
	return &StatsService{storage: storage, statsDir: statsDir}
}

// StatsDir returns the directory artifacts are written to
func (s *StatsService) StatsDir() string {
	return s.statsDir
}

// Generate recomputes every rollup and writes the artifacts
func (s *StatsService) Generate(ctx context.Context) (*StatsResult, error) {
	rollups, err := s.Build(ctx)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{
		ArtifactRepoStats:         rollups.Repos,
		ArtifactContributors:      rollups.Contributors,
		ArtifactContributorsIndex: rollups.ContributorsIndex,
	}

	result := &StatsResult{
		Repositories: len(rollups.Repos),
		Contributors: len(rollups.Contributors),
	}
	for _, name := range Artifacts {
		path := filepath.Join(s.statsDir, name)
		if err := writeJSONAtomic(path, outputs[name]); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, path)
	}

	logger.WithFields(logrus.Fields{
		"repositories": result.Repositories,
		"contributors": result.Contributors,
		"dir":          s.statsDir,
	}).Info("Stats generated")
	return result, nil
}

// Build computes the rollups without writing anything
func (s *StatsService) Build(ctx context.Context) (*Rollups, error) {
	rollups := &Rollups{
		Repos:             models.RepoStats{},
		Contributors:      models.ContributorStats{},
		ContributorsIndex: models.ContributorsIndex{},
	}

	for _, repoKey := range s.storage.Repositories() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prs, err := s.storage.LoadPRs(repoKey, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load PRs for %s: %w", repoKey, err)
		}
		issues, err := s.storage.LoadIssues(repoKey, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load issues for %s: %w", repoKey, err)
		}

		acc := newRollupAccumulator(rollups, repoKey)
		for _, pr := range prs {
			acc.addPR(pr)
		}
		for _, issue := range issues {
			acc.addIssue(issue)
		}
		acc.finish()
	}
	return rollups, nil
}

type rollupAccumulator struct {
	rollups *Rollups
	repoKey string
	logins  map[string]bool
}

func newRollupAccumulator(rollups *Rollups, repoKey string) *rollupAccumulator {
	return &rollupAccumulator{rollups: rollups, repoKey: repoKey, logins: make(map[string]bool)}
}

func (a *rollupAccumulator) repoBucket(t time.Time, fn func(*models.RepoPeriodStats)) {
	byPeriod, ok := a.rollups.Repos[a.repoKey]
	if !ok {
		byPeriod = make(map[string]map[string]*models.RepoPeriodStats)
		a.rollups.Repos[a.repoKey] = byPeriod
	}
	for period, key := range models.PeriodKeys(t) {
		buckets, ok := byPeriod[period]
		if !ok {
			buckets = make(map[string]*models.RepoPeriodStats)
			byPeriod[period] = buckets
		}
		stats, ok := buckets[key]
		if !ok {
			stats = &models.RepoPeriodStats{}
			buckets[key] = stats
		}
		fn(stats)
	}
}

func (a *rollupAccumulator) contributor(login string, t time.Time, field, n int) {
	if login == "" || n == 0 {
		return
	}
	a.logins[login] = true

	byRepo, ok := a.rollups.Contributors[login]
	if !ok {
		byRepo = make(map[string]map[string]map[string]*models.ContributorTuple)
		a.rollups.Contributors[login] = byRepo
	}
	byPeriod, ok := byRepo[a.repoKey]
	if !ok {
		byPeriod = make(map[string]map[string]*models.ContributorTuple)
		byRepo[a.repoKey] = byPeriod
	}
	for period, key := range models.PeriodKeys(t) {
		tuples, ok := byPeriod[period]
		if !ok {
			tuples = make(map[string]*models.ContributorTuple)
			byPeriod[period] = tuples
		}
		tuple, ok := tuples[key]
		if !ok {
			tuple = &models.ContributorTuple{}
			tuples[key] = tuple
		}
		tuple[field] += n
	}
}

func (a *rollupAccumulator) addPR(pr *models.PullRequest) {
	author := pr.Author.Login

	a.repoBucket(pr.DateCreated, func(s *models.RepoPeriodStats) { s.CreatedPRs++ })
	a.contributor(author, pr.DateCreated, models.TupleOpenedPRs, 1)

	if pr.IsMerged() {
		merged := *pr.DateMerged
		a.repoBucket(merged, func(s *models.RepoPeriodStats) {
			s.MergedPRs++
			s.Commits += pr.Commits.TotalCount
		})
		a.contributor(author, merged, models.TupleMergedPRs, 1)

		for _, c := range pr.Commits.ByAuthor {
			if c.Kind == models.CommitAuthorGitHubUser {
				a.contributor(c.Login, merged, models.TupleMergedCommits, c.Count)
			}
		}
	}

	reviewedAt := pr.DateUpdated
	if pr.IsMerged() {
		reviewedAt = *pr.DateMerged
	}
	for _, r := range pr.Reviewers {
		if r.State == models.ReviewPending || r.Login == author {
			continue
		}
		a.contributor(r.Login, reviewedAt, models.TupleReviewedPRs, 1)
	}
}

func (a *rollupAccumulator) addIssue(issue *models.Issue) {
	a.repoBucket(issue.DateCreated, func(s *models.RepoPeriodStats) { s.OpenedIssues++ })
	a.contributor(issue.Author.Login, issue.DateCreated, models.TupleOpenedIssues, 1)

	if issue.DateClosed != nil && !issue.DateClosed.IsZero() {
		a.repoBucket(*issue.DateClosed, func(s *models.RepoPeriodStats) { s.ClosedIssues++ })
	}
}

func (a *rollupAccumulator) finish() {
	if len(a.logins) == 0 {
		return
	}
	logins := make([]string, 0, len(a.logins))
	for login := range a.logins {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	a.rollups.ContributorsIndex[a.repoKey] = logins
}
