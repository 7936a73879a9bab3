package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/queue"
	"github.com/alimgiray/ghpulse/internal/ratelimit"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

const (
	perPage        = 100
	prBatchSize    = 10
	issueBatchSize = 20
)

// FetchOptions tune a single fetch run
type FetchOptions struct {
	// Filter drops items before enrichment; returning false skips the item.
	Filter func(models.Item) bool
	// Progress is called after every list page with the page number and the
	// last page advertised by the Link header (0 when unknown).
	Progress func(page, lastPage int)
}

// GitHubService turns repository-level fetch requests into batches of typed
// records. Every API call goes through the request queue.
type GitHubService struct {
	client  *github.Client
	queue   *queue.Queue
	limiter *ratelimit.Manager

	// searchBackoff is the sleep before the single retry of a rate-limited search
	searchBackoff time.Duration
}

// NewGitHubClient builds a token-authenticated go-github client whose
// transport reports every response to manager. An empty baseURL means the
// public API.
func NewGitHubClient(token, baseURL string, manager *ratelimit.Manager) (*github.Client, error) {
	base := &http.Client{Transport: ratelimit.NewTransport(nil, manager)}

	httpClient := base
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := github.NewClient(httpClient)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// NewGitHubService creates a GitHub service
func NewGitHubService(client *github.Client, q *queue.Queue, limiter *ratelimit.Manager) *GitHubService {
	return &GitHubService{
		client:        client,
		queue:         q,
		limiter:       limiter,
		searchBackoff: 60 * time.Second,
	}
}

type page[T any] struct {
	items []T
	resp  *github.Response
}

type lister[R any] func(ctx context.Context, pageNum int) ([]R, *github.Response, error)

// FetchOpenPRs streams enriched open pull requests into out in batches of 10
// and returns the number of list pages fetched.
func (s *GitHubService) FetchOpenPRs(ctx context.Context, repo models.Repository, opts FetchOptions, out chan<- []*models.PullRequest) (int, error) {
	return s.fetchPRs(ctx, repo, "open", nil, opts, out)
}

// FetchMergedPRs streams merged pull requests, optionally only those updated
// at or after since.
func (s *GitHubService) FetchMergedPRs(ctx context.Context, repo models.Repository, since *time.Time, opts FetchOptions, out chan<- []*models.PullRequest) (int, error) {
	return s.fetchPRs(ctx, repo, "closed", since, opts, out)
}

func (s *GitHubService) fetchPRs(ctx context.Context, repo models.Repository, state string, since *time.Time, opts FetchOptions, out chan<- []*models.PullRequest) (int, error) {
	list := func(ctx context.Context, pageNum int) ([]*github.PullRequest, *github.Response, error) {
		return s.client.PullRequests.List(ctx, repo.Owner, repo.Repo, &github.PullRequestListOptions{
			State:       state,
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: github.ListOptions{Page: pageNum, PerPage: perPage},
		})
	}

	accept := func(raw *github.PullRequest) (*models.PullRequest, bool) {
		pr := convertPullRequest(raw)
		if state == "closed" && !pr.IsMerged() {
			return nil, false
		}
		if since != nil && pr.DateUpdated.Before(*since) {
			return nil, false
		}
		if opts.Filter != nil && !opts.Filter(pr) {
			return nil, false
		}
		return pr, true
	}

	enrich := func(ctx context.Context, batch []*models.PullRequest) error {
		return s.processPRs(ctx, repo, batch)
	}

	return streamPages(ctx, s, repo, models.KindPullRequests, list, accept, enrich, prBatchSize, opts.Progress, out)
}

// FetchOpenIssues streams open issues into out in batches of 20. Pull requests
// returned by the issues endpoint are dropped.
func (s *GitHubService) FetchOpenIssues(ctx context.Context, repo models.Repository, opts FetchOptions, out chan<- []*models.Issue) (int, error) {
	return s.fetchIssues(ctx, repo, "open", nil, opts, out)
}

// FetchClosedIssues streams closed issues, optionally only those updated at or after since
func (s *GitHubService) FetchClosedIssues(ctx context.Context, repo models.Repository, since *time.Time, opts FetchOptions, out chan<- []*models.Issue) (int, error) {
	return s.fetchIssues(ctx, repo, "closed", since, opts, out)
}

func (s *GitHubService) fetchIssues(ctx context.Context, repo models.Repository, state string, since *time.Time, opts FetchOptions, out chan<- []*models.Issue) (int, error) {
	list := func(ctx context.Context, pageNum int) ([]*github.Issue, *github.Response, error) {
		listOpts := &github.IssueListByRepoOptions{
			State:       state,
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: github.ListOptions{Page: pageNum, PerPage: perPage},
		}
		if since != nil {
			listOpts.Since = *since
		}
		return s.client.Issues.ListByRepo(ctx, repo.Owner, repo.Repo, listOpts)
	}

	accept := func(raw *github.Issue) (*models.Issue, bool) {
		if raw.IsPullRequest() {
			return nil, false
		}
		issue := convertIssue(raw)
		if since != nil && issue.DateUpdated.Before(*since) {
			return nil, false
		}
		if opts.Filter != nil && !opts.Filter(issue) {
			return nil, false
		}
		return issue, true
	}

	return streamPages(ctx, s, repo, models.KindIssues, list, accept, nil, issueBatchSize, opts.Progress, out)
}

// streamPages pages through a list endpoint and hands accepted items to out in
// fixed-size batches. Enrichment of one page overlaps the fetch of the next;
// the loop ends only when a response has no "next" link.
func streamPages[R any, T any](
	ctx context.Context,
	s *GitHubService,
	repo models.Repository,
	kind models.ItemKind,
	list lister[R],
	accept func(R) (T, bool),
	enrich func(context.Context, []T) error,
	batchSize int,
	progress func(page, lastPage int),
	out chan<- []T,
) (int, error) {
	log := logger.WithFields(logrus.Fields{"repository": repo.Key(), "kind": kind})

	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan []R, 1)
	fetched := 0

	g.Go(func() error {
		defer close(pages)

		for pageNum := 1; pageNum != 0; {
			id := fmt.Sprintf("%s:%s:page-%d", repo.Key(), kind, pageNum)
			current := pageNum
			result, err := queue.Do(gctx, s.queue, queue.PriorityPagination, id, func(ctx context.Context) (page[R], error) {
				items, resp, err := list(ctx, current)
				return page[R]{items: items, resp: resp}, err
			})
			if err != nil {
				return fmt.Errorf("failed to fetch %s page %d of %s: %w", kind, current, repo.Key(), err)
			}

			fetched++
			lastPage := 0
			pageNum = 0
			if result.resp != nil {
				lastPage = result.resp.LastPage
				pageNum = result.resp.NextPage
			}
			log.WithFields(logrus.Fields{"page": current, "last_page": lastPage, "items": len(result.items)}).Debug("Fetched page")
			if progress != nil {
				progress(current, lastPage)
			}

			select {
			case pages <- result.items:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		batch := make([]T, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if enrich != nil {
				if err := enrich(gctx, batch); err != nil {
					return err
				}
			}
			select {
			case out <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			batch = make([]T, 0, batchSize)
			return nil
		}

		for items := range pages {
			for _, raw := range items {
				item, ok := accept(raw)
				if !ok {
					continue
				}
				batch = append(batch, item)
				if len(batch) == batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return flush()
	})

	err := g.Wait()
	log.WithField("pages", fetched).Info("Fetch finished")
	return fetched, err
}

// processPRs fetches reviews and commits for every PR of a batch in parallel
func (s *GitHubService) processPRs(ctx context.Context, repo models.Repository, batch []*models.PullRequest) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, pr := range batch {
		g.Go(func() error {
			reviews, err := s.listReviews(gctx, repo, pr.Number)
			if err != nil {
				return fmt.Errorf("failed to fetch reviews for %s#%d: %w", repo.Key(), pr.Number, err)
			}
			pr.Reviewers = resolveReviewers(pr.Reviewers, reviews)
			return nil
		})
		g.Go(func() error {
			commits, err := s.listCommits(gctx, repo, pr.Number)
			if err != nil {
				return fmt.Errorf("failed to fetch commits for %s#%d: %w", repo.Key(), pr.Number, err)
			}
			pr.Commits = aggregateCommits(commits)
			return nil
		})
	}

	return g.Wait()
}

func (s *GitHubService) listReviews(ctx context.Context, repo models.Repository, number int) ([]*github.PullRequestReview, error) {
	return collectAll(ctx, s, fmt.Sprintf("%s#%d:reviews", repo.Key(), number), func(ctx context.Context, pageNum int) ([]*github.PullRequestReview, *github.Response, error) {
		return s.client.PullRequests.ListReviews(ctx, repo.Owner, repo.Repo, number, &github.ListOptions{Page: pageNum, PerPage: perPage})
	})
}

func (s *GitHubService) listCommits(ctx context.Context, repo models.Repository, number int) ([]*github.RepositoryCommit, error) {
	return collectAll(ctx, s, fmt.Sprintf("%s#%d:commits", repo.Key(), number), func(ctx context.Context, pageNum int) ([]*github.RepositoryCommit, *github.Response, error) {
		return s.client.PullRequests.ListCommits(ctx, repo.Owner, repo.Repo, number, &github.ListOptions{Page: pageNum, PerPage: perPage})
	})
}

// collectAll reads every page of a detail endpoint at detail priority
func collectAll[R any](ctx context.Context, s *GitHubService, id string, list lister[R]) ([]R, error) {
	var all []R
	for pageNum := 1; pageNum != 0; {
		current := pageNum
		result, err := queue.Do(ctx, s.queue, queue.PriorityDetail, fmt.Sprintf("%s:page-%d", id, current), func(ctx context.Context) (page[R], error) {
			items, resp, err := list(ctx, current)
			return page[R]{items: items, resp: resp}, err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, result.items...)

		pageNum = 0
		if result.resp != nil {
			pageNum = result.resp.NextPage
		}
	}
	return all, nil
}

// resolveReviewers keeps the latest state per reviewer login. Reviews are
// applied in the order the API returns them, so a later review overwrites an
// earlier one.
func resolveReviewers(requested []models.Reviewer, reviews []*github.PullRequestReview) []models.Reviewer {
	resolved := make([]models.Reviewer, 0, len(requested)+len(reviews))
	position := make(map[string]int)

	set := func(login string, state models.ReviewState) {
		if i, ok := position[login]; ok {
			resolved[i].State = state
			return
		}
		position[login] = len(resolved)
		resolved = append(resolved, models.Reviewer{Login: login, State: state})
	}

	for _, r := range requested {
		set(r.Login, r.State)
	}
	for _, review := range reviews {
		login := review.GetUser().GetLogin()
		if login == "" {
			continue
		}
		set(login, reviewState(review.GetState()))
	}
	return resolved
}

func reviewState(state string) models.ReviewState {
	switch strings.ToUpper(state) {
	case "APPROVED":
		return models.ReviewApproved
	case "CHANGES_REQUESTED":
		return models.ReviewChangesRequested
	case "PENDING":
		return models.ReviewPending
	default:
		// COMMENTED and DISMISSED
		return models.ReviewCommented
	}
}

func aggregateCommits(commits []*github.RepositoryCommit) models.CommitSummary {
	summary := models.CommitSummary{ByAuthor: []models.CommitAuthor{}}
	for _, c := range commits {
		summary.Add(c.GetAuthor().GetLogin(), c.GetCommit().GetAuthor().GetName())
	}
	summary.Sort()
	return summary
}

func convertPullRequest(raw *github.PullRequest) *models.PullRequest {
	pr := &models.PullRequest{
		Number:      raw.GetNumber(),
		Title:       raw.GetTitle(),
		Author:      models.Author{Login: raw.GetUser().GetLogin(), ID: raw.GetUser().GetID()},
		Assignees:   userLogins(raw.Assignees),
		Reviewers:   []models.Reviewer{},
		IsDraft:     raw.GetDraft(),
		DateCreated: raw.GetCreatedAt().Time,
		DateUpdated: raw.GetUpdatedAt().Time,
		DateMerged:  timestampPtr(raw.MergedAt),
		DateClosed:  timestampPtr(raw.ClosedAt),
		Commits:     models.CommitSummary{ByAuthor: []models.CommitAuthor{}},
	}

	for _, login := range userLogins(raw.RequestedReviewers) {
		pr.Reviewers = append(pr.Reviewers, models.Reviewer{Login: login, State: models.ReviewPending})
	}

	switch {
	case pr.IsMerged():
		pr.Status = models.StatusMerged
	case raw.GetState() == "closed":
		pr.Status = models.StatusClosed
	default:
		pr.Status = models.StatusOpen
	}
	return pr
}

func convertIssue(raw *github.Issue) *models.Issue {
	closed := raw.GetState() == "closed"
	issue := &models.Issue{
		Number:        raw.GetNumber(),
		Title:         raw.GetTitle(),
		Author:        models.Author{Login: raw.GetUser().GetLogin(), ID: raw.GetUser().GetID()},
		Assignees:     userLogins(raw.Assignees),
		DateCreated:   raw.GetCreatedAt().Time,
		DateUpdated:   raw.GetUpdatedAt().Time,
		DateClosed:    timestampPtr(raw.ClosedAt),
		Status:        models.StatusOpen,
		ClosureReason: models.ClosureReasonFromStateReason(raw.GetStateReason(), closed),
	}
	if closed {
		issue.Status = models.StatusClosed
	}
	return issue
}

func userLogins(users []*github.User) []string {
	logins := make([]string, 0, len(users))
	for _, u := range users {
		if login := u.GetLogin(); login != "" {
			logins = append(logins, login)
		}
	}
	return logins
}

func timestampPtr(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}

// CollectPRs runs a PR producer and gathers everything it emits
func CollectPRs(ctx context.Context, produce func(context.Context, chan<- []*models.PullRequest) (int, error)) ([]*models.PullRequest, int, error) {
	return collect(ctx, produce)
}

// CollectIssues runs an issue producer and gathers everything it emits
func CollectIssues(ctx context.Context, produce func(context.Context, chan<- []*models.Issue) (int, error)) ([]*models.Issue, int, error) {
	return collect(ctx, produce)
}

func collect[T any](ctx context.Context, produce func(context.Context, chan<- []T) (int, error)) ([]T, int, error) {
	out := make(chan []T, 1)
	var items []T
	done := make(chan struct{})

	go func() {
		defer close(done)
		for batch := range out {
			items = append(items, batch...)
		}
	}()

	pages, err := produce(ctx, out)
	close(out)
	<-done
	return items, pages, err
}

// CheckRateLimit asks the API for the authoritative quota and resynchronises
// the rate-limit manager with it.
func (s *GitHubService) CheckRateLimit(ctx context.Context) (ratelimit.State, error) {
	limits, _, err := s.client.RateLimit.Get(ctx)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("failed to get rate limit: %w", err)
	}

	core := limits.GetCore()
	if core != nil {
		s.limiter.Update(core.Limit, core.Remaining, core.Limit-core.Remaining, core.Reset.Time)
	}
	return s.limiter.Snapshot(), nil
}

// CountOpenItems returns the number of open PRs or issues reported by the
// search API. A 403 mentioning the rate limit is retried once after a
// minute, independently of the queue's own retries.
func (s *GitHubService) CountOpenItems(ctx context.Context, repo models.Repository, kind models.ItemKind) (int, error) {
	qualifier := "is:issue"
	if kind == models.KindPullRequests {
		qualifier = "is:pr"
	}
	query := fmt.Sprintf("repo:%s is:open %s", repo.Key(), qualifier)

	search := func() (int, error) {
		return queue.Do(ctx, s.queue, queue.PriorityDefault, "search:"+query, func(ctx context.Context) (int, error) {
			result, _, err := s.client.Search.Issues(ctx, query, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 1}})
			if err != nil {
				return 0, err
			}
			return result.GetTotal(), nil
		})
	}

	total, err := search()
	if err != nil && apperr.IsRateLimitMessage(err) {
		logger.WithFields(logrus.Fields{"repository": repo.Key(), "kind": kind, "wait": s.searchBackoff.String()}).
			Warn("Search rate limited, retrying once")

		timer := time.NewTimer(s.searchBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
		total, err = search()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count open %s for %s: %w", kind, repo.Key(), err)
	}
	return total, nil
}
