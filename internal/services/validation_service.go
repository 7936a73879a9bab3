package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// Severity of a validation finding
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one problem found in the store
type Finding struct {
	Severity   Severity        `json:"severity"`
	Repository string          `json:"repository"`
	Kind       models.ItemKind `json:"kind,omitempty"`
	Month      string          `json:"month,omitempty"`
	Number     int             `json:"number,omitempty"`
	Message    string          `json:"message"`
}

func (f Finding) String() string {
	where := f.Repository
	if f.Kind != "" {
		where += " " + string(f.Kind)
	}
	if f.Month != "" {
		where += " " + f.Month
	}
	if f.Number != 0 {
		where += fmt.Sprintf(" #%d", f.Number)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, where, f.Message)
}

// OpenCountCheck compares the stored open count with the live search count
type OpenCountCheck struct {
	Repository string          `json:"repository"`
	Kind       models.ItemKind `json:"kind"`
	Stored     int             `json:"stored"`
	Live       int             `json:"live"`
}

// ValidationReport is the result of a validation run
type ValidationReport struct {
	Repositories    int              `json:"repositories"`
	ItemsChecked    int              `json:"itemsChecked"`
	Errors          []Finding        `json:"errors"`
	Warnings        []Finding        `json:"warnings"`
	OpenCounts      []OpenCountCheck `json:"openCounts,omitempty"`
	Recommendations []string         `json:"recommendations"`
}

// Valid reports whether no errors were found. Warnings do not fail a run.
func (r *ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns apperr.ErrValidationFailed when the report holds errors
func (r *ValidationReport) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %d errors, %d warnings", apperr.ErrValidationFailed, len(r.Errors), len(r.Warnings))
}

func (r *ValidationReport) add(f Finding) {
	if f.Severity == SeverityError {
		r.Errors = append(r.Errors, f)
	} else {
		r.Warnings = append(r.Warnings, f)
	}
}

// ValidationService checks the store for schema violations, broken model
// invariants and index drift
type ValidationService struct {
	storage  *StorageService
	github   *GitHubService
	validate *validator.Validate
}

// NewValidationService creates a validation service. github is only needed
// for live checks and may be nil.
func NewValidationService(storage *StorageService, github *GitHubService) *ValidationService {
	return &ValidationService{
		storage:  storage,
		github:   github,
		validate: validator.New(),
	}
}

// Validate checks every stored repository. With live set, stored open counts
// are compared against the search API.
func (s *ValidationService) Validate(ctx context.Context, live bool) (*ValidationReport, error) {
	if live && s.github == nil {
		return nil, fmt.Errorf("live validation needs a GitHub client: %w", apperr.ErrMissingToken)
	}

	report := &ValidationReport{Errors: []Finding{}, Warnings: []Finding{}, Recommendations: []string{}}
	for _, key := range s.storage.Repositories() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Repositories++

		entry, _ := s.storage.RepositoryIndex(key)
		if entry.LastFetch == nil {
			report.add(Finding{Severity: SeverityWarning, Repository: key, Message: "no completed fetch recorded"})
		}

		prs := checkKind(s, report, key, entry, models.KindPullRequests, s.storage.LoadPRMonth)
		issues := checkKind(s, report, key, entry, models.KindIssues, s.storage.LoadIssueMonth)

		if live {
			if err := s.checkOpenCounts(ctx, report, key, countOpen(prs), countOpen(issues)); err != nil {
				return nil, err
			}
		}
	}

	report.Recommendations = recommendations(report)

	logger.WithFields(logrus.Fields{
		"repositories": report.Repositories,
		"items":        report.ItemsChecked,
		"errors":       len(report.Errors),
		"warnings":     len(report.Warnings),
	}).Info("Validation finished")
	return report, nil
}

// checkKind validates every partition of one kind and returns the items read
func checkKind[T models.Item](s *ValidationService, report *ValidationReport, key string, entry *models.RepositoryIndex, kind models.ItemKind, load func(repoKey, month string) (*models.MonthlyStorage[T], bool, error)) []T {
	var all []T
	seen := make(map[int]string)

	for _, month := range entry.Months[kind] {
		at := Finding{Severity: SeverityError, Repository: key, Kind: kind, Month: month}

		partition, found, err := load(key, month)
		if err != nil {
			at.Message = fmt.Sprintf("unreadable partition: %v", err)
			report.add(at)
			continue
		}
		if !found {
			at.Message = "partition listed in index but missing on disk"
			report.add(at)
			continue
		}

		if partition.Metadata.ItemCount != len(partition.Items) {
			at.Message = fmt.Sprintf("metadata itemCount %d but %d items stored", partition.Metadata.ItemCount, len(partition.Items))
			report.add(at)
		}

		numbers := make([]int, 0, len(partition.Items))
		for _, item := range partition.Items {
			report.ItemsChecked++
			n := item.ItemNumber()
			numbers = append(numbers, n)

			itemAt := at
			itemAt.Number = n

			if other, dup := seen[n]; dup {
				itemAt.Message = fmt.Sprintf("duplicate item, also stored in %s", other)
				report.add(itemAt)
			}
			seen[n] = month

			if got := models.MonthKey(item.CreatedAt()); got != month {
				itemAt.Message = fmt.Sprintf("created in %s but stored in %s", got, month)
				report.add(itemAt)
			}
			if !entry.Numbers(kind).Has(n) {
				itemAt.Message = "stored but missing from index"
				report.add(itemAt)
			}
			for _, msg := range s.checkItem(item) {
				itemAt.Message = msg
				report.add(itemAt)
			}
			all = append(all, item)
		}

		sort.Ints(numbers)
		if !equalInts(numbers, partition.Metadata.ItemNumbers) {
			at.Severity = SeverityWarning
			at.Message = "metadata itemNumbers do not match stored items"
			report.add(at)
		}
	}

	for _, n := range entry.Numbers(kind).Sorted() {
		if _, ok := seen[n]; !ok {
			report.add(Finding{Severity: SeverityError, Repository: key, Kind: kind, Number: n, Message: "indexed but not stored in any partition"})
		}
	}

	total := entry.Totals.PRs
	if kind == models.KindIssues {
		total = entry.Totals.Issues
	}
	if total != len(entry.Numbers(kind)) {
		report.add(Finding{
			Severity:   SeverityWarning,
			Repository: key,
			Kind:       kind,
			Message:    fmt.Sprintf("index total %d differs from %d known numbers", total, len(entry.Numbers(kind))),
		})
	}
	return all
}

// checkItem returns every struct-tag and invariant violation of one item
func (s *ValidationService) checkItem(item models.Item) []string {
	var problems []string

	if err := s.validate.Struct(item); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("field %s fails %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	switch v := item.(type) {
	case *models.PullRequest:
		problems = append(problems, checkDates(v.DateCreated, v.DateUpdated)...)
		if v.IsMerged() && v.Status != models.StatusMerged {
			problems = append(problems, fmt.Sprintf("has a merge date but status %q", v.Status))
		}
		if v.Status == models.StatusMerged && !v.IsMerged() {
			problems = append(problems, "status merged without a merge date")
		}
		sum := 0
		for i, a := range v.Commits.ByAuthor {
			if a.Count < 0 {
				problems = append(problems, fmt.Sprintf("negative commit count for byAuthor[%d] %q", i, a.Identifier()))
			}
			sum += a.Count
		}
		if v.Commits.TotalCount < 0 {
			problems = append(problems, "negative commit total")
		} else if sum != v.Commits.TotalCount {
			problems = append(problems, fmt.Sprintf("commit total %d but authors sum to %d", v.Commits.TotalCount, sum))
		}
	case *models.Issue:
		problems = append(problems, checkDates(v.DateCreated, v.DateUpdated)...)
		if v.Status == models.StatusClosed && v.DateClosed == nil {
			problems = append(problems, "closed without a close date")
		}
	}
	return problems
}

func checkDates(created, updated time.Time) []string {
	if updated.Before(created) {
		return []string{fmt.Sprintf("dateUpdated %s is before dateCreated %s", updated.Format(time.RFC3339), created.Format(time.RFC3339))}
	}
	return nil
}

func (s *ValidationService) checkOpenCounts(ctx context.Context, report *ValidationReport, key string, storedPRs, storedIssues int) error {
	repo, err := models.ParseRepository(key)
	if err != nil {
		return err
	}

	for _, c := range []struct {
		kind   models.ItemKind
		stored int
	}{{models.KindPullRequests, storedPRs}, {models.KindIssues, storedIssues}} {
		live, err := s.github.CountOpenItems(ctx, repo, c.kind)
		if err != nil {
			return err
		}
		report.OpenCounts = append(report.OpenCounts, OpenCountCheck{Repository: key, Kind: c.kind, Stored: c.stored, Live: live})
		if live != c.stored {
			report.add(Finding{
				Severity:   SeverityWarning,
				Repository: key,
				Kind:       c.kind,
				Message:    fmt.Sprintf("%d open in store, %d open on GitHub", c.stored, live),
			})
		}
	}
	return nil
}

func countOpen[T models.Item](items []T) int {
	n := 0
	for _, item := range items {
		if item.ItemStatus() == models.StatusOpen {
			n++
		}
	}
	return n
}

func recommendations(report *ValidationReport) []string {
	var drift, invalid, stale, neverFetched bool
	for _, f := range report.Errors {
		switch {
		case f.Number == 0 || f.Message == "stored but missing from index" || f.Message == "indexed but not stored in any partition":
			drift = true
		default:
			invalid = true
		}
	}
	for _, f := range report.Warnings {
		switch {
		case f.Message == "no completed fetch recorded":
			neverFetched = true
		case f.Kind != "" && f.Month == "" && f.Number == 0:
			stale = true
		}
	}

	out := []string{}
	if drift {
		out = append(out, "Index and partitions disagree: run `ghpulse sync --mode full` for the affected repositories to rebuild them.")
	}
	if invalid {
		out = append(out, "Some stored items are malformed: refetch them with `ghpulse sync --mode full`.")
	}
	if neverFetched {
		out = append(out, "Some repositories never finished a fetch: run `ghpulse sync`.")
	}
	if stale {
		out = append(out, "Stored counts lag behind GitHub: run `ghpulse sync --mode incremental` and regenerate stats.")
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
