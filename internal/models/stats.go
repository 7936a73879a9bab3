package models

import (
	"fmt"
	"time"
)

// Period granularities used as keys in rollup artifacts
const (
	PeriodWeek  = "w"
	PeriodMonth = "m"
	PeriodYear  = "y"
)

// Periods lists every granularity in output order
var Periods = []string{PeriodWeek, PeriodMonth, PeriodYear}

// WeekKey returns the ISO-8601 week key "YYWW". The year is the ISO year,
// so 2021-01-01 falls in week 53 of 2020 ("2053").
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%02d%02d", year%100, week)
}

// MonthPeriodKey returns "YYMM"
func MonthPeriodKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%02d%02d", t.Year()%100, int(t.Month()))
}

// YearKey returns "YY"
func YearKey(t time.Time) string {
	return fmt.Sprintf("%02d", t.UTC().Year()%100)
}

// PeriodKeys returns the week, month and year keys for t, keyed by granularity
func PeriodKeys(t time.Time) map[string]string {
	return map[string]string{
		PeriodWeek:  WeekKey(t),
		PeriodMonth: MonthPeriodKey(t),
		PeriodYear:  YearKey(t),
	}
}

// RepoPeriodStats are per-repository counts for one period
type RepoPeriodStats struct {
	CreatedPRs   int `json:"createdPRs"`
	MergedPRs    int `json:"mergedPRs"`
	Commits      int `json:"commits"`
	OpenedIssues int `json:"openedIssues"`
	ClosedIssues int `json:"closedIssues"`
}

// RepoStats maps repository -> granularity -> period key -> counts
type RepoStats map[string]map[string]map[string]*RepoPeriodStats

// Contributor tuple positions
const (
	TupleOpenedPRs = iota
	TupleMergedPRs
	TupleReviewedPRs
	TupleMergedCommits
	TupleOpenedIssues
	tupleSize
)

// ContributorTuple is [openedPRs, mergedPRs, reviewedPRs, mergedCommits, openedIssues]
type ContributorTuple [tupleSize]int

// ContributorStats maps login -> repository -> granularity -> period key -> tuple.
// Only non-empty periods are present.
type ContributorStats map[string]map[string]map[string]map[string]*ContributorTuple

// ContributorsIndex maps repository -> sorted contributor logins
type ContributorsIndex map[string][]string
