package models

import "time"

// ItemKind selects which family of month partitions an item belongs to
type ItemKind string

const (
	KindPullRequests ItemKind = "prs"
	KindIssues       ItemKind = "issues"
)

// ItemStatus is the lifecycle state of a stored PR or issue
type ItemStatus string

const (
	StatusOpen   ItemStatus = "open"
	StatusClosed ItemStatus = "closed"
	StatusMerged ItemStatus = "merged"
)

// Author is the GitHub account that opened an item
type Author struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// Item is implemented by every record kept in month partitions.
type Item interface {
	ItemNumber() int
	CreatedAt() time.Time
	// AuthoritativeDate is the date used to decide whether a refetched
	// item carries newer information than the stored copy.
	AuthoritativeDate() time.Time
	ItemStatus() ItemStatus
}

// MonthKey returns the partition key ("2006-01") for a creation date
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func firstNonZero(dates ...*time.Time) time.Time {
	for _, d := range dates {
		if d != nil && !d.IsZero() {
			return *d
		}
	}
	return time.Time{}
}
