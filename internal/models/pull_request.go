package models

import (
	"time"
)

// ReviewState is the current review verdict of one reviewer
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewPending          ReviewState = "PENDING"
)

// Reviewer is a reviewer login with its latest review state
type Reviewer struct {
	Login string      `json:"login" validate:"required"`
	State ReviewState `json:"state" validate:"oneof=APPROVED CHANGES_REQUESTED COMMENTED PENDING"`
}

// PullRequest is a stored pull request snapshot
type PullRequest struct {
	Number      int           `json:"number" validate:"gt=0"`
	Title       string        `json:"title"`
	Author      Author        `json:"author"`
	Assignees   []string      `json:"assignees"`
	Reviewers   []Reviewer    `json:"reviewers" validate:"dive"`
	IsDraft     bool          `json:"isDraft"`
	DateCreated time.Time     `json:"dateCreated" validate:"required"`
	DateUpdated time.Time     `json:"dateUpdated" validate:"required"`
	DateMerged  *time.Time    `json:"dateMerged,omitempty"`
	DateClosed  *time.Time    `json:"dateClosed,omitempty"`
	Status      ItemStatus    `json:"status" validate:"oneof=open closed merged"`
	Commits     CommitSummary `json:"commits"`
}

func (pr *PullRequest) ItemNumber() int        { return pr.Number }
func (pr *PullRequest) CreatedAt() time.Time   { return pr.DateCreated }
func (pr *PullRequest) ItemStatus() ItemStatus { return pr.Status }

// AuthoritativeDate prefers the merge date, then close, update and creation dates
func (pr *PullRequest) AuthoritativeDate() time.Time {
	return firstNonZero(pr.DateMerged, pr.DateClosed, &pr.DateUpdated, &pr.DateCreated)
}

// IsMerged reports whether the PR carries a merge timestamp
func (pr *PullRequest) IsMerged() bool {
	return pr.DateMerged != nil && !pr.DateMerged.IsZero()
}

// ReviewerLogins returns the logins of all reviewers
func (pr *PullRequest) ReviewerLogins() []string {
	logins := make([]string, 0, len(pr.Reviewers))
	for _, r := range pr.Reviewers {
		logins = append(logins, r.Login)
	}
	return logins
}
