package models

import "time"

// ClosureReason explains why an issue was closed
type ClosureReason string

const (
	ClosedCompleted  ClosureReason = "completed"
	ClosedDuplicate  ClosureReason = "duplicate"
	ClosedNotPlanned ClosureReason = "not_planned"
	ClosedOther      ClosureReason = "other"
)

// Issue is a stored issue snapshot. Pull requests never appear here.
type Issue struct {
	Number        int           `json:"number" validate:"gt=0"`
	Title         string        `json:"title"`
	Author        Author        `json:"author"`
	Assignees     []string      `json:"assignees"`
	DateCreated   time.Time     `json:"dateCreated" validate:"required"`
	DateUpdated   time.Time     `json:"dateUpdated" validate:"required"`
	DateClosed    *time.Time    `json:"dateClosed,omitempty"`
	Status        ItemStatus    `json:"status" validate:"oneof=open closed"`
	ClosureReason ClosureReason `json:"closureReason,omitempty" validate:"omitempty,oneof=completed duplicate not_planned other"`
}

func (i *Issue) ItemNumber() int        { return i.Number }
func (i *Issue) CreatedAt() time.Time   { return i.DateCreated }
func (i *Issue) ItemStatus() ItemStatus { return i.Status }

// AuthoritativeDate prefers the close date, then update and creation dates
func (i *Issue) AuthoritativeDate() time.Time {
	return firstNonZero(i.DateClosed, &i.DateUpdated, &i.DateCreated)
}

// ClosureReasonFromStateReason maps GitHub's state_reason onto ClosureReason
func ClosureReasonFromStateReason(stateReason string, closed bool) ClosureReason {
	if !closed {
		return ""
	}
	switch stateReason {
	case "completed":
		return ClosedCompleted
	case "duplicate":
		return ClosedDuplicate
	case "not_planned":
		return ClosedNotPlanned
	default:
		return ClosedOther
	}
}
