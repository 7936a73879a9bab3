package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day int) time.Time {
	return time.Date(2024, time.May, day, 12, 0, 0, 0, time.UTC)
}

func issueOn(number, day int) *Issue {
	return &Issue{Number: number, DateCreated: at(day), DateUpdated: at(day), Status: StatusOpen}
}

func TestNumberSetMarshalsSorted(t *testing.T) {
	s := NewNumberSet(9, 2, 5)
	s.Add(2)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,5,9]`, string(data))

	var back NumberSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Has(5))
	assert.False(t, back.Has(3))
}

func TestMonthlyStorageMergeAndRecompute(t *testing.T) {
	m := &MonthlyStorage[*Issue]{Metadata: MonthlyMetadata{Repository: "a/b", Year: 2024, Month: 5}}

	saved, updated := m.Merge([]*Issue{issueOn(10, 3), issueOn(4, 20)})
	assert.Equal(t, 2, saved)
	assert.Equal(t, 0, updated)

	replacement := issueOn(10, 3)
	replacement.Title = "renamed"
	saved, updated = m.Merge([]*Issue{replacement, issueOn(7, 11)})
	assert.Equal(t, 1, saved)
	assert.Equal(t, 1, updated)

	now := at(31)
	m.Recompute(now)

	require.Len(t, m.Items, 3)
	assert.Equal(t, []int{4, 7, 10}, []int{m.Items[0].Number, m.Items[1].Number, m.Items[2].Number})
	assert.Equal(t, "renamed", m.Items[2].Title)

	meta := m.Metadata
	assert.Equal(t, 3, meta.ItemCount)
	assert.Equal(t, []int{4, 7, 10}, meta.ItemNumbers)
	assert.Equal(t, 10, meta.HighestNumber)
	assert.Equal(t, 4, meta.OldestNumber)
	assert.Equal(t, at(3), meta.DateRange.Earliest)
	assert.Equal(t, at(20), meta.DateRange.Latest)
	assert.Equal(t, now, meta.LastUpdated)
}

func TestRepositoryIndexAddMonthKeepsOrder(t *testing.T) {
	r := NewRepositoryIndex()
	for _, m := range []string{"2024-03", "2023-12", "2024-01", "2024-03"} {
		r.AddMonth(KindIssues, m)
	}
	assert.Equal(t, []string{"2023-12", "2024-01", "2024-03"}, r.Months[KindIssues])
	assert.Empty(t, r.Months[KindPullRequests])
}

func TestStorageIndexNormalize(t *testing.T) {
	var idx StorageIndex
	require.NoError(t, json.Unmarshal([]byte(`{"repositories":{"a/b":{"prNumbers":[1,2]},"c/d":null}}`), &idx))
	idx.Normalize()

	assert.Equal(t, StorageIndexVersion, idx.Version)
	assert.True(t, idx.Repositories["a/b"].PRNumbers.Has(2))
	assert.NotNil(t, idx.Repositories["a/b"].IssueNumbers)
	assert.NotNil(t, idx.Repositories["c/d"])
	assert.NotNil(t, idx.Repository("e/f").Months)
}
