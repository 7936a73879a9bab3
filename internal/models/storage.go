package models

import (
	"encoding/json"
	"sort"
	"time"
)

// StorageIndexVersion is written into every index file
const StorageIndexVersion = 1

// NumberSet is a set of item numbers. It marshals as a sorted JSON array.
type NumberSet map[int]struct{}

// NewNumberSet builds a set from numbers
func NewNumberSet(numbers ...int) NumberSet {
	s := make(NumberSet, len(numbers))
	for _, n := range numbers {
		s[n] = struct{}{}
	}
	return s
}

func (s NumberSet) Add(n int) { s[n] = struct{}{} }

func (s NumberSet) Has(n int) bool {
	_, ok := s[n]
	return ok
}

// Sorted returns the members in ascending order
func (s NumberSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func (s NumberSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *NumberSet) UnmarshalJSON(data []byte) error {
	var numbers []int
	if err := json.Unmarshal(data, &numbers); err != nil {
		return err
	}
	*s = NewNumberSet(numbers...)
	return nil
}

// DateRange bounds the creation dates of the items in a partition
type DateRange struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// MonthlyMetadata describes one month partition file
type MonthlyMetadata struct {
	Repository    string    `json:"repository"`
	Year          int       `json:"year"`
	Month         int       `json:"month"`
	ItemCount     int       `json:"itemCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
	ItemNumbers   []int     `json:"itemNumbers"`
	DateRange     DateRange `json:"dateRange"`
	HighestNumber int       `json:"highestNumber"`
	OldestNumber  int       `json:"oldestNumber"`
}

// MonthlyStorage holds all items of one kind created in one calendar month
type MonthlyStorage[T Item] struct {
	Metadata MonthlyMetadata `json:"metadata"`
	Items    []T             `json:"items"`
}

// Merge replaces items with a matching number and appends the rest.
// It returns how many items were appended and how many replaced.
func (m *MonthlyStorage[T]) Merge(incoming []T) (saved, updated int) {
	position := make(map[int]int, len(m.Items))
	for i, item := range m.Items {
		position[item.ItemNumber()] = i
	}

	for _, item := range incoming {
		if i, ok := position[item.ItemNumber()]; ok {
			m.Items[i] = item
			updated++
			continue
		}
		position[item.ItemNumber()] = len(m.Items)
		m.Items = append(m.Items, item)
		saved++
	}
	return saved, updated
}

// Recompute sorts items newest first and refreshes every metadata field
// derived from them.
func (m *MonthlyStorage[T]) Recompute(now time.Time) {
	sort.SliceStable(m.Items, func(i, j int) bool {
		return m.Items[i].CreatedAt().After(m.Items[j].CreatedAt())
	})

	meta := &m.Metadata
	meta.ItemCount = len(m.Items)
	meta.LastUpdated = now
	meta.ItemNumbers = make([]int, 0, len(m.Items))
	meta.DateRange = DateRange{}
	meta.HighestNumber, meta.OldestNumber = 0, 0

	for i, item := range m.Items {
		n := item.ItemNumber()
		meta.ItemNumbers = append(meta.ItemNumbers, n)
		created := item.CreatedAt()
		if i == 0 {
			meta.HighestNumber, meta.OldestNumber = n, n
			meta.DateRange = DateRange{Earliest: created, Latest: created}
			continue
		}
		if n > meta.HighestNumber {
			meta.HighestNumber = n
		}
		if n < meta.OldestNumber {
			meta.OldestNumber = n
		}
		if created.Before(meta.DateRange.Earliest) {
			meta.DateRange.Earliest = created
		}
		if created.After(meta.DateRange.Latest) {
			meta.DateRange.Latest = created
		}
	}
	sort.Ints(meta.ItemNumbers)
}

// RepositoryTotals are running counts kept per repository
type RepositoryTotals struct {
	PRs    int `json:"prs"`
	Issues int `json:"issues"`
}

// RepositoryIndex is the per-repository entry of the storage index
type RepositoryIndex struct {
	PRNumbers    NumberSet              `json:"prNumbers"`
	IssueNumbers NumberSet              `json:"issueNumbers"`
	LastFetch    *time.Time             `json:"lastFetch,omitempty"`
	LastModified map[ItemKind]time.Time `json:"lastModified"`
	Totals       RepositoryTotals       `json:"totals"`
	Months       map[ItemKind][]string  `json:"months"`
}

// NewRepositoryIndex returns an empty entry with all maps allocated
func NewRepositoryIndex() *RepositoryIndex {
	return &RepositoryIndex{
		PRNumbers:    NewNumberSet(),
		IssueNumbers: NewNumberSet(),
		LastModified: make(map[ItemKind]time.Time),
		Months:       make(map[ItemKind][]string),
	}
}

// Numbers returns the known-number set for a kind
func (r *RepositoryIndex) Numbers(kind ItemKind) NumberSet {
	if kind == KindIssues {
		return r.IssueNumbers
	}
	return r.PRNumbers
}

// AddMonth records that a partition exists for kind, keeping the list sorted
func (r *RepositoryIndex) AddMonth(kind ItemKind, month string) {
	months := r.Months[kind]
	i := sort.SearchStrings(months, month)
	if i < len(months) && months[i] == month {
		return
	}
	months = append(months, "")
	copy(months[i+1:], months[i:])
	months[i] = month
	r.Months[kind] = months
}

// StorageIndex is the persisted index of everything in the store, keyed by owner/repo
type StorageIndex struct {
	Version      int                         `json:"version"`
	LastUpdated  time.Time                   `json:"lastUpdated"`
	Repositories map[string]*RepositoryIndex `json:"repositories"`
}

// NewStorageIndex returns an empty index
func NewStorageIndex() *StorageIndex {
	return &StorageIndex{
		Version:      StorageIndexVersion,
		Repositories: make(map[string]*RepositoryIndex),
	}
}

// Repository returns the entry for key, creating it when absent
func (s *StorageIndex) Repository(key string) *RepositoryIndex {
	entry, ok := s.Repositories[key]
	if !ok {
		entry = NewRepositoryIndex()
		s.Repositories[key] = entry
	}
	return entry
}

// Normalize fills maps that older index files may have left out
func (s *StorageIndex) Normalize() {
	if s.Repositories == nil {
		s.Repositories = make(map[string]*RepositoryIndex)
	}
	if s.Version == 0 {
		s.Version = StorageIndexVersion
	}
	for key, entry := range s.Repositories {
		if entry == nil {
			s.Repositories[key] = NewRepositoryIndex()
			continue
		}
		if entry.PRNumbers == nil {
			entry.PRNumbers = NewNumberSet()
		}
		if entry.IssueNumbers == nil {
			entry.IssueNumbers = NewNumberSet()
		}
		if entry.LastModified == nil {
			entry.LastModified = make(map[ItemKind]time.Time)
		}
		if entry.Months == nil {
			entry.Months = make(map[ItemKind][]string)
		}
	}
}
