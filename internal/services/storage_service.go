package services

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

const indexFileName = "index.json"

// SaveResult counts the outcome of one save call
type SaveResult struct {
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
}

// Add accumulates another result
func (r *SaveResult) Add(other SaveResult) {
	r.Saved += other.Saved
	r.Updated += other.Updated
}

// StorageService persists PRs and issues in month partitions and keeps the
// index that incremental syncs rely on. One process should write a given
// data directory at a time.
type StorageService struct {
	mu      sync.RWMutex
	dataDir string
	index   *models.StorageIndex
	now     func() time.Time
}

// IndexPath returns the location of the index inside dataDir
func IndexPath(dataDir string) string {
	return filepath.Join(dataDir, indexFileName)
}

// LoadIndex reads an index file; a missing file yields an empty index
func LoadIndex(path string) (*models.StorageIndex, error) {
	index := models.NewStorageIndex()
	if _, err := readJSON(path, index); err != nil {
		return nil, err
	}
	index.Normalize()
	return index, nil
}

// NewStorageService creates a storage service over dataDir using index as
// its in-memory state. A nil index starts empty.
func NewStorageService(dataDir string, index *models.StorageIndex) *StorageService {
	if index == nil {
		index = models.NewStorageIndex()
	}
	index.Normalize()
	return &StorageService{
		dataDir: dataDir,
		index:   index,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DataDir returns the root of the store
func (s *StorageService) DataDir() string {
	return s.dataDir
}

// FlushIndex writes the whole index to disk
func (s *StorageService) FlushIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *StorageService) flushLocked() error {
	s.index.LastUpdated = s.now()
	if err := writeJSONAtomic(IndexPath(s.dataDir), s.index); err != nil {
		return fmt.Errorf("failed to flush storage index: %w", err)
	}
	return nil
}

func (s *StorageService) partitionPath(repoKey string, kind models.ItemKind, month string) string {
	return filepath.Join(s.dataDir, "repos", models.SanitizeKey(repoKey), string(kind), month+".json")
}

// GetExistingItemNumbers returns a copy of the known item numbers of a repository
func (s *StorageService) GetExistingItemNumbers(repoKey string, kind models.ItemKind) models.NumberSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.index.Repositories[repoKey]
	if !ok {
		return models.NewNumberSet()
	}
	return models.NewNumberSet(entry.Numbers(kind).Sorted()...)
}

// Repositories returns the keys of every indexed repository, sorted
func (s *StorageService) Repositories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.index.Repositories))
	for key := range s.index.Repositories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RepositoryIndex returns a copy of the index entry for repoKey
func (s *StorageService) RepositoryIndex(repoKey string) (*models.RepositoryIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.index.Repositories[repoKey]
	if !ok {
		return nil, false
	}

	clone := &models.RepositoryIndex{
		PRNumbers:    models.NewNumberSet(entry.PRNumbers.Sorted()...),
		IssueNumbers: models.NewNumberSet(entry.IssueNumbers.Sorted()...),
		LastModified: make(map[models.ItemKind]time.Time, len(entry.LastModified)),
		Totals:       entry.Totals,
		Months:       make(map[models.ItemKind][]string, len(entry.Months)),
	}
	if entry.LastFetch != nil {
		t := *entry.LastFetch
		clone.LastFetch = &t
	}
	for k, v := range entry.LastModified {
		clone.LastModified[k] = v
	}
	for k, v := range entry.Months {
		clone.Months[k] = append([]string(nil), v...)
	}
	return clone, true
}

// MarkFetched records the start time of a completed fetch run and flushes the
// index. Saves alone never move the last fetch, so a run that fails halfway
// is fetched again from the previous point.
func (s *StorageService) MarkFetched(repoKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	s.index.Repository(repoKey).LastFetch = &at
	return s.flushLocked()
}

// IdentifyNewPRs splits fetched PRs into new ones and stored ones that changed
func (s *StorageService) IdentifyNewPRs(repoKey string, prs []*models.PullRequest) (newItems, updated []*models.PullRequest, err error) {
	return identifyNew(s, repoKey, models.KindPullRequests, prs)
}

// IdentifyNewIssues splits fetched issues into new ones and stored ones that changed
func (s *StorageService) IdentifyNewIssues(repoKey string, issues []*models.Issue) (newItems, updated []*models.Issue, err error) {
	return identifyNew(s, repoKey, models.KindIssues, issues)
}

// IsChanged reports whether incoming must be saved over the stored copy of the
// same item: its authoritative date is later or its status differs.
func IsChanged(stored, incoming models.Item) bool {
	if incoming.AuthoritativeDate().After(stored.AuthoritativeDate()) {
		return true
	}
	return incoming.ItemStatus() != stored.ItemStatus()
}

func identifyNew[T models.Item](s *StorageService, repoKey string, kind models.ItemKind, items []T) (newItems, updated []T, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var known models.NumberSet
	if entry, ok := s.index.Repositories[repoKey]; ok {
		known = entry.Numbers(kind)
	}

	partitions := make(map[string]map[int]T)
	for _, item := range items {
		if !known.Has(item.ItemNumber()) {
			newItems = append(newItems, item)
			continue
		}

		month := models.MonthKey(item.CreatedAt())
		stored, ok := partitions[month]
		if !ok {
			partition, _, err := loadPartition[T](s, repoKey, kind, month)
			if err != nil {
				return nil, nil, err
			}
			stored = make(map[int]T, len(partition.Items))
			for _, existing := range partition.Items {
				stored[existing.ItemNumber()] = existing
			}
			partitions[month] = stored
		}

		existing, found := stored[item.ItemNumber()]
		if !found || IsChanged(existing, item) {
			updated = append(updated, item)
		}
	}
	return newItems, updated, nil
}

// SavePRs merges PRs into their month partitions and updates the index
func (s *StorageService) SavePRs(repo models.Repository, prs []*models.PullRequest) (SaveResult, error) {
	return saveItems(s, repo.Key(), models.KindPullRequests, prs)
}

// SaveIssues merges issues into their month partitions and updates the index
func (s *StorageService) SaveIssues(repo models.Repository, issues []*models.Issue) (SaveResult, error) {
	return saveItems(s, repo.Key(), models.KindIssues, issues)
}

func saveItems[T models.Item](s *StorageService, repoKey string, kind models.ItemKind, items []T) (SaveResult, error) {
	var result SaveResult
	if len(items) == 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byMonth := make(map[string][]T)
	for _, item := range items {
		month := models.MonthKey(item.CreatedAt())
		byMonth[month] = append(byMonth[month], item)
	}

	months := make([]string, 0, len(byMonth))
	for month := range byMonth {
		months = append(months, month)
	}
	sort.Strings(months)

	now := s.now()
	entry := s.index.Repository(repoKey)
	numbers := entry.Numbers(kind)

	for _, month := range months {
		partition, _, err := loadPartition[T](s, repoKey, kind, month)
		if err != nil {
			return result, err
		}

		saved, replaced := partition.Merge(byMonth[month])
		partition.Recompute(now)

		if err := writeJSONAtomic(s.partitionPath(repoKey, kind, month), partition); err != nil {
			return result, err
		}

		for _, item := range byMonth[month] {
			numbers.Add(item.ItemNumber())
		}
		entry.AddMonth(kind, month)
		result.Saved += saved
		result.Updated += replaced
	}

	switch kind {
	case models.KindPullRequests:
		entry.Totals.PRs = len(entry.PRNumbers)
	case models.KindIssues:
		entry.Totals.Issues = len(entry.IssueNumbers)
	}
	entry.LastModified[kind] = now

	if err := s.flushLocked(); err != nil {
		return result, err
	}

	logger.WithFields(logrus.Fields{
		"repository": repoKey,
		"kind":       kind,
		"months":     len(months),
		"saved":      result.Saved,
		"updated":    result.Updated,
	}).Debug("Saved items")

	return result, nil
}

// loadPartition reads one month file, returning an empty partition with its
// metadata filled in when the file does not exist yet.
func loadPartition[T models.Item](s *StorageService, repoKey string, kind models.ItemKind, month string) (*models.MonthlyStorage[T], bool, error) {
	partition := &models.MonthlyStorage[T]{}
	found, err := readJSON(s.partitionPath(repoKey, kind, month), partition)
	if err != nil {
		return nil, found, err
	}
	if !found {
		start, err := time.Parse("2006-01", month)
		if err != nil {
			return nil, false, fmt.Errorf("invalid month key %q: %w", month, err)
		}
		partition.Metadata = models.MonthlyMetadata{
			Repository:  repoKey,
			Year:        start.Year(),
			Month:       int(start.Month()),
			ItemNumbers: []int{},
		}
		partition.Items = []T{}
	}
	return partition, found, nil
}

// LoadPRMonth returns one PR partition as stored on disk
func (s *StorageService) LoadPRMonth(repoKey, month string) (*models.MonthlyStorage[*models.PullRequest], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadPartition[*models.PullRequest](s, repoKey, models.KindPullRequests, month)
}

// LoadIssueMonth returns one issue partition as stored on disk
func (s *StorageService) LoadIssueMonth(repoKey, month string) (*models.MonthlyStorage[*models.Issue], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadPartition[*models.Issue](s, repoKey, models.KindIssues, month)
}

// LoadPRs returns stored PRs created within [start, end], newest first.
// Nil bounds are open.
func (s *StorageService) LoadPRs(repoKey string, start, end *time.Time) ([]*models.PullRequest, error) {
	return loadItems[*models.PullRequest](s, repoKey, models.KindPullRequests, start, end)
}

// LoadIssues returns stored issues created within [start, end], newest first
func (s *StorageService) LoadIssues(repoKey string, start, end *time.Time) ([]*models.Issue, error) {
	return loadItems[*models.Issue](s, repoKey, models.KindIssues, start, end)
}

func loadItems[T models.Item](s *StorageService, repoKey string, kind models.ItemKind, start, end *time.Time) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.index.Repositories[repoKey]
	if !ok {
		return []T{}, nil
	}

	items := []T{}
	for _, month := range entry.Months[kind] {
		monthStart, err := time.Parse("2006-01", month)
		if err != nil {
			return nil, fmt.Errorf("invalid month key %q in index: %w", month, err)
		}
		monthEnd := monthStart.AddDate(0, 1, 0)
		if end != nil && monthStart.After(*end) {
			continue
		}
		if start != nil && !monthEnd.After(*start) {
			continue
		}

		partition, _, err := loadPartition[T](s, repoKey, kind, month)
		if err != nil {
			return nil, err
		}
		for _, item := range partition.Items {
			created := item.CreatedAt()
			if start != nil && created.Before(*start) {
				continue
			}
			if end != nil && created.After(*end) {
				continue
			}
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt().After(items[j].CreatedAt())
	})
	return items, nil
}
