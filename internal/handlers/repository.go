package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/services"
)

// RepositoryHandler serves stored items and triggers syncs
type RepositoryHandler struct {
	storage    *services.StorageService
	jobService *services.JobService
	repos      map[string]models.Repository
	order      []string
}

func NewRepositoryHandler(storage *services.StorageService, jobService *services.JobService, repos []models.Repository) *RepositoryHandler {
	h := &RepositoryHandler{
		storage:    storage,
		jobService: jobService,
		repos:      make(map[string]models.Repository, len(repos)),
	}
	for _, r := range repos {
		h.repos[r.Key()] = r
		h.order = append(h.order, r.Key())
	}
	return h
}

type repositorySummary struct {
	models.Repository
	Key       string                  `json:"key"`
	Totals    models.RepositoryTotals `json:"totals"`
	LastFetch *time.Time              `json:"lastFetch"`
}

// ListRepositories returns every configured repository with its index totals
func (h *RepositoryHandler) ListRepositories(c *gin.Context) {
	out := make([]repositorySummary, 0, len(h.order))
	for _, key := range h.order {
		summary := repositorySummary{Repository: h.repos[key], Key: key}
		if entry, ok := h.storage.RepositoryIndex(key); ok {
			summary.Totals = entry.Totals
			summary.LastFetch = entry.LastFetch
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{"repositories": out})
}

// ListPRs returns stored PRs, optionally bounded by ?start= and ?end=
func (h *RepositoryHandler) ListPRs(c *gin.Context) {
	repo, start, end, ok := h.parseItemRequest(c)
	if !ok {
		return
	}
	prs, err := h.storage.LoadPRs(repo.Key(), start, end)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repository": repo.Key(), "count": len(prs), "items": prs})
}

// ListIssues returns stored issues, optionally bounded by ?start= and ?end=
func (h *RepositoryHandler) ListIssues(c *gin.Context) {
	repo, start, end, ok := h.parseItemRequest(c)
	if !ok {
		return
	}
	issues, err := h.storage.LoadIssues(repo.Key(), start, end)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repository": repo.Key(), "count": len(issues), "items": issues})
}

// TriggerSync enqueues a sync job (?mode=full|incremental, default incremental)
func (h *RepositoryHandler) TriggerSync(c *gin.Context) {
	repo, ok := h.lookup(c)
	if !ok {
		return
	}

	mode, valid := models.ParseSyncMode(c.DefaultQuery("mode", string(models.SyncModeIncremental)))
	if !valid {
		badRequest(c, "mode must be full or incremental")
		return
	}

	job, err := h.jobService.CreateSyncJob(repo, mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *RepositoryHandler) lookup(c *gin.Context) (models.Repository, bool) {
	key := c.Param("owner") + "/" + c.Param("repo")
	repo, ok := h.repos[key]
	if !ok {
		respondError(c, fmt.Errorf("repository %s is not configured: %w", key, apperr.ErrNotFound))
		return models.Repository{}, false
	}
	return repo, true
}

func (h *RepositoryHandler) parseItemRequest(c *gin.Context) (models.Repository, *time.Time, *time.Time, bool) {
	repo, ok := h.lookup(c)
	if !ok {
		return repo, nil, nil, false
	}

	start, err := parseDate(c.Query("start"), false)
	if err != nil {
		badRequest(c, err.Error())
		return repo, nil, nil, false
	}
	end, err := parseDate(c.Query("end"), true)
	if err != nil {
		badRequest(c, err.Error())
		return repo, nil, nil, false
	}
	if start != nil && end != nil && end.Before(*start) {
		badRequest(c, "end is before start")
		return repo, nil, nil, false
	}
	return repo, start, end, true
}

// parseDate accepts RFC 3339 or YYYY-MM-DD. A bare end date covers the whole day.
func parseDate(value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD or RFC 3339", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
