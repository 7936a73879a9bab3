package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/services"
)

const defaultJobLimit = 50

type JobHandler struct {
	jobService *services.JobService
}

func NewJobHandler(jobService *services.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// ListJobs returns recent jobs, or every job of ?repository=owner/repo
func (h *JobHandler) ListJobs(c *gin.Context) {
	var (
		jobs []*models.Job
		err  error
	)
	if repo := c.Query("repository"); repo != "" {
		jobs, err = h.jobService.GetJobsByRepository(repo)
	} else {
		limit, convErr := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultJobLimit)))
		if convErr != nil || limit <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		jobs, err = h.jobService.GetRecentJobs(limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// GetJob returns one job by id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobService.GetJobByID(c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		respondError(c, fmt.Errorf("job %s: %w", c.Param("id"), apperr.ErrNotFound))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
