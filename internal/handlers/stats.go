package handlers

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/services"
)

// StatsHandler serves the generated rollup artifacts
type StatsHandler struct {
	statsDir string
}

func NewStatsHandler(statsDir string) *StatsHandler {
	return &StatsHandler{statsDir: statsDir}
}

// GetArtifact returns one artifact by name, with or without ".json"
func (h *StatsHandler) GetArtifact(c *gin.Context) {
	name := c.Param("artifact")
	if filepath.Ext(name) == "" {
		name += ".json"
	}

	known := false
	for _, a := range services.Artifacts {
		if a == name {
			known = true
			break
		}
	}
	if !known {
		respondError(c, fmt.Errorf("unknown artifact %s: %w", name, apperr.ErrNotFound))
		return
	}

	data, err := os.ReadFile(filepath.Join(h.statsDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		respondError(c, fmt.Errorf("%s has not been generated yet: %w", name, apperr.ErrNotFound))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}
