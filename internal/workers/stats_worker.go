package workers

import (
	"context"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/internal/services"
)

// StatsGenerator rebuilds the rollup artifacts
type StatsGenerator interface {
	Generate(ctx context.Context) (*services.StatsResult, error)
}

// StatsWorker handles stats jobs
type StatsWorker struct {
	*BaseWorker
	generator StatsGenerator
}

// NewStatsWorker creates a new stats worker
func NewStatsWorker(workerID string, jobRepo *repositories.JobRepository, generator StatsGenerator) *StatsWorker {
	return &StatsWorker{
		BaseWorker: NewBaseWorker(workerID, models.JobTypeStats, jobRepo),
		generator:  generator,
	}
}

// Start begins the stats worker process
func (w *StatsWorker) Start(ctx context.Context) error {
	return w.run(ctx, w.processStatsJob)
}

// processStatsJob reports the number of contributors as items saved
func (w *StatsWorker) processStatsJob(ctx context.Context, job *models.Job) (int, int, error) {
	result, err := w.generator.Generate(ctx)
	if err != nil {
		return 0, 0, err
	}
	return result.Contributors, 0, nil
}
