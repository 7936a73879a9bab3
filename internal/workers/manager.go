package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/pkg/config"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// WorkerManager manages multiple workers of different types
type WorkerManager struct {
	workers []Worker
	jobRepo *repositories.JobRepository
	syncer  Syncer
	stats   StatsGenerator
	repos   []models.Repository
	cfg     config.WorkersConfig
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWorkerManager creates a new worker manager
func NewWorkerManager(jobRepo *repositories.JobRepository, syncer Syncer, stats StatsGenerator, repos []models.Repository, cfg config.WorkersConfig) *WorkerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerManager{
		workers: make([]Worker, 0),
		jobRepo: jobRepo,
		syncer:  syncer,
		stats:   stats,
		repos:   repos,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartAll fails jobs interrupted by a previous process and starts the
// configured number of sync and stats workers
func (wm *WorkerManager) StartAll() error {
	stale, err := wm.jobRepo.FailStaleJobs()
	if err != nil {
		return fmt.Errorf("failed to reset interrupted jobs: %w", err)
	}
	if stale > 0 {
		logger.WithField("jobs", stale).Warn("Marked interrupted jobs as failed")
	}

	syncWorkers := atLeastOne(wm.cfg.SyncWorkers)
	statsWorkers := atLeastOne(wm.cfg.StatsWorkers)

	logger.WithFields(logrus.Fields{
		"sync":  syncWorkers,
		"stats": statsWorkers,
	}).Info("Starting workers")

	for i := 0; i < syncWorkers; i++ {
		wm.add(NewSyncWorker(fmt.Sprintf("sync-%d", i+1), wm.jobRepo, wm.syncer, wm.repos))
	}
	for i := 0; i < statsWorkers; i++ {
		wm.add(NewStatsWorker(fmt.Sprintf("stats-%d", i+1), wm.jobRepo, wm.stats))
	}

	logger.Infof("Started %d total workers", len(wm.workers))
	return nil
}

// StopAll gracefully stops all workers
func (wm *WorkerManager) StopAll() error {
	logger.Info("Stopping all workers...")

	wm.cancel()
	for _, worker := range wm.workers {
		if err := worker.Stop(); err != nil {
			logger.WithError(err).WithField("worker", worker.GetWorkerID()).Error("Error stopping worker")
		}
	}
	wm.wg.Wait()

	logger.Info("All workers stopped")
	return nil
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// add starts a single worker in a goroutine
func (wm *WorkerManager) add(worker Worker) {
	wm.workers = append(wm.workers, worker)
	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		if err := worker.Start(wm.ctx); err != nil && wm.ctx.Err() == nil {
			logger.WithError(err).WithField("worker", worker.GetWorkerID()).Error("Worker stopped with error")
		}
	}()
}

// GetWorkerStatus returns the status of all workers
func (wm *WorkerManager) GetWorkerStatus() map[string]bool {
	status := make(map[string]bool, len(wm.workers))
	for _, worker := range wm.workers {
		status[worker.GetWorkerID()] = worker.IsRunning()
	}
	return status
}
