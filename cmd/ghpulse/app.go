package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/queue"
	"github.com/alimgiray/ghpulse/internal/ratelimit"
	"github.com/alimgiray/ghpulse/internal/repositories"
	"github.com/alimgiray/ghpulse/internal/services"
	"github.com/alimgiray/ghpulse/pkg/config"
	"github.com/alimgiray/ghpulse/pkg/database"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	token            string
	dataDir          string
	statsDir         string
	repositoriesFile string
	logLevel         string
}

// app holds the components a command needs. Fields are built lazily so a
// command only pays for what it uses.
type app struct {
	cfg     *config.Config
	storage *services.StorageService
	limiter *ratelimit.Manager
	queue   *queue.Queue
	github  *services.GitHubService
	db      *sql.DB
}

func newApp(opts *globalOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.token != "" {
		cfg.GitHub.Token = opts.token
	}
	if opts.dataDir != "" {
		cfg.Storage.DataDir = opts.dataDir
		if opts.statsDir == "" && os.Getenv("STATS_DIR") == "" {
			cfg.Storage.StatsDir = filepath.Join(opts.dataDir, "stats")
		}
	}
	if opts.statsDir != "" {
		cfg.Storage.StatsDir = opts.statsDir
	}
	if opts.repositoriesFile != "" {
		cfg.Storage.RepositoriesFile = opts.repositoriesFile
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger.InitWithLevel(cfg.LogLevel)

	index, err := services.LoadIndex(services.IndexPath(cfg.Storage.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load storage index: %w", err)
	}

	a := &app{
		cfg:     cfg,
		storage: services.NewStorageService(cfg.Storage.DataDir, index),
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.SafetyBuffer = cfg.RateLimit.SafetyBuffer
	rlCfg.BurstLimit = cfg.RateLimit.BurstLimit
	a.limiter = ratelimit.NewManager(rlCfg)
	a.queue = queue.New(a.limiter, queue.Options{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		Retry:         queue.DefaultRetryPolicy(),
	})
	return a, nil
}

// GitHub returns the API service, failing with apperr.ErrMissingToken when
// no token is configured
func (a *app) GitHub() (*services.GitHubService, error) {
	if a.github != nil {
		return a.github, nil
	}
	if a.cfg.GitHub.Token == "" {
		return nil, fmt.Errorf("set GITHUB_TOKEN or pass --token: %w", apperr.ErrMissingToken)
	}

	client, err := services.NewGitHubClient(a.cfg.GitHub.Token, a.cfg.GitHub.APIURL, a.limiter)
	if err != nil {
		return nil, err
	}
	a.github = services.NewGitHubService(client, a.queue, a.limiter)
	return a.github, nil
}

// Jobs opens the job ledger
func (a *app) Jobs() (*repositories.JobRepository, *services.JobService, error) {
	if a.db == nil {
		if err := database.Init(a.cfg.Database.Path); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.db = database.DB
	}
	jobRepo := repositories.NewJobRepository(a.db)
	return jobRepo, services.NewJobService(jobRepo), nil
}

// Repositories resolves owner/repo arguments, or the configured list when
// there are none
func (a *app) Repositories(args []string) ([]models.Repository, error) {
	if len(args) == 0 {
		return config.LoadRepositories(a.cfg.Storage.RepositoriesFile)
	}

	configured := map[string]models.Repository{}
	if repos, err := config.LoadRepositories(a.cfg.Storage.RepositoriesFile); err == nil {
		for _, r := range repos {
			configured[r.Key()] = r
		}
	}

	repos := make([]models.Repository, 0, len(args))
	for _, arg := range args {
		repo, err := models.ParseRepository(arg)
		if err != nil {
			return nil, err
		}
		if known, ok := configured[repo.Key()]; ok {
			repo = known
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

func (a *app) Stats() *services.StatsService {
	return services.NewStatsService(a.storage, a.cfg.Storage.StatsDir)
}

func (a *app) Close() {
	a.queue.Close()
	if a.db != nil {
		if err := database.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}
}
