package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alimgiray/ghpulse/internal/handlers"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/services"
	"github.com/alimgiray/ghpulse/internal/workers"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// signalContext is canceled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newSyncCommand(opts *globalOptions) *cobra.Command {
	var (
		mode      string
		skipStats bool
	)

	cmd := &cobra.Command{
		Use:   "sync [owner/repo...]",
		Short: "Fetch pull requests and issues into the store",
		Long: `Fetch pull requests and issues of the given repositories, or of every
repository in the repositories file when none are given.

Modes:
  full         refetch everything (initial population)
  incremental  fetch only items changed since the last successful sync,
               falling back to full for repositories never fetched`,
		RunE: func(cmd *cobra.Command, args []string) error {
			syncMode, ok := models.ParseSyncMode(mode)
			if !ok {
				return fmt.Errorf("invalid --mode %q, expected full or incremental", mode)
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			github, err := a.GitHub()
			if err != nil {
				return err
			}
			repos, err := a.Repositories(args)
			if err != nil {
				return err
			}
			_, jobService, err := a.Jobs()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			syncService := services.NewSyncService(github, a.storage, a.limiter, jobService)
			summary := syncService.SyncAll(ctx, repos, syncMode)

			if !skipStats && len(summary.Results) > 0 {
				if _, err := a.Stats().Generate(ctx); err != nil {
					return fmt.Errorf("failed to generate stats: %w", err)
				}
			}
			return summary.Err()
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(models.SyncModeIncremental), "full or incremental")
	cmd.Flags().BoolVar(&skipStats, "skip-stats", false, "Do not regenerate rollups after syncing")
	return cmd
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Regenerate the rollup artifacts from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			result, err := a.Stats().Generate(ctx)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"repositories": result.Repositories,
				"contributors": result.Contributors,
				"dir":          a.cfg.Storage.StatsDir,
			}).Info("Stats written")
			return nil
		},
	}
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check stored data for consistency",
		Long: `Check every stored month partition against the index and the model
invariants. With --live, stored open counts are also compared with the
counts GitHub search reports. Exits with status 3 when errors are found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var github *services.GitHubService
			if live {
				if github, err = a.GitHub(); err != nil {
					return err
				}
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			report, err := services.NewValidationService(a.storage, github).Validate(ctx, live)
			if err != nil {
				return err
			}

			for _, f := range report.Errors {
				logger.Errorf("%s", f)
			}
			for _, f := range report.Warnings {
				logger.Warnf("%s", f)
			}
			for _, r := range report.Recommendations {
				logger.WithField("recommendation", r).Info("Recommendation")
			}
			logger.WithFields(logrus.Fields{
				"repositories": report.Repositories,
				"items":        report.ItemsChecked,
				"errors":       len(report.Errors),
				"warnings":     len(report.Warnings),
			}).Info("Validation finished")

			return report.Err()
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Compare open counts with GitHub search")
	return cmd
}

func newRateLimitCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit",
		Short: "Show the current GitHub API quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			github, err := a.GitHub()
			if err != nil {
				return err
			}
			state, err := github.CheckRateLimit(cmd.Context())
			if err != nil {
				return err
			}

			logger.WithFields(logrus.Fields{
				"limit":         state.Limit,
				"remaining":     state.Remaining,
				"used":          state.Used,
				"reset":         state.Reset.Format(time.RFC3339),
				"optimal_delay": a.limiter.OptimalDelay().String(),
			}).Info("Rate limit")
			return nil
		},
	}
}

func newExportCommand(opts *globalOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the rollups to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := services.NewExportService(a.Stats()).Export(cmd.Context(), out)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"path": out, "rows": rows}).Info("Workbook written")
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "ghpulse.xlsx", "Output workbook path")
	return cmd
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background sync workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if port != "" {
				a.cfg.Server.Port = port
			}
			return serve(cmd.Context(), a)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "Listen port (overrides PORT)")
	return cmd
}

func serve(parent context.Context, a *app) error {
	gin.SetMode(a.cfg.Server.Mode)

	github, err := a.GitHub()
	if err != nil {
		return err
	}
	repos, err := a.Repositories(nil)
	if err != nil {
		return err
	}
	jobRepo, jobService, err := a.Jobs()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	syncService := services.NewSyncService(github, a.storage, a.limiter, nil)
	workerManager := workers.NewWorkerManager(jobRepo, syncService, a.Stats(), repos, a.cfg.Workers)
	if err := workerManager.StartAll(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer workerManager.StopAll()

	interval := time.Duration(a.cfg.Workers.SyncIntervalMinutes) * time.Minute
	services.NewSchedulerService(jobService, repos, interval).StartScheduler(ctx)

	router := handlers.NewRouter(handlers.Dependencies{
		Storage:      a.storage,
		Jobs:         jobService,
		Limiter:      a.limiter,
		Queue:        a.queue,
		Repositories: repos,
		StatsDir:     a.cfg.Storage.StatsDir,
		APIToken:     a.cfg.Server.APIToken,
	})

	server := &http.Server{
		Addr:    ":" + a.cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", a.cfg.Server.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
