package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alimgiray/ghpulse/internal/apperr"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

var version = "dev"

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "ghpulse",
		Short: "Collect GitHub pull request and issue activity into a local store",
		Long: `ghpulse mirrors pull requests and issues of a fixed list of GitHub
repositories into month-partitioned JSON files, keeps them current with
incremental syncs and derives weekly, monthly and yearly activity rollups
per repository and per contributor.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.token, "token", "", "GitHub token (overrides GITHUB_TOKEN)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Storage root (overrides DATA_DIR)")
	flags.StringVar(&opts.statsDir, "stats-dir", "", "Rollup output directory (overrides STATS_DIR)")
	flags.StringVar(&opts.repositoriesFile, "repositories", "", "Repository list YAML file (overrides REPOSITORIES_FILE)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(
		newSyncCommand(&opts),
		newStatsCommand(&opts),
		newValidateCommand(&opts),
		newRateLimitCommand(&opts),
		newExportCommand(&opts),
		newServeCommand(&opts),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Error("Command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(apperr.ExitCode(err))
	}
}
