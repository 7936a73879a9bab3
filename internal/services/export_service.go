package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/pkg/logger"
)

// Sheet names of the exported workbook
const (
	SheetRepositories = "Repositories"
	SheetContributors = "Contributors"
)

var (
	repositoryHeader  = []any{"Repository", "Period", "Key", "Created PRs", "Merged PRs", "Commits", "Opened Issues", "Closed Issues"}
	contributorHeader = []any{"Login", "Repository", "Period", "Key", "Opened PRs", "Merged PRs", "Reviewed PRs", "Merged Commits", "Opened Issues"}
)

// ExportService writes rollups into an XLSX workbook
type ExportService struct {
	stats *StatsService
}

// NewExportService creates an export service
func NewExportService(stats *StatsService) *ExportService {
	return &ExportService{stats: stats}
}

// Export rebuilds the rollups and saves them to path as a workbook with one
// sheet per rollup family. It returns the number of data rows written.
func (s *ExportService) Export(ctx context.Context, path string) (int, error) {
	rollups, err := s.stats.Build(ctx)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, err
	}

	rows := 0
	n, err := writeSheet(f, SheetRepositories, repositoryHeader, bold, repositoryRows(rollups.Repos))
	if err != nil {
		return 0, err
	}
	rows += n

	n, err = writeSheet(f, SheetContributors, contributorHeader, bold, contributorRows(rollups.Contributors))
	if err != nil {
		return 0, err
	}
	rows += n

	// NewFile starts with a default sheet we do not use
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, err
	}
	if idx, err := f.GetSheetIndex(SheetRepositories); err == nil {
		f.SetActiveSheet(idx)
	}

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("failed to save workbook %s: %w", path, err)
	}

	logger.WithFields(logrus.Fields{"path": path, "rows": rows}).Info("Workbook exported")
	return rows, nil
}

func writeSheet(f *excelize.File, sheet string, header []any, headerStyle int, rows [][]any) (int, error) {
	if _, err := f.NewSheet(sheet); err != nil {
		return 0, err
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return 0, err
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return 0, err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return 0, fmt.Errorf("failed to write %s row %d: %w", sheet, i+2, err)
		}
	}
	return len(rows), nil
}

func repositoryRows(stats models.RepoStats) [][]any {
	var rows [][]any
	for _, repo := range sortedKeys(stats) {
		for _, period := range models.Periods {
			buckets := stats[repo][period]
			for _, key := range sortedKeys(buckets) {
				b := buckets[key]
				rows = append(rows, []any{repo, period, key, b.CreatedPRs, b.MergedPRs, b.Commits, b.OpenedIssues, b.ClosedIssues})
			}
		}
	}
	return rows
}

func contributorRows(stats models.ContributorStats) [][]any {
	var rows [][]any
	for _, login := range sortedKeys(stats) {
		for _, repo := range sortedKeys(stats[login]) {
			for _, period := range models.Periods {
				tuples := stats[login][repo][period]
				for _, key := range sortedKeys(tuples) {
					t := tuples[key]
					rows = append(rows, []any{
						login, repo, period, key,
						t[models.TupleOpenedPRs],
						t[models.TupleMergedPRs],
						t[models.TupleReviewedPRs],
						t[models.TupleMergedCommits],
						t[models.TupleOpenedIssues],
					})
				}
			}
		}
	}
	return rows
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
